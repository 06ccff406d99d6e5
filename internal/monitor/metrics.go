package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the gatekeeper.
type Metrics struct {
	Registry *prometheus.Registry

	DecisionsTotal     *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ActiveExecutions   prometheus.Gauge
	SecurityEvents     *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	CommandOutputBytes prometheus.Histogram
	AuditDropped       prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "decisions_total",
				Help:      "Total policy decisions by action and outcome.",
			},
			[]string{"action", "outcome"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "executions_total",
				Help:      "Total command executions by backend and status.",
			},
			[]string{"backend", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gatekeeper",
				Name:      "execution_duration_seconds",
				Help:      "Duration of command executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"backend"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gatekeeper",
				Name:      "active_executions",
				Help:      "Number of currently running command executions.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "security_events_total",
				Help:      "Total security events detected in commands and output.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gatekeeper",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CommandOutputBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gatekeeper",
				Name:      "command_output_bytes",
				Help:      "Size of captured command output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
			},
		),

		AuditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "audit_dropped_total",
				Help:      "Audit records dropped because the writer buffer was full.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.DecisionsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.CommandOutputBytes,
		m.AuditDropped,
	)

	return m
}

// RecordDecision records a policy decision outcome. The outcome label
// is one of allowed, denied, or rate_limited.
func (m *Metrics) RecordDecision(action string, allowed, rateLimited bool) {
	outcome := "denied"
	switch {
	case allowed:
		outcome = "allowed"
	case rateLimited:
		outcome = "rate_limited"
	}
	m.DecisionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(backend, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(backend, status).Inc()
	m.ExecutionDuration.WithLabelValues(backend).Observe(durationSec)
}

// RecordSecurityEvent records a security event by detection pattern.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}
