package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agent-gatekeeper"

// Tracer wraps OpenTelemetry tracing for the gatekeeper.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("gatekeeper.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for gatekeeper tracing.
var (
	AttrExecID     = attribute.Key("gatekeeper.execution.id")
	AttrSessionID  = attribute.Key("gatekeeper.session_id")
	AttrBackend    = attribute.Key("gatekeeper.backend")
	AttrExitCode   = attribute.Key("gatekeeper.exit_code")
	AttrAction     = attribute.Key("gatekeeper.action")
	AttrResource   = attribute.Key("gatekeeper.resource")
	AttrDurationMS = attribute.Key("gatekeeper.duration_ms")
)
