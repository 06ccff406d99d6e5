package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agent-gatekeeper/internal/config"
)

// Server is the main HTTP server for the gatekeeper API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	// Gatekeeper API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/commands", handlers.HandleRunCommand)
	apiMux.HandleFunc("POST /v1/commands/stream", handlers.HandleRunCommandStream)
	apiMux.HandleFunc("GET /v1/commands", handlers.HandleListCommands)
	apiMux.HandleFunc("GET /v1/commands/{id}", handlers.HandleGetCommand)
	apiMux.HandleFunc("DELETE /v1/commands/{id}", handlers.HandleCancelCommand)
	apiMux.HandleFunc("POST /v1/policies", handlers.HandleApplyPolicy)
	apiMux.HandleFunc("GET /v1/policies", handlers.HandleListPolicies)
	apiMux.HandleFunc("GET /v1/policies/{id}", handlers.HandleGetPolicy)
	apiMux.HandleFunc("DELETE /v1/policies/{id}", handlers.HandleDeletePolicy)
	apiMux.HandleFunc("GET /v1/ratelimit", handlers.HandleRateLimitStatus)
	apiMux.HandleFunc("DELETE /v1/ratelimit", handlers.HandleRateLimitReset)
	apiMux.HandleFunc("GET /v1/files", handlers.HandleReadFile)
	apiMux.HandleFunc("PUT /v1/files", handlers.HandleWriteFile)
	apiMux.HandleFunc("GET /v1/files/list", handlers.HandleListFiles)
	apiMux.HandleFunc("GET /v1/tools", handlers.HandleListTools)
	apiMux.HandleFunc("POST /v1/tools/{name}", handlers.HandleRunTool)
	apiMux.HandleFunc("GET /v1/audit/executions", handlers.HandleListAuditExecutions)
	apiMux.HandleFunc("GET /v1/audit/decisions", handlers.HandleListAuditDecisions)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(deps))
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(handlers.metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(handlers.metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler. Test use only.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := deps.DB == nil || deps.DB.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Backend:  deps.Manager.BackendName(),
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
