package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"agent-gatekeeper/internal/api"
	"agent-gatekeeper/internal/config"
	"agent-gatekeeper/internal/monitor"
	"agent-gatekeeper/internal/policy"
	"agent-gatekeeper/internal/ratelimit"
	"agent-gatekeeper/internal/sandbox"
	"agent-gatekeeper/internal/storage"
	"agent-gatekeeper/internal/tools"
	"agent-gatekeeper/internal/workspace"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := setupTracing(ctx, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("tracing setup failed, spans will not be exported")
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				if err := shutdownTracing(flushCtx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown error")
				}
			}()
		}
	}

	// Rate limit state lives in memory unless a shared Redis store is
	// configured for multi-replica deployments.
	var limiter ratelimit.Limiter
	switch cfg.RateLimit.Store {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RateLimit.RedisAddr})
		limiter = ratelimit.NewRedis(client)
		log.Info().Str("addr", cfg.RateLimit.RedisAddr).Msg("using redis rate limit store")
	default:
		limiter = ratelimit.NewMemory()
	}
	ratelimit.StartSweeper(ctx, limiter, cfg.RateLimit.SweepInterval)

	engine := policy.NewEngine(policy.Options{
		Limiter:       limiter,
		DefaultLimit:  cfg.RateLimit.DefaultLimit,
		DefaultWindow: cfg.RateLimit.DefaultWindow,
		BootstrapOpen: cfg.Policy.BootstrapOpen,
	})
	loadPolicies(engine, cfg)

	// Initialize database (optional, runs without it for development).
	// Without a database the service still enforces policy; execution
	// records just live in memory only.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = storage.New(ctx, cfg.Database.DSN, storage.Options{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit trail disabled")
		} else if err := db.Migrate(ctx); err != nil {
			log.Warn().Err(err).Msg("database migration failed, audit trail disabled")
			db.Close()
			db = nil
		} else {
			defer db.Close()
		}
	}

	// Buffered audit writer so persistence never blocks a request.
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Dropped = metrics.AuditDropped
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	store, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.Workspace.Root).Msg("workspace init failed")
	}

	// The manager cannot run without a backend, so unlike the optional
	// database this is fatal. The host backend always constructs; only
	// containerized engines can fail here.
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox backend available")
	}

	// Every decision, whether made for a command, a file operation, or
	// a rate limit probe, goes through the same audited authorizer.
	auth := &auditingAuthorizer{engine: engine, writer: auditWriter, metrics: metrics}

	manager := sandbox.NewManager(sandbox.Options{
		Authorizer:     auth,
		Backend:        backend,
		Workspace:      store.Root(),
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxTimeout:     cfg.Sandbox.MaxTimeout,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
	})

	server := api.NewServer(cfg, api.Deps{
		Manager:    manager,
		Engine:     engine,
		Authorizer: auth,
		Workspace:  store,
		Tools:      tools.NewRegistry(),
		DB:         db,
		Audit:      auditWriter,
		Metrics:    metrics,
		Tracer:     monitor.NewTracer(),
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Cancels in-flight executions and closes the backend.
		if err := manager.Close(); err != nil {
			log.Error().Err(err).Msg("manager close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", backend.Name()).
		Bool("db_enabled", db != nil).
		Msg("agent gatekeeper starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	path := os.Getenv("GATEKEEPER_CONFIG")
	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
		log.Info().Str("path", path).Msg("config loaded")
		return cfg
	}
	log.Info().Msg("no config file found, using defaults")
	return config.DefaultConfig()
}

// loadPolicies seeds the engine at startup. File policies are added
// first so operator rules win over the built-in default set.
func loadPolicies(engine *policy.Engine, cfg *config.Config) {
	count := 0
	if cfg.Policy.File != "" {
		policies, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Policy.File).Msg("failed to load policy file")
		}
		for _, p := range policies {
			engine.AddPolicy(p)
		}
		count += len(policies)
		log.Info().Int("policies", len(policies)).Str("path", cfg.Policy.File).Msg("policy file loaded")
	}
	if cfg.Policy.LoadDefault {
		engine.AddPolicy(policy.DefaultPolicy())
		count++
		log.Info().Msg("default policy loaded")
	}
	if count == 0 {
		if cfg.Policy.BootstrapOpen {
			log.Warn().Msg("no policies loaded and bootstrap_open is set, all actions allowed")
		} else {
			log.Warn().Msg("no policies loaded, all actions denied until a policy is applied")
		}
	}
}

// setupTracing installs an OTLP gRPC exporter as the global tracer
// provider and returns its shutdown function.
func setupTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Tracing.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	sample := cfg.Tracing.Sample
	if sample <= 0 || sample > 1 {
		sample = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "agent-gatekeeper"),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sample))),
	)
	otel.SetTracerProvider(tp)
	log.Info().Str("endpoint", cfg.Tracing.Endpoint).Float64("sample", sample).Msg("tracing enabled")
	return tp.Shutdown, nil
}

// auditingAuthorizer decorates the policy engine so every decision,
// wherever it is evaluated, lands in the decision counters and the
// audit trail.
type auditingAuthorizer struct {
	engine  *policy.Engine
	writer  *storage.AuditWriter
	metrics *monitor.Metrics
}

func (a *auditingAuthorizer) Evaluate(ec policy.EvalContext) policy.Decision {
	dec := a.engine.Evaluate(ec)
	a.metrics.RecordDecision(string(ec.Action), dec.Allowed, dec.RateLimited)
	if a.writer != nil {
		a.writer.LogDecision(&storage.Decision{
			SessionID:   ec.SessionID,
			IPAddress:   ec.IPAddress,
			Action:      string(ec.Action),
			Resource:    ec.Resource,
			Allowed:     dec.Allowed,
			RuleID:      dec.RuleID,
			Reason:      dec.Reason,
			RateLimited: dec.RateLimited,
		})
	}
	return dec
}
