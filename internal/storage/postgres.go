package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Options tunes the connection pool. Zero values fall back to the
// defaults below.
type Options struct {
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}
	if opts.ConnMaxIdleTime > 0 {
		config.MaxConnIdleTime = opts.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Migrate creates the audit tables if they do not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		allowed BOOLEAN NOT NULL,
		rule_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS decisions_session_idx ON decisions (session_id, created_at);
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		command_line TEXT NOT NULL,
		backend TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		stdout_bytes INTEGER NOT NULL DEFAULT 0,
		stderr_bytes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS executions_session_idx ON executions (session_id, created_at);
	`
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating audit tables: %w", err)
	}
	return nil
}

// LogDecision inserts a policy decision into the audit log.
func (db *DB) LogDecision(ctx context.Context, dec *Decision) error {
	if dec.ID == "" {
		dec.ID = uuid.New().String()
	}
	if dec.CreatedAt.IsZero() {
		dec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO decisions (id, session_id, ip_address, action, resource,
			allowed, rule_id, reason, rate_limited, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := db.pool.Exec(ctx, query,
		dec.ID, dec.SessionID, dec.IPAddress, dec.Action, dec.Resource,
		dec.Allowed, dec.RuleID, dec.Reason, dec.RateLimited, dec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}
	return nil
}

// LogExecution inserts an execution record into the audit log.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, session_id, ip_address, command_line, backend,
			status, exit_code, duration_ms, stdout_bytes, stderr_bytes,
			created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.SessionID, exec.IPAddress,
		truncateForDB(exec.CommandLine, 4096), exec.Backend,
		exec.Status, exec.ExitCode, exec.DurationMS,
		exec.StdoutBytes, exec.StderrBytes,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// ListExecutions queries stored executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, session_id, ip_address, command_line, backend, status,
			exit_code, duration_ms, stdout_bytes, stderr_bytes, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR session_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.SessionID, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.SessionID, &exec.IPAddress, &exec.CommandLine,
			&exec.Backend, &exec.Status, &exec.ExitCode, &exec.DurationMS,
			&exec.StdoutBytes, &exec.StderrBytes, &exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

// ListDecisions queries stored decisions with optional filters.
func (db *DB) ListDecisions(ctx context.Context, filter DecisionFilter) ([]Decision, error) {
	query := `
		SELECT id, session_id, ip_address, action, resource, allowed,
			rule_id, reason, rate_limited, created_at
		FROM decisions
		WHERE ($1 = '' OR session_id = $1)
		  AND ($2 = '' OR action = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.SessionID, filter.Action, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var results []Decision
	for rows.Next() {
		var dec Decision
		if err := rows.Scan(
			&dec.ID, &dec.SessionID, &dec.IPAddress, &dec.Action, &dec.Resource,
			&dec.Allowed, &dec.RuleID, &dec.Reason, &dec.RateLimited, &dec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning decision row: %w", err)
		}
		results = append(results, dec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
