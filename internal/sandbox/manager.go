package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"agent-gatekeeper/internal/policy"
)

const (
	maxStdoutBytes = 1 << 20    // 1MB kept in the record
	maxStderrBytes = 256 * 1024 // 256KB kept in the record
)

// Authorizer decides whether an evaluation context may proceed.
// Satisfied by *policy.Engine.
type Authorizer interface {
	Evaluate(ec policy.EvalContext) policy.Decision
}

type Options struct {
	Authorizer     Authorizer
	Backend        Backend
	Workspace      string // host directory commands run in
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxConcurrent  int
}

// Manager turns command requests into tracked, time-bounded executions.
// Every request passes the same pipeline: input validation, policy
// authorization (which includes the rate gate), a concurrency slot,
// then the backend. Outcomes are data on the Record; only validation,
// authorization, and infrastructure faults surface as errors.
type Manager struct {
	auth           Authorizer
	backend        Backend
	workspace      string
	defaultTimeout time.Duration
	maxTimeout     time.Duration

	sem    chan struct{}
	wg     sync.WaitGroup
	active atomic.Int64

	mu      sync.RWMutex
	records map[string]*Record
	cancels map[string]context.CancelFunc
	closed  bool
}

func NewManager(opts Options) *Manager {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 5 * time.Minute
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 32
	}
	return &Manager{
		auth:           opts.Authorizer,
		backend:        opts.Backend,
		workspace:      opts.Workspace,
		defaultTimeout: opts.DefaultTimeout,
		maxTimeout:     opts.MaxTimeout,
		sem:            make(chan struct{}, opts.MaxConcurrent),
		records:        make(map[string]*Record),
		cancels:        make(map[string]context.CancelFunc),
	}
}

// RunCommand executes a command and returns its terminal Record.
func (m *Manager) RunCommand(ctx context.Context, req CommandRequest) (*Record, error) {
	return m.run(ctx, req, io.Discard, io.Discard)
}

// RunCommandStreaming is RunCommand with output mirrored live to the
// writers. The Record still carries the (capped) captured output.
func (m *Manager) RunCommandStreaming(ctx context.Context, req CommandRequest, stdout, stderr io.Writer) (*Record, error) {
	return m.run(ctx, req, stdout, stderr)
}

func (m *Manager) run(ctx context.Context, req CommandRequest, stdout, stderr io.Writer) (*Record, error) {
	if err := ValidateCommand(req.Command, req.Args); err != nil {
		return nil, err
	}
	if req.Timeout < 0 || req.Timeout > m.maxTimeout {
		return nil, fmt.Errorf("%w: timeout must be between 0 and %s", ErrInvalidCommand, m.maxTimeout)
	}

	decision := m.auth.Evaluate(policy.EvalContext{
		SessionID: req.SessionID,
		IPAddress: req.IPAddress,
		Resource:  req.Command,
		Action:    policy.ActionCommandExecution,
		Timestamp: time.Now().UTC(),
	})
	if !decision.Allowed {
		if decision.RateLimited {
			return nil, fmt.Errorf("%w: session %q", ErrRateLimited, req.SessionID)
		}
		return nil, fmt.Errorf("%w: %q", ErrForbidden, req.Command)
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{Op: "acquire_slot", Err: ctx.Err()}
	}

	m.wg.Add(1)
	defer m.wg.Done()
	m.active.Add(1)
	defer m.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.defaultTimeout
	}

	execID := newExecID()
	logger := log.With().
		Str("exec_id", execID).
		Str("session_id", req.SessionID).
		Str("command", req.Command).
		Logger()
	logger.Info().Str("backend", m.backend.Name()).Dur("timeout", timeout).Msg("execution starting")

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec := &Record{
		ID:        execID,
		Command:   req.Command,
		Args:      append([]string(nil), req.Args...),
		Backend:   m.backend.Name(),
		Status:    StatusRunning,
		ExitCode:  -1,
		StartedAt: time.Now().UTC(),
	}
	rec.appendLog(StreamSystem, "executing: "+commandLine(req.Command, req.Args))

	// The record in the map stays immutable while running; the
	// terminal state is swapped in whole at the end. Readers only ever
	// see complete states.
	m.mu.Lock()
	m.records[execID] = rec
	m.cancels[execID] = cancel
	m.mu.Unlock()

	outBuf := newLimitBuffer(maxStdoutBytes)
	errBuf := newLimitBuffer(maxStderrBytes)

	exitCode, runErr := m.backend.Run(execCtx, RunSpec{
		ID:      execID,
		Command: req.Command,
		Args:    req.Args,
		Dir:     m.workspace,
	}, io.MultiWriter(outBuf, stdout), io.MultiWriter(errBuf, stderr))

	now := time.Now().UTC()
	final := rec.clone()
	final.CompletedAt = &now
	if outBuf.Len() > 0 {
		final.appendLog(StreamStdout, outBuf.String())
	}
	if errBuf.Len() > 0 {
		final.appendLog(StreamStderr, errBuf.String())
	}

	elapsed := now.Sub(rec.StartedAt).Round(time.Millisecond)
	switch {
	case runErr == nil:
		final.ExitCode = exitCode
		if exitCode == 0 {
			final.Status = StatusSucceeded
		} else {
			final.Status = StatusFailed
		}
		final.appendLog(StreamSystem, fmt.Sprintf("completed with exit code %d in %s", exitCode, elapsed))
	case errors.Is(runErr, context.DeadlineExceeded):
		final.Status = StatusTimeout
		final.appendLog(StreamError, fmt.Sprintf("execution timed out after %s", timeout))
	case errors.Is(runErr, context.Canceled):
		final.Status = StatusCanceled
		final.appendLog(StreamError, "execution canceled")
	default:
		// Could not run at all: missing binary, backend fault. Still
		// an outcome, recorded on the Record.
		final.Status = StatusFailed
		final.appendLog(StreamError, runErr.Error())
	}

	m.mu.Lock()
	// A concurrent cancellation may have removed the record; do not
	// resurrect it.
	if _, ok := m.records[execID]; ok {
		m.records[execID] = final
	}
	delete(m.cancels, execID)
	m.mu.Unlock()

	logger.Info().
		Str("status", string(final.Status)).
		Int("exit_code", final.ExitCode).
		Dur("duration", now.Sub(rec.StartedAt)).
		Msg("execution finished")

	return final.clone(), nil
}

// GetExecution returns a snapshot of one execution record.
func (m *Manager) GetExecution(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.clone(), nil
}

// Executions returns snapshots of all known records, oldest first.
func (m *Manager) Executions() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CancelExecution kills the execution if it is still running and
// removes its record.
func (m *Manager) CancelExecution(id string) error {
	m.mu.Lock()
	cancel, running := m.cancels[id]
	if _, ok := m.records[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.records, id)
	delete(m.cancels, id)
	m.mu.Unlock()

	if running {
		log.Info().Str("exec_id", id).Msg("canceling running execution")
		cancel()
	} else {
		log.Debug().Str("exec_id", id).Msg("removed completed execution")
	}
	return nil
}

// ActiveCount returns the number of currently running executions.
func (m *Manager) ActiveCount() int64 {
	return m.active.Load()
}

// BackendName reports which backend the manager dispatches to.
func (m *Manager) BackendName() string {
	return m.backend.Name()
}

// Close cancels running executions, waits for them to drain, and shuts
// the backend down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, cancel := range m.cancels {
		log.Warn().Str("exec_id", id).Msg("canceling execution on shutdown")
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", m.active.Load()).Msg("timed out waiting for executions to drain")
	}

	return m.backend.Close()
}

func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// limitBuffer keeps at most max bytes and notes truncation, so one
// chatty command cannot balloon its record. Safe for concurrent writes;
// container backends write from their own goroutines.
type limitBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitBuffer(max int) *limitBuffer {
	return &limitBuffer{max: max}
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) <= room {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:room])
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *limitBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n... [output truncated]"
	}
	return b.buf.String()
}
