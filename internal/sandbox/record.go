package sandbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandRequest is one command the caller wants executed on behalf of
// an identity. Timeout zero means the configured default.
type CommandRequest struct {
	SessionID string        `json:"session_id"`
	IPAddress string        `json:"ip_address"`
	Command   string        `json:"command"`
	Args      []string      `json:"args,omitempty"`
	Timeout   time.Duration `json:"timeout"`
}

// ExecStatus is the lifecycle state of one execution.
type ExecStatus string

const (
	StatusRunning   ExecStatus = "running"
	StatusSucceeded ExecStatus = "succeeded"
	StatusFailed    ExecStatus = "failed"
	StatusTimeout   ExecStatus = "timeout"
	StatusCanceled  ExecStatus = "canceled"
)

// Log streams.
const (
	StreamSystem = "system"
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamError  = "error"
)

type LogEntry struct {
	Time    time.Time `json:"time"`
	Stream  string    `json:"stream"`
	Message string    `json:"message"`
}

// Record tracks one execution from start to terminal state. A failed
// command (non-zero exit, timeout) is still a completed Record, not an
// error: the outcome lives in Status and ExitCode. Records persist for
// the process lifetime until explicitly canceled; the audit store keeps
// the durable copy.
type Record struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Args        []string   `json:"args,omitempty"`
	Backend     string     `json:"backend"`
	Status      ExecStatus `json:"status"`
	ExitCode    int        `json:"exit_code"`
	Log         []LogEntry `json:"log"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration reports elapsed execution time, up to now for running
// executions.
func (r *Record) Duration() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

func (r *Record) appendLog(stream, message string) {
	r.Log = append(r.Log, LogEntry{Time: time.Now().UTC(), Stream: stream, Message: message})
}

// clone returns an independent snapshot safe to hand to callers.
func (r *Record) clone() *Record {
	out := *r
	out.Args = append([]string(nil), r.Args...)
	out.Log = append([]LogEntry(nil), r.Log...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// newExecID builds execution identifiers like exec_1756100000000_1a2b3c4d.
// The timestamp prefix keeps IDs roughly sortable in logs and the audit
// table; the random suffix keeps them unique within a millisecond.
func newExecID() string {
	return fmt.Sprintf("exec_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
