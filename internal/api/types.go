package api

import (
	"time"

	"agent-gatekeeper/internal/monitor"
	"agent-gatekeeper/internal/sandbox"
	"agent-gatekeeper/internal/workspace"
)

// CommandRequest is the API-level request to run a command. The caller
// identity comes from the X-Session-ID header and the connection
// address, never from the body.
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecutionResponse is the API-level view of one execution record.
type ExecutionResponse struct {
	ID          string              `json:"id"`
	Command     string              `json:"command"`
	Args        []string            `json:"args,omitempty"`
	Backend     string              `json:"backend"`
	Status      string              `json:"status"`
	ExitCode    int                 `json:"exit_code"`
	Duration    string              `json:"duration"`
	Log         []sandbox.LogEntry  `json:"log,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Detections  []monitor.Detection `json:"detections,omitempty"`
}

// ExecutionListResponse lists tracked executions.
type ExecutionListResponse struct {
	Executions []ExecutionResponse `json:"executions"`
	Count      int                 `json:"count"`
}

// CancelResponse confirms a cancellation.
type CancelResponse struct {
	ID       string `json:"id"`
	Canceled bool   `json:"canceled"`
}

// RateLimitStatusResponse reports an identity's current window.
type RateLimitStatusResponse struct {
	SessionID string    `json:"session_id"`
	IPAddress string    `json:"ip_address"`
	Limit     int       `json:"limit"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RateLimitResetResponse confirms a budget reset.
type RateLimitResetResponse struct {
	SessionID string `json:"session_id"`
	IPAddress string `json:"ip_address"`
	Reset     bool   `json:"reset"`
}

// FileWriteRequest stores content at a workspace-relative path.
type FileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileWriteResponse confirms a workspace write.
type FileWriteResponse struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// FileListResponse lists one workspace directory.
type FileListResponse struct {
	Path  string               `json:"path"`
	Files []workspace.FileInfo `json:"files"`
}

// ToolRunRequest runs a registered tool against an optional target.
type ToolRunRequest struct {
	Target string `json:"target,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
