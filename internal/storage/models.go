package storage

import "time"

// Decision is a stored policy decision.
type Decision struct {
	ID          string    `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	Action      string    `json:"action" db:"action"`
	Resource    string    `json:"resource" db:"resource"`
	Allowed     bool      `json:"allowed" db:"allowed"`
	RuleID      string    `json:"rule_id" db:"rule_id"`
	Reason      string    `json:"reason" db:"reason"`
	RateLimited bool      `json:"rate_limited" db:"rate_limited"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Execution is a stored execution outcome.
type Execution struct {
	ID          string     `json:"id" db:"id"`
	SessionID   string     `json:"session_id" db:"session_id"`
	IPAddress   string     `json:"ip_address" db:"ip_address"`
	CommandLine string     `json:"command_line" db:"command_line"`
	Backend     string     `json:"backend" db:"backend"`
	Status      string     `json:"status" db:"status"` // succeeded, failed, timeout, canceled
	ExitCode    int        `json:"exit_code" db:"exit_code"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	StdoutBytes int        `json:"stdout_bytes" db:"stdout_bytes"`
	StderrBytes int        `json:"stderr_bytes" db:"stderr_bytes"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionFilter provides criteria for querying stored executions.
type ExecutionFilter struct {
	SessionID string
	Status    string
	Limit     int
	Offset    int
}

// DecisionFilter provides criteria for querying stored decisions.
type DecisionFilter struct {
	SessionID string
	Action    string
	Limit     int
	Offset    int
}
