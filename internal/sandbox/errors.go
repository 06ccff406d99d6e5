package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidCommand = errors.New("invalid command or arguments")
	ErrForbidden      = errors.New("command not allowed by policy")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrNotFound       = errors.New("execution not found")
	ErrTimeout        = errors.New("execution timed out")
	ErrBackendDown    = errors.New("sandbox backend unavailable")
	ErrClosed         = errors.New("sandbox manager is shut down")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsInvalid returns true if the error is an input validation failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidCommand)
}

// IsForbidden returns true if the error is a policy denial.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsRateLimited returns true if the error is a rate limit denial.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsNotFound returns true if the error refers to an unknown execution.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
