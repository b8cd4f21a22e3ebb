package executor

import (
	"errors"
	"fmt"
)

// ErrWorkerActive is returned when a second worker invocation is attempted
// for a lane whose previous invocation has not finished.
var ErrWorkerActive = errors.New("worker already active for lane")

// ExecutionError reports an unrecovered worker or tool failure after the
// configured retries are exhausted. It counts toward the lane's
// failure_count.
type ExecutionError struct {
	Op  string // "model_call" or "tool_call"
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError wraps an operation failure.
func NewExecutionError(op string, err error) *ExecutionError {
	return &ExecutionError{Op: op, Err: err}
}
