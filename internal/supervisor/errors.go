package supervisor

import (
	"errors"
	"fmt"
)

// ErrCancellationRequested is returned by Orchestrate when the run was
// stopped by the caller. Partial progress is preserved in the store and the
// returned summary reflects it.
var ErrCancellationRequested = errors.New("cancellation requested")

// DecompositionError reports a planning failure. No manifest or lanes are
// created when decomposition fails.
type DecompositionError struct {
	Reason string
	Err    error
}

func (e *DecompositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decomposition failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decomposition failed: %s", e.Reason)
}

func (e *DecompositionError) Unwrap() error { return e.Err }

// CircuitBreakerError records a lane that exhausted its attempt budget.
type CircuitBreakerError struct {
	LaneID   string
	Attempts int
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("lane %s: circuit breaker tripped after %d failed attempts", e.LaneID, e.Attempts)
}
