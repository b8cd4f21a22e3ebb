package lane

import "fmt"

// allowedEdges is the complete transition table for the lane state machine.
var allowedEdges = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusVerifying},
	StatusVerifying: {StatusMerging, StatusRework, StatusFailed},
	StatusRework:    {StatusPending, StatusFailed},
	StatusMerging:   {StatusMerged, StatusRework, StatusFailed},
	StatusMerged:    nil,
	StatusFailed:    nil,
}

// IsTerminal reports whether the status is terminal.
func IsTerminal(s Status) bool {
	return s == StatusMerged || s == StatusFailed
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error for an illegal edge.
func ValidateTransition(from, to Status) error {
	if _, ok := allowedEdges[from]; !ok {
		return fmt.Errorf("unknown status: %s", from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition: %s -> %s", from, to)
	}
	return nil
}

// ReplayStatus reconstructs a lane's current status from its audit trail.
// An empty trail means the lane has never left its initial state.
func ReplayStatus(trail []AuditEntry) Status {
	status := StatusPending
	for _, e := range trail {
		status = e.ToState
	}
	return status
}
