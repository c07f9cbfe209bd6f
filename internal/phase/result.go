package phase

import (
	"encoding/json"
	"time"

	"conveyor/internal/services"
)

// Status represents the lifecycle of one phase within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusSkipped:
		return Status(value), true
	default:
		return "", false
	}
}

// Terminal reports whether the status cannot change again within the run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Result records one phase's outcome within a workflow run.
type Result struct {
	PhaseID      string
	Status       Status
	Output       json.RawMessage
	ErrorClass   services.Class
	ErrorMessage string
	Attempts     int
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// State maps phase identifiers to their current results. Phases absent from
// the map are implicitly pending.
type State map[string]Result

// StatusOf returns the recorded status for a phase, defaulting to pending.
func (s State) StatusOf(id string) Status {
	if result, ok := s[id]; ok && result.Status != "" {
		return result.Status
	}
	return StatusPending
}

// Clone returns a shallow copy safe for concurrent planning while a batch is
// in flight.
func (s State) Clone() State {
	cp := make(State, len(s))
	for id, result := range s {
		cp[id] = result
	}
	return cp
}
