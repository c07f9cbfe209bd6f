package queue

import (
	"strings"
	"time"

	"conveyor/internal/services"
)

// Status represents the lifecycle of a work record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusReview     Status = "review"
)

// DaemonStopReason is the progress note set when processing records are
// released during daemon shutdown.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusSkipped,
	StatusReview,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// ParseStatus normalizes a user-supplied status string.
func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	_, ok := statusSet[status]
	return status, ok
}

// Terminal reports whether the record can no longer be picked up without an
// operator action.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusReview:
		return true
	default:
		return false
	}
}

// FailureDetails is the structured payload written to a record when its run
// fails. It names the phase that caused the terminal failure.
type FailureDetails struct {
	Class    services.Class `json:"class"`
	Phase    string         `json:"phase,omitempty"`
	Message  string         `json:"message"`
	Attempts int            `json:"attempts,omitempty"`
}

// Record is one unit of work. Fields are opaque to the orchestrator; the
// core never derives business meaning from field names.
type Record struct {
	ID              int64
	Status          Status
	Fields          map[string]any
	RunID           string
	ProgressPhase   string
	ProgressMessage string
	ErrorMessage    string
	Failure         *FailureDetails
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastHeartbeat   *time.Time
}
