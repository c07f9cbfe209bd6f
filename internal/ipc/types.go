package ipc

import (
	"time"

	"conveyor/internal/queue"
)

// RecordSummary is the wire representation of a work record.
type RecordSummary struct {
	ID              int64          `json:"id"`
	Status          string         `json:"status"`
	Fields          map[string]any `json:"fields,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	ProgressPhase   string         `json:"progress_phase,omitempty"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	FailureClass    string         `json:"failure_class,omitempty"`
	FailurePhase    string         `json:"failure_phase,omitempty"`
	FailureAttempts int            `json:"failure_attempts,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// FromRecord converts a queue record into its wire representation.
func FromRecord(record *queue.Record) RecordSummary {
	if record == nil {
		return RecordSummary{}
	}
	summary := RecordSummary{
		ID:              record.ID,
		Status:          string(record.Status),
		Fields:          record.Fields,
		RunID:           record.RunID,
		ProgressPhase:   record.ProgressPhase,
		ProgressMessage: record.ProgressMessage,
		ErrorMessage:    record.ErrorMessage,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
	if record.Failure != nil {
		summary.FailureClass = string(record.Failure.Class)
		summary.FailurePhase = record.Failure.Phase
		summary.FailureAttempts = record.Failure.Attempts
	}
	return summary
}

// BreakerSummary describes one circuit breaker's state.
type BreakerSummary struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon and resilience status.
type StatusResponse struct {
	Running       bool             `json:"running"`
	PID           int              `json:"pid"`
	QueueStats    map[string]int   `json:"queue_stats"`
	LastError     string           `json:"last_error"`
	QueueDBPath   string           `json:"queue_db_path"`
	StateDBPath   string           `json:"state_db_path"`
	LockPath      string           `json:"lock_path"`
	CacheDegraded bool             `json:"cache_degraded"`
	EventsDropped int64            `json:"events_dropped"`
	Breakers      []BreakerSummary `json:"breakers"`
}

// StopRequest asks the daemon process to shut down.
type StopRequest struct{}

// StopResponse acknowledges a shutdown request.
type StopResponse struct {
	Stopping bool `json:"stopping"`
}

// QueueAddRequest enqueues a new work record.
type QueueAddRequest struct {
	Fields map[string]any `json:"fields"`
}

// QueueAddResponse returns the created record.
type QueueAddResponse struct {
	Record RecordSummary `json:"record"`
}

// QueueListRequest filters queue listing by status.
type QueueListRequest struct {
	Statuses []string `json:"statuses"`
}

// QueueListResponse contains queue records.
type QueueListResponse struct {
	Records []RecordSummary `json:"records"`
}

// QueueDescribeRequest fetches a single record and its run progress.
type QueueDescribeRequest struct {
	ID int64 `json:"id"`
}

// QueueDescribeResponse contains a single record plus per-phase statuses.
type QueueDescribeResponse struct {
	Record RecordSummary     `json:"record"`
	RunID  string            `json:"run_id,omitempty"`
	Phases map[string]string `json:"phases,omitempty"`
}

// QueueClearRequest removes records. Scope selects which.
type QueueClearRequest struct {
	Scope string `json:"scope"` // "all", "completed", or "failed"
}

// QueueClearResponse reports the number of removed records.
type QueueClearResponse struct {
	Removed int64 `json:"removed"`
}

// QueueRetryRequest retries failed records. Empty list means all.
type QueueRetryRequest struct {
	IDs []int64 `json:"ids"`
}

// QueueRetryResponse reports the number of retried records.
type QueueRetryResponse struct {
	Updated int64 `json:"updated"`
}

// QueueRemoveRequest removes specific records by id.
type QueueRemoveRequest struct {
	IDs []int64 `json:"ids"`
}

// QueueRemoveResponse reports the number of removed records.
type QueueRemoveResponse struct {
	Removed int64 `json:"removed"`
}

// QueueHealthRequest fetches aggregate diagnostics.
type QueueHealthRequest struct{}

// QueueHealthResponse reports queue health counts.
type QueueHealthResponse struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Review     int `json:"review"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports the notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
