package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MarkCompleted moves a record to completed and clears transient columns.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.execWithoutResultRetry(
		ctx,
		`UPDATE work_records SET status = ?, progress_phase = NULL,
            progress_message = NULL, error_message = NULL, failure_json = NULL,
            last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		StatusCompleted, now, id,
	)
}

// MarkFailed records a terminal failure with its structured payload. The
// status distinguishes failures needing operator review (ambiguous or
// validation failures) from plainly failed records.
func (s *Store) MarkFailed(ctx context.Context, id int64, status Status, failure FailureDetails) error {
	if status != StatusFailed && status != StatusReview {
		return fmt.Errorf("mark failed: status %s not a failure status", status)
	}
	encoded, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.execWithoutResultRetry(
		ctx,
		`UPDATE work_records SET status = ?, error_message = ?, failure_json = ?,
            last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		status, failure.Message, string(encoded), now, id,
	)
}

// SetProgress updates the in-flight progress columns.
func (s *Store) SetProgress(ctx context.Context, id int64, phase, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.execWithoutResultRetry(
		ctx,
		`UPDATE work_records SET progress_phase = ?, progress_message = ?, updated_at = ?
         WHERE id = ?`,
		nullableString(phase), nullableString(message), now, id,
	)
}

// UpdateHeartbeat refreshes the liveness timestamp for an in-flight record.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE work_records SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStaleProcessing returns processing records with expired heartbeats
// to pending so a restarted daemon picks them up.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE work_records SET status = ?,
            progress_phase = 'Reclaimed from stale processing', progress_message = NULL,
            last_heartbeat = NULL, updated_at = ?
         WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusPending, now, StatusProcessing,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale records: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseProcessing moves every processing record back to pending. Called on
// daemon shutdown so work resumes cleanly on the next start.
func (s *Store) ReleaseProcessing(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE work_records SET status = ?, progress_message = ?,
            last_heartbeat = NULL, updated_at = ?
         WHERE status = ?`,
		StatusPending, DaemonStopReason, now, StatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("release processing records: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves failed and review records back to pending. With no ids
// every retriable record is reset; otherwise only the named ones.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if len(ids) == 0 {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE work_records SET status = ?, progress_phase = 'Retry requested',
                progress_message = NULL, error_message = NULL, failure_json = NULL, updated_at = ?
             WHERE status IN (?, ?)`,
			StatusPending, now, StatusFailed, StatusReview,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed records: %w", err)
		}
		return res.RowsAffected()
	}

	args := make([]any, 0, len(ids)+4)
	args = append(args, StatusPending, now)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, StatusFailed, StatusReview)
	query := `UPDATE work_records SET status = ?, progress_phase = 'Retry requested',
        progress_message = NULL, error_message = NULL, failure_json = NULL, updated_at = ?
        WHERE id IN (` + makePlaceholders(len(ids)) + `) AND status IN (?, ?)`
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected records: %w", err)
	}
	return res.RowsAffected()
}
