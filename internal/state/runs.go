package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/services"
)

// RunStatus is the lifecycle of one workflow run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one execution attempt over a work record.
type Run struct {
	ID         string
	RecordID   int64
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
}

// CreateRun registers a new active run for a work record.
func (s *Store) CreateRun(ctx context.Context, recordID int64) (*Run, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Status:    RunActive,
		StartedAt: now,
	}
	err := s.execWithRetry(ctx,
		`INSERT INTO workflow_runs (id, record_id, status, started_at, updated_at)
         VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.RecordID, string(run.Status),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, record_id, status, started_at, finished_at
         FROM workflow_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "state", "get_run",
			fmt.Sprintf("run %s not found", runID), nil)
	}
	return run, err
}

// ActiveRunForRecord returns the record's active run, or nil when the record
// has none.
func (s *Store) ActiveRunForRecord(ctx context.Context, recordID int64) (*Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, record_id, status, started_at, finished_at
         FROM workflow_runs WHERE record_id = ? AND status = ?
         ORDER BY started_at DESC LIMIT 1`, recordID, string(RunActive))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// FinishRun moves a run to a terminal status and stamps its finish time.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.execWithRetry(ctx,
		`UPDATE workflow_runs SET status = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		string(status), now, now, runID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		status     string
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&run.ID, &run.RecordID, &status, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	parsed, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	run.StartedAt = parsed
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	return &run, nil
}
