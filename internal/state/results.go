package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"conveyor/internal/phase"
	"conveyor/internal/services"
)

// Persist writes one phase result atomically. A reader never observes a
// partially written result: the upsert is a single statement.
func (s *Store) Persist(ctx context.Context, runID string, result phase.Result) error {
	if result.PhaseID == "" {
		return fmt.Errorf("persist: phase id required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := s.execWithRetry(ctx,
		`INSERT INTO phase_results (
            run_id, phase_id, status, output_json, error_class, error_message,
            attempts, started_at, finished_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (run_id, phase_id) DO UPDATE SET
            status = excluded.status,
            output_json = excluded.output_json,
            error_class = excluded.error_class,
            error_message = excluded.error_message,
            attempts = excluded.attempts,
            started_at = excluded.started_at,
            finished_at = excluded.finished_at,
            updated_at = excluded.updated_at`,
		runID,
		result.PhaseID,
		string(result.Status),
		nullableBytes(result.Output),
		nullableString(string(result.ErrorClass)),
		nullableString(result.ErrorMessage),
		result.Attempts,
		nullableTime(result.StartedAt),
		nullableTime(result.FinishedAt),
		now)
	if err != nil {
		return fmt.Errorf("persist phase result: %w", err)
	}
	return nil
}

// LoadResults returns every recorded phase result for a run. Phases with no
// row are implicitly pending.
func (s *Store) LoadResults(ctx context.Context, runID string) (phase.State, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT phase_id, status, output_json, error_class, error_message,
                attempts, started_at, finished_at
         FROM phase_results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query phase results: %w", err)
	}
	defer rows.Close()

	results := make(phase.State)
	for rows.Next() {
		var (
			result       phase.Result
			status       string
			output       sql.NullString
			errorClass   sql.NullString
			errorMessage sql.NullString
			startedAt    sql.NullString
			finishedAt   sql.NullString
		)
		if err := rows.Scan(&result.PhaseID, &status, &output, &errorClass,
			&errorMessage, &result.Attempts, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan phase result: %w", err)
		}
		parsed, ok := phase.ParseStatus(status)
		if !ok {
			return nil, fmt.Errorf("unknown phase status %q for %s", status, result.PhaseID)
		}
		result.Status = parsed
		if output.Valid {
			result.Output = []byte(output.String)
		}
		if errorClass.Valid {
			result.ErrorClass = services.Class(errorClass.String)
		}
		if errorMessage.Valid {
			result.ErrorMessage = errorMessage.String
		}
		if result.StartedAt, err = parseNullableTime(startedAt); err != nil {
			return nil, err
		}
		if result.FinishedAt, err = parseNullableTime(finishedAt); err != nil {
			return nil, err
		}
		results[result.PhaseID] = result
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phase results: %w", err)
	}
	return results, nil
}

// Recovery describes what Recover did to interrupted phases.
type Recovery struct {
	Reset  []string
	Failed []string
}

// Recover resolves phases left running by a crashed orchestrator. The call
// outcome is unknown, so idempotent phases are reset to pending for re-run
// and non-idempotent phases are failed with an ambiguous side effect error
// that requires manual resolution.
func (s *Store) Recover(ctx context.Context, runID string, graph *phase.Graph) (Recovery, error) {
	var recovery Recovery
	results, err := s.LoadResults(ctx, runID)
	if err != nil {
		return recovery, err
	}
	for id, result := range results {
		if result.Status != phase.StatusRunning {
			continue
		}
		def, known := graph.Definition(id)
		if !known {
			return recovery, fmt.Errorf("recover: phase %s not in graph", id)
		}
		if def.Idempotent {
			result.Status = phase.StatusPending
			result.ErrorClass = ""
			result.ErrorMessage = ""
			result.StartedAt = nil
			result.FinishedAt = nil
			recovery.Reset = append(recovery.Reset, id)
		} else {
			result.Status = phase.StatusFailed
			result.ErrorClass = services.ClassAmbiguous
			result.ErrorMessage = "interrupted mid-execution; side effects unknown"
			recovery.Failed = append(recovery.Failed, id)
		}
		if err := s.Persist(ctx, runID, result); err != nil {
			return recovery, err
		}
	}
	return recovery, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &t, nil
}
