package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const recordColumns = `id, status, fields_json, run_id, progress_phase,
    progress_message, error_message, failure_json, created_at, updated_at, last_heartbeat`

// NewRecord enqueues a pending work record with the given input fields.
func (s *Store) NewRecord(ctx context.Context, fields map[string]any) (*Record, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return nil, err
	}
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO work_records (status, fields_json, created_at, updated_at)
         VALUES (?, ?, ?, ?)`,
		StatusPending,
		fieldsJSON,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a record by its identifier, returning nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+recordColumns+` FROM work_records WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// Update writes the record's mutable columns back to the store.
func (s *Store) Update(ctx context.Context, record *Record) error {
	if record == nil || record.ID == 0 {
		return errors.New("update record: record with id required")
	}
	record.UpdatedAt = time.Now().UTC()

	fieldsJSON, err := marshalFields(record.Fields)
	if err != nil {
		return err
	}
	failureJSON, err := marshalFailure(record.Failure)
	if err != nil {
		return err
	}
	return s.execWithoutResultRetry(
		ctx,
		`UPDATE work_records SET
            status = ?, fields_json = ?, run_id = ?, progress_phase = ?,
            progress_message = ?, error_message = ?, failure_json = ?, updated_at = ?
         WHERE id = ?`,
		record.Status,
		fieldsJSON,
		nullableString(record.RunID),
		nullableString(record.ProgressPhase),
		nullableString(record.ProgressMessage),
		nullableString(record.ErrorMessage),
		failureJSON,
		record.UpdatedAt.Format(time.RFC3339Nano),
		record.ID,
	)
}

// ClaimPending atomically claims the oldest pending record for processing.
// It returns nil when the queue has no pending work.
func (s *Store) ClaimPending(ctx context.Context) (*Record, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var id int64
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`UPDATE work_records SET status = ?, last_heartbeat = ?, updated_at = ?
             WHERE id = (
                 SELECT id FROM work_records WHERE status = ? ORDER BY id LIMIT 1
             ) AND status = ?
             RETURNING id`,
			StatusProcessing, now, now, StatusPending, StatusPending,
		).Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending record: %w", err)
	}
	return s.GetByID(ctx, id)
}

// RecordsByStatus lists records holding any of the given statuses, oldest
// first. No statuses means every record.
func (s *Store) RecordsByStatus(ctx context.Context, statuses ...Status) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM work_records`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Remove deletes one record outright.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM work_records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove record: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func marshalFields(fields map[string]any) (any, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return string(encoded), nil
}

func marshalFailure(failure *FailureDetails) (any, error) {
	if failure == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(failure)
	if err != nil {
		return nil, fmt.Errorf("marshal failure: %w", err)
	}
	return string(encoded), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record          Record
		status          string
		fieldsJSON      sql.NullString
		runID           sql.NullString
		progressPhase   sql.NullString
		progressMessage sql.NullString
		errorMessage    sql.NullString
		failureJSON     sql.NullString
		createdAt       string
		updatedAt       string
		lastHeartbeat   sql.NullString
	)
	if err := row.Scan(&record.ID, &status, &fieldsJSON, &runID, &progressPhase,
		&progressMessage, &errorMessage, &failureJSON, &createdAt, &updatedAt, &lastHeartbeat); err != nil {
		return nil, err
	}
	record.Status = Status(status)
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &record.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	record.RunID = runID.String
	record.ProgressPhase = progressPhase.String
	record.ProgressMessage = progressMessage.String
	record.ErrorMessage = errorMessage.String
	if failureJSON.Valid && failureJSON.String != "" {
		var failure FailureDetails
		if err := json.Unmarshal([]byte(failureJSON.String), &failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
		record.Failure = &failure
	}
	var err error
	if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if lastHeartbeat.Valid && lastHeartbeat.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastHeartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_heartbeat: %w", err)
		}
		record.LastHeartbeat = &t
	}
	return &record, nil
}
