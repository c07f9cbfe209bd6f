package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/logging"
	"conveyor/internal/phase"
	"conveyor/internal/provider"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/state"
)

// runRecord drives one record through the phase graph to a terminal state.
func (m *Manager) runRecord(ctx context.Context, logger *slog.Logger, record *queue.Record) error {
	started := time.Now()

	run, err := m.runs.ActiveRunForRecord(ctx, record.ID)
	if err != nil {
		return m.abortRecord(ctx, logger, record, fmt.Errorf("load active run: %w", err))
	}
	if run == nil {
		run, err = m.runs.CreateRun(ctx, record.ID)
		if err != nil {
			return m.abortRecord(ctx, logger, record, fmt.Errorf("create run: %w", err))
		}
	} else {
		recovery, err := m.runs.Recover(ctx, run.ID, m.graph)
		if err != nil {
			return m.abortRecord(ctx, logger, record, fmt.Errorf("recover run: %w", err))
		}
		if len(recovery.Reset) > 0 || len(recovery.Failed) > 0 {
			logger.Info("resumed interrupted run",
				logging.String(logging.FieldRunID, run.ID),
				logging.String(logging.FieldEventType, "run_resumed"),
				logging.Any("reset_phases", recovery.Reset),
				logging.Any("failed_phases", recovery.Failed))
		}
	}

	logger = logger.With(logging.String(logging.FieldRunID, run.ID))
	record.RunID = run.ID
	record.Status = queue.StatusProcessing
	if err := m.store.Update(ctx, record); err != nil {
		return m.abortRecord(ctx, logger, record, fmt.Errorf("stamp run id: %w", err))
	}

	m.events.Publish(bus.Event{Type: bus.EventRecordClaimed, RecordID: record.ID, RunID: run.ID})

	results, err := m.runs.LoadResults(ctx, run.ID)
	if err != nil {
		return m.abortRecord(ctx, logger, record, fmt.Errorf("load results: %w", err))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.graph.Terminal(results) {
			break
		}

		runnable := m.graph.NextRunnable(results)
		if len(runnable) == 0 {
			blocked := m.graph.Blocked(results)
			if len(blocked) == 0 {
				return m.abortRecord(ctx, logger, record,
					errors.New("no runnable or blocked phases in non-terminal run"))
			}
			for _, id := range blocked {
				result := results[id]
				result.PhaseID = id
				result.Status = phase.StatusSkipped
				result.ErrorMessage = "dependency failed"
				if err := m.runs.Persist(ctx, run.ID, result); err != nil {
					return m.abortRecord(ctx, logger, record, fmt.Errorf("persist skip: %w", err))
				}
				results[id] = result
				m.events.Publish(bus.Event{Type: bus.EventPhaseSkipped, RecordID: record.ID, RunID: run.ID, PhaseID: id})
			}
			continue
		}

		if err := m.dispatchBatch(ctx, logger, record, run, runnable, results); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return m.abortRecord(ctx, logger, record, err)
		}
	}

	return m.finishRecord(ctx, logger, record, run, results, started)
}

// dispatchBatch runs one runnable set concurrently and persists all results
// at the batch boundary. Fatal failures do not cancel in-flight siblings;
// they stop further dispatch once the batch has been persisted.
func (m *Manager) dispatchBatch(ctx context.Context, logger *slog.Logger, record *queue.Record, run *state.Run, defs []phase.Definition, results phase.State) error {
	now := time.Now().UTC()
	inputs := make([]provider.Input, len(defs))
	for i, def := range defs {
		result := results[def.ID]
		result.PhaseID = def.ID
		result.Status = phase.StatusRunning
		result.StartedAt = &now
		result.ErrorClass = ""
		result.ErrorMessage = ""
		if err := m.runs.Persist(ctx, run.ID, result); err != nil {
			return fmt.Errorf("persist running marker: %w", err)
		}
		results[def.ID] = result
		inputs[i] = m.buildInput(record, run, def, results)
		m.events.Publish(bus.Event{Type: bus.EventPhaseStarted, RecordID: record.ID, RunID: run.ID, PhaseID: def.ID})
		logger.Info("phase dispatched",
			logging.String(logging.FieldPhase, def.ID),
			logging.String(logging.FieldEventType, "phase_dispatched"))
	}

	sem := make(chan struct{}, m.concurrency)
	outcomes := make([]phase.Result, len(defs))
	var wg sync.WaitGroup
	for i, def := range defs {
		wg.Add(1)
		go func(i int, def phase.Definition, input provider.Input) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = m.executor.Run(ctx, def, input)
		}(i, def, inputs[i])
	}
	wg.Wait()

	for i, def := range defs {
		result := outcomes[i]
		result.Attempts += results[def.ID].Attempts

		eventType := bus.EventPhaseSucceeded
		if result.Status == phase.StatusFailed {
			if def.Optional {
				// Optional work must not block the rest of the graph.
				result.Status = phase.StatusSkipped
				eventType = bus.EventPhaseSkipped
			} else {
				eventType = bus.EventPhaseFailed
			}
		}
		if err := m.runs.Persist(ctx, run.ID, result); err != nil {
			return fmt.Errorf("persist phase result: %w", err)
		}
		results[def.ID] = result
		m.events.Publish(bus.Event{Type: eventType, RecordID: record.ID, RunID: run.ID, PhaseID: def.ID})
		if err := m.store.SetProgress(ctx, record.ID, def.Label(), string(result.Status)); err != nil {
			logger.Debug("progress update failed", logging.Error(err))
		}
	}
	return nil
}

// buildInput assembles the provider call input: the record's opaque fields
// plus the outputs of the phase's direct dependencies.
func (m *Manager) buildInput(record *queue.Record, run *state.Run, def phase.Definition, results phase.State) provider.Input {
	input := provider.Input{
		RecordID: record.ID,
		RunID:    run.ID,
		PhaseID:  def.ID,
		Fields:   record.Fields,
	}
	if len(def.Dependencies) > 0 {
		input.Upstream = make(map[string]json.RawMessage, len(def.Dependencies))
		for _, dep := range def.Dependencies {
			if result, ok := results[dep]; ok && len(result.Output) > 0 {
				input.Upstream[dep] = result.Output
			}
		}
	}
	if def.IdempotencyKeys {
		// Stable across retries and resumed runs for the same record.
		input.IdempotencyKey = fmt.Sprintf("rec%d-%s", record.ID, def.ID)
	}
	return input
}

// finishRecord writes the terminal outcome to the work record and run.
func (m *Manager) finishRecord(ctx context.Context, logger *slog.Logger, record *queue.Record, run *state.Run, results phase.State, started time.Time) error {
	if failedID, failure, ok := m.terminalFailure(results); ok {
		status := queue.StatusFailed
		if failure.Class == services.ClassAmbiguous || failure.Class == services.ClassValidation {
			status = queue.StatusReview
		}
		record.Status = status
		if err := m.store.MarkFailed(ctx, record.ID, status, failure); err != nil {
			logger.Error("mark record failed", logging.Error(err))
		}
		if err := m.runs.FinishRun(ctx, run.ID, state.RunFailed); err != nil {
			logger.Error("finish run", logging.Error(err))
		}
		m.events.Publish(bus.Event{Type: bus.EventRunFailed, RecordID: record.ID, RunID: run.ID, PhaseID: failedID, Payload: map[string]any{
			bus.PayloadFailure: failure,
			bus.PayloadReview:  status == queue.StatusReview,
		}})
		logger.Error("run failed",
			logging.String(logging.FieldEventType, "run_failed"),
			logging.String(logging.FieldPhase, failedID),
			logging.String("error_class", string(failure.Class)),
			logging.Duration("elapsed", time.Since(started)))
		return nil
	}

	record.Status = queue.StatusCompleted
	if err := m.store.MarkCompleted(ctx, record.ID); err != nil {
		logger.Error("mark record completed", logging.Error(err))
	}
	if err := m.runs.FinishRun(ctx, run.ID, state.RunCompleted); err != nil {
		logger.Error("finish run", logging.Error(err))
	}
	m.events.Publish(bus.Event{Type: bus.EventRunCompleted, RecordID: record.ID, RunID: run.ID, Payload: map[string]any{
		bus.PayloadDuration: time.Since(started),
	}})
	logger.Info("run completed",
		logging.String(logging.FieldEventType, "run_completed"),
		logging.Duration("elapsed", time.Since(started)))
	return nil
}

// terminalFailure picks the phase whose failure decides the record's fate:
// the fatal failure when one exists, otherwise the first failed phase in
// dependency order.
func (m *Manager) terminalFailure(results phase.State) (string, queue.FailureDetails, bool) {
	failedID := ""
	if id, ok := m.graph.FatalFailure(results); ok {
		failedID = id
	} else {
		for _, def := range m.graph.Definitions() {
			if results.StatusOf(def.ID) == phase.StatusFailed {
				failedID = def.ID
				break
			}
		}
	}
	if failedID == "" {
		return "", queue.FailureDetails{}, false
	}
	result := results[failedID]
	return failedID, queue.FailureDetails{
		Class:    result.ErrorClass,
		Phase:    failedID,
		Message:  result.ErrorMessage,
		Attempts: result.Attempts,
	}, true
}

// abortRecord handles infrastructure failures around a run: the record is
// parked as failed so an operator can retry it once the underlying issue
// is fixed.
func (m *Manager) abortRecord(ctx context.Context, logger *slog.Logger, record *queue.Record, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.setLastError(cause)
	logger.Error("record processing aborted",
		logging.Error(cause),
		logging.String(logging.FieldEventType, "record_aborted"),
		logging.String(logging.FieldErrorHint, "check state database access"))
	failure := queue.FailureDetails{
		Class:   services.Classify(cause),
		Message: cause.Error(),
	}
	record.Status = queue.StatusFailed
	if err := m.store.MarkFailed(ctx, record.ID, queue.StatusFailed, failure); err != nil {
		logger.Error("mark aborted record failed", logging.Error(err))
	}
	m.events.Publish(bus.Event{Type: bus.EventRecordAborted, RecordID: record.ID, Payload: map[string]any{
		bus.PayloadError: cause,
		bus.PayloadLabel: fmt.Sprintf("record %d", record.ID),
	}})
	return cause
}
