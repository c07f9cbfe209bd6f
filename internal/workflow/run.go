package workflow

import (
	"context"
	"errors"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()

	// Counters since the queue last drained, reported over the bus.
	var processed, failed int

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.heartbeat.ReclaimStaleRecords(ctx, m.logger); err != nil {
			m.logger.Warn("reclaim stale processing failed; stuck records may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"))
		}

		record, err := m.store.ClaimPending(ctx)
		if err != nil {
			m.handleClaimError(ctx, err)
			continue
		}
		if record == nil {
			if processed+failed > 0 {
				m.events.Publish(bus.Event{Type: bus.EventQueueDrained, Payload: map[string]any{
					bus.PayloadProcessed: processed,
					bus.PayloadFailed:    failed,
				}})
				processed, failed = 0, 0
			}
			m.waitForRecordOrShutdown(ctx)
			continue
		}

		if err := m.processRecord(ctx, record); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			failed++
			continue
		}
		if record.Status == queue.StatusCompleted {
			processed++
		} else {
			failed++
		}
	}
}

func (m *Manager) handleClaimError(ctx context.Context, err error) {
	m.setLastError(err)
	m.logger.Error("failed to claim next work record",
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_claim_failed"),
		logging.String(logging.FieldErrorHint, "check queue database access"))
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second):
	}
}

func (m *Manager) waitForRecordOrShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.pollInterval):
	}
}

// processRecord runs one claimed record to a terminal state while a
// heartbeat loop keeps its claim fresh.
func (m *Manager) processRecord(ctx context.Context, record *queue.Record) error {
	logger := m.logger.With(logging.Int64(logging.FieldRecordID, record.ID))
	logger.Info("record claimed",
		logging.String(logging.FieldEventType, "record_claimed"))

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	m.wg.Add(1)
	go m.heartbeat.StartLoop(heartbeatCtx, &m.wg, record.ID)
	defer stopHeartbeat()

	return m.runRecord(ctx, logger, record)
}
