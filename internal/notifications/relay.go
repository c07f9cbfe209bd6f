package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
)

// Relay consumes orchestrator events from the message bus and forwards them
// to the notification service. Workflow components publish events and never
// call the service directly.
type Relay struct {
	events  *bus.Bus
	service Service
	logger  *slog.Logger

	mu   sync.Mutex
	sub  *bus.Subscription
	done chan struct{}
}

// NewRelay builds a relay over the given bus and service.
func NewRelay(events *bus.Bus, service Service, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Relay{
		events:  events,
		service: service,
		logger:  logging.NewComponentLogger(logger, "notifications"),
	}
}

// Start subscribes to orchestrator events and begins forwarding them. The
// context bounds outbound deliveries.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return
	}
	r.sub = r.events.Subscribe(
		bus.EventRecordClaimed,
		bus.EventRunCompleted,
		bus.EventRunFailed,
		bus.EventRecordAborted,
		bus.EventQueueDrained,
	)
	r.done = make(chan struct{})
	go r.forward(ctx, r.sub, r.done)
}

// Stop cancels the subscription and waits for in-flight deliveries.
func (r *Relay) Stop() {
	r.mu.Lock()
	sub, done := r.sub, r.done
	r.sub = nil
	r.done = nil
	r.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Cancel()
	<-done
}

func (r *Relay) forward(ctx context.Context, sub *bus.Subscription, done chan struct{}) {
	defer close(done)
	for event := range sub.C {
		if err := r.deliver(ctx, event); err != nil {
			r.logger.Debug("notification delivery failed",
				logging.String(logging.FieldEventType, event.Type),
				logging.Error(err))
		}
	}
}

func (r *Relay) deliver(ctx context.Context, event bus.Event) error {
	switch event.Type {
	case bus.EventRecordClaimed:
		return r.service.NotifyRunStarted(ctx, event.RecordID)
	case bus.EventRunCompleted:
		duration, _ := event.Payload[bus.PayloadDuration].(time.Duration)
		return r.service.NotifyRunCompleted(ctx, event.RecordID, duration)
	case bus.EventRunFailed:
		failure, _ := event.Payload[bus.PayloadFailure].(queue.FailureDetails)
		if review, _ := event.Payload[bus.PayloadReview].(bool); review {
			return r.service.NotifyReviewRequired(ctx, event.RecordID, failure)
		}
		return r.service.NotifyRunFailed(ctx, event.RecordID, failure)
	case bus.EventRecordAborted:
		cause, _ := event.Payload[bus.PayloadError].(error)
		label, _ := event.Payload[bus.PayloadLabel].(string)
		return r.service.NotifyError(ctx, cause, label)
	case bus.EventQueueDrained:
		processed, _ := event.Payload[bus.PayloadProcessed].(int)
		failed, _ := event.Payload[bus.PayloadFailed].(int)
		return r.service.NotifyQueueDrained(ctx, processed, failed)
	}
	return nil
}
