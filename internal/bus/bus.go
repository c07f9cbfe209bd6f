// Package bus carries typed in-process messages between orchestration
// components. Publishers never block on slow subscribers and components
// never call each other directly for notifications.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"conveyor/internal/services"
)

// Event types published by the orchestrator and executor.
const (
	EventRecordClaimed  = "record_claimed"
	EventPhaseStarted   = "phase_started"
	EventPhaseSucceeded = "phase_succeeded"
	EventPhaseFailed    = "phase_failed"
	EventPhaseSkipped   = "phase_skipped"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
	EventRecordAborted  = "record_aborted"
	EventQueueDrained   = "queue_drained"
)

// Payload keys shared between the orchestrator and event consumers.
const (
	PayloadDuration  = "duration"
	PayloadFailure   = "failure"
	PayloadReview    = "review"
	PayloadError     = "error"
	PayloadLabel     = "label"
	PayloadProcessed = "processed"
	PayloadFailed    = "failed"
)

// Event is one published message.
type Event struct {
	Type     string
	RecordID int64
	RunID    string
	PhaseID  string
	Payload  map[string]any
	At       time.Time
}

// Handler answers a request-reply message for one topic.
type Handler func(ctx context.Context, payload any) (any, error)

// Bus is the process-wide message bus. Safe for concurrent use.
type Bus struct {
	buffer int

	mu       sync.RWMutex
	closed   bool
	subs     map[*Subscription]struct{}
	handlers map[string]Handler
	dropped  atomic.Int64
}

// New constructs a bus whose subscribers receive events on channels with
// the given buffer size.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		buffer:   buffer,
		subs:     make(map[*Subscription]struct{}),
		handlers: make(map[string]Handler),
	}
}

// Subscription delivers matching events on C until cancelled.
type Subscription struct {
	C <-chan Event

	bus   *Bus
	ch    chan Event
	types map[string]struct{}
	once  sync.Once
}

// Subscribe registers interest in the given event types. An empty type list
// matches every event. The caller must drain C or events are dropped.
func (b *Bus) Subscribe(types ...string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		_, registered := s.bus.subs[s]
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		if registered {
			close(s.ch)
		}
	})
}

func (s *Subscription) matches(event Event) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[event.Type]
	return ok
}

// Publish fans the event out to matching subscribers. Delivery is
// best-effort: a subscriber with a full channel misses the event.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Handle registers the reply handler for a topic, replacing any previous
// handler.
func (b *Bus) Handle(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

// Request sends a payload to the topic's handler and waits for its reply.
// Unknown topics fail with a not-found error.
func (b *Bus) Request(ctx context.Context, topic string, payload any) (any, error) {
	b.mu.RLock()
	handler, ok := b.handlers[topic]
	b.mu.RUnlock()
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "bus", "request",
			"no handler registered for topic "+topic, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return handler(ctx, payload)
}

// Dropped reports how many events were discarded because a subscriber's
// channel was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops delivery and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
