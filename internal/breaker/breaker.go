// Package breaker isolates failing external dependencies behind per-name
// circuit breakers. A breaker is shared process-wide: a dependency that
// starts failing opens for every concurrent workflow run, not just the one
// that observed the failure.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

// State enumerates the breaker state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings bounds one breaker. Cooldown grows exponentially on repeated
// half-open failures up to MaxCooldown.
type Settings struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

func settingsFromConfig(b config.Breaker) Settings {
	return Settings{
		FailureThreshold: b.FailureThreshold,
		Cooldown:         time.Duration(b.CooldownSeconds) * time.Second,
		MaxCooldown:      time.Duration(b.MaxCooldownSeconds) * time.Second,
	}
}

// Breaker tracks the health of one external dependency.
type Breaker struct {
	name     string
	settings Settings
	clock    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	nextProbeAt         time.Time
	cooldown            time.Duration
	probeInFlight       bool
	probeStartedAt      time.Time
}

// Option configures breaker construction.
type Option func(*Breaker)

// WithClock overrides the time source (used in tests).
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) { b.clock = clock }
}

// New constructs a closed breaker for the named dependency.
func New(name string, settings Settings, opts ...Option) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 1
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.MaxCooldown < settings.Cooldown {
		settings.MaxCooldown = settings.Cooldown
	}
	b := &Breaker{
		name:     name,
		settings: settings,
		clock:    time.Now,
		state:    StateClosed,
		cooldown: settings.Cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. While open it returns a
// circuit-open error without contacting the dependency; once the cooldown
// elapses exactly one probe call is let through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		now := b.clock()
		if now.Before(b.nextProbeAt) {
			return b.rejectLocked()
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		b.probeStartedAt = now
		return nil
	case StateHalfOpen:
		now := b.clock()
		if b.probeInFlight && now.Sub(b.probeStartedAt) < b.cooldown {
			return b.rejectLocked()
		}
		// A probe that never reported back forfeits the slot after one
		// cooldown; otherwise an abandoned probe wedges the breaker.
		b.probeInFlight = true
		b.probeStartedAt = now
		return nil
	default:
		return nil
	}
}

func (b *Breaker) rejectLocked() error {
	return services.Wrap(services.ErrCircuitOpen, "breaker", b.name,
		fmt.Sprintf("open until %s", b.nextProbeAt.UTC().Format(time.RFC3339)), nil)
}

// ReportSuccess records a successful call. A half-open success closes the
// breaker and resets counters and cooldown.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.state = StateClosed
		b.cooldown = b.settings.Cooldown
		b.openedAt = time.Time{}
		b.nextProbeAt = time.Time{}
	}
}

// ReportFailure records a failed call. Reaching the threshold opens the
// breaker; a half-open failure reopens it with exponential cooldown growth.
// Circuit-open rejections must not be reported back here.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.cooldown = minDuration(b.cooldown*2, b.settings.MaxCooldown)
		b.openLocked(now)
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.openLocked(now)
		}
	case StateOpen:
		// Late failures from calls admitted before opening; nothing to do.
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.nextProbeAt = now.Add(b.cooldown)
}

// Snapshot captures breaker state for observability.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	NextProbeAt         time.Time
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		NextProbeAt:         b.nextProbeAt,
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if b > 0 && a > b {
		return b
	}
	return a
}
