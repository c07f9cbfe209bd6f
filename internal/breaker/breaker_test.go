package breaker

import (
	"errors"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(t *testing.T, settings Settings) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New("voice", settings, WithClock(clock.Now)), clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 3, Cooldown: 30 * time.Second})

	for i := 0; i < 2; i++ {
		b.ReportFailure()
		if err := b.Allow(); err != nil {
			t.Fatalf("breaker opened after %d failures: %v", i+1, err)
		}
	}
	b.ReportFailure()

	err := b.Allow()
	if err == nil {
		t.Fatal("expected rejection after reaching failure threshold")
	}
	if !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("rejection should classify as circuit open, got %v", err)
	}
	if snap := b.Snapshot(); snap.State != StateOpen {
		t.Fatalf("state = %s, want %s", snap.State, StateOpen)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 2, Cooldown: 30 * time.Second})

	b.ReportFailure()
	b.ReportSuccess()
	b.ReportFailure()

	if err := b.Allow(); err != nil {
		t.Fatalf("non-consecutive failures should not open breaker: %v", err)
	}
}

func TestBreakerAllowsSingleProbeAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, Cooldown: 30 * time.Second})

	b.ReportFailure()
	if err := b.Allow(); !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("expected open rejection, got %v", err)
	}

	clock.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("cooldown not elapsed, expected rejection, got %v", err)
	}

	clock.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe call should be admitted after cooldown: %v", err)
	}
	if snap := b.Snapshot(); snap.State != StateHalfOpen {
		t.Fatalf("state = %s, want %s", snap.State, StateHalfOpen)
	}
	if err := b.Allow(); !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("only one probe may be in flight, got %v", err)
	}
}

func TestBreakerClosesOnSuccessfulProbe(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, Cooldown: 30 * time.Second})

	b.ReportFailure()
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	b.ReportSuccess()

	snap := b.Snapshot()
	if snap.State != StateClosed {
		t.Fatalf("state = %s, want %s", snap.State, StateClosed)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0", snap.ConsecutiveFailures)
	}
}

func TestBreakerFailedProbeGrowsCooldown(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
		MaxCooldown:      90 * time.Second,
	})

	b.ReportFailure()
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	b.ReportFailure()

	// Cooldown doubled to 60s.
	clock.Advance(59 * time.Second)
	if err := b.Allow(); !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("expected rejection during grown cooldown, got %v", err)
	}
	clock.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	b.ReportFailure()

	// Doubling again would be 120s; capped at 90s.
	clock.Advance(90 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe after capped cooldown: %v", err)
	}
	b.ReportSuccess()

	// A close resets the cooldown back to the base value.
	b.ReportFailure()
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe after reset cooldown: %v", err)
	}
}

func TestBreakerReclaimsAbandonedProbeSlot(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, Cooldown: 30 * time.Second})

	b.ReportFailure()
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe call should be admitted after cooldown: %v", err)
	}

	// The probe holder never reports an outcome (e.g. its context was
	// cancelled before the call ran).
	if err := b.Allow(); !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("second caller should be rejected while probe in flight, got %v", err)
	}

	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe slot should be reclaimed after a cooldown: %v", err)
	}

	b.ReportSuccess()
	if snap := b.Snapshot(); snap.State != StateClosed {
		t.Fatalf("state = %s, want %s", snap.State, StateClosed)
	}
}

func TestManagerSharesBreakersByName(t *testing.T) {
	cfg := config.Default()
	cfg.BreakerDefault = config.Breaker{FailureThreshold: 2, CooldownSeconds: 10, MaxCooldownSeconds: 60}
	cfg.Breakers = map[string]config.Breaker{
		"renderer": {FailureThreshold: 5},
	}

	m := NewManager(&cfg)
	if m.For("voice") != m.For("voice") {
		t.Fatal("same name should return the same breaker")
	}
	if m.For("voice") == m.For("renderer") {
		t.Fatal("different names should return distinct breakers")
	}

	r := m.For("renderer")
	for i := 0; i < 4; i++ {
		r.ReportFailure()
	}
	if err := r.Allow(); err != nil {
		t.Fatalf("renderer threshold is 5, should still be closed: %v", err)
	}
	r.ReportFailure()
	if err := r.Allow(); !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("renderer should be open after 5 failures, got %v", err)
	}

	snaps := m.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].Name != "renderer" || snaps[1].Name != "voice" {
		t.Fatalf("snapshots not sorted by name: %v, %v", snaps[0].Name, snaps[1].Name)
	}
}
