// Package retry wraps a single provider call with exponential backoff,
// jitter, and retry-class classification. Rate-limit responses get a longer
// minimum backoff floor. Policies are value types and safe for concurrent
// use.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

// Policy bounds retry behavior for one call.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitFloor time.Duration

	// Sleep overrides the delay primitive in tests. Nil means a real,
	// context-aware sleep.
	Sleep func(context.Context, time.Duration) error
}

// FromConfig builds the default policy from configuration.
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelayMillis) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Retry.MaxDelayMillis) * time.Millisecond,
		RateLimitFloor: time.Duration(cfg.Retry.RateLimitFloorMillis) * time.Millisecond,
	}
}

// WithMaxAttempts returns a copy of the policy with a different attempt cap.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Do attempts op until it succeeds, a fatal-class error occurs, the attempt
// cap is reached, or the context is cancelled. It returns the number of
// attempts made and the last error; the last error keeps its original
// classification so callers can inspect the real failure cause.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	made := 0
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return made, err
		}

		made = attempt + 1
		lastErr = op(ctx)
		if lastErr == nil {
			return made, nil
		}

		class := services.Classify(lastErr)
		if !retryableClass(class) || attempt == attempts-1 {
			break
		}

		if err := p.sleep(ctx, p.delay(attempt, class)); err != nil {
			return made, err
		}
	}

	if made > 1 {
		return made, fmt.Errorf("after %d attempts: %w", made, lastErr)
	}
	return made, lastErr
}

func retryableClass(class services.Class) bool {
	return class == services.ClassTransient || class == services.ClassRateLimited
}

// delay computes base * 2^attempt plus jitter in [0, base), capped at
// MaxDelay. Successive delays are non-decreasing: the jittered maximum of
// attempt n never exceeds the un-jittered minimum of attempt n+1.
// Rate-limited errors are floored at RateLimitFloor.
func (p Policy) delay(attempt int, class services.Class) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d < 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	} else {
		d += time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter intentionally uses non-crypto rand
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}

	if class == services.ClassRateLimited && d < p.RateLimitFloor {
		d = p.RateLimitFloor
	}
	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext blocks for d, returning early if the context is cancelled.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
