// Package cache provides the category/key addressed TTL cache used by phase
// execution. A redis backend is used when configured; when redis is missing
// or unreachable the layer degrades to a bounded in-process store. Caching
// is an optimization only: no operation here returns an error to callers.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/logging"
)

const keyPrefix = "conveyor:cache:"

// Backend is a remote cache store. Get reports a miss with found=false and
// a nil error; errors mean the backend is unhealthy.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// Layer routes reads and writes to the remote backend while healthy and to
// the in-process store while degraded. Safe for concurrent use.
type Layer struct {
	remote     Backend
	memory     *memoryStore
	defaultTTL time.Duration
	ttls       map[string]time.Duration
	probeEvery time.Duration
	logger     *slog.Logger
	clock      func() time.Time

	mu          sync.Mutex
	degraded    bool
	lastProbeAt time.Time
}

// Option configures layer construction.
type Option func(*Layer)

// WithBackend overrides the remote backend (used in tests).
func WithBackend(backend Backend) Option {
	return func(l *Layer) { l.remote = backend }
}

// WithClock overrides the time source (used in tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Layer) {
		l.clock = clock
		l.memory.clock = clock
	}
}

// New constructs the cache layer from configuration. An empty redis address
// yields a purely in-process cache.
func New(cfg config.Cache, logger *slog.Logger, opts ...Option) *Layer {
	capacity := cfg.MemoryCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	defaultTTL := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	probeEvery := time.Duration(cfg.ProbeIntervalSeconds) * time.Second
	if probeEvery <= 0 {
		probeEvery = 30 * time.Second
	}

	l := &Layer{
		memory:     newMemoryStore(capacity, time.Now),
		defaultTTL: defaultTTL,
		ttls:       make(map[string]time.Duration, len(cfg.CategoryTTLSeconds)),
		probeEvery: probeEvery,
		logger:     logging.NewComponentLogger(logger, "cache"),
		clock:      time.Now,
	}
	for category, seconds := range cfg.CategoryTTLSeconds {
		l.ttls[category] = time.Duration(seconds) * time.Second
	}
	if cfg.RedisAddr != "" {
		l.remote = newRedisBackend(cfg)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TTLFor returns the TTL for a category, falling back to the default.
func (l *Layer) TTLFor(category string) time.Duration {
	if ttl, ok := l.ttls[category]; ok && ttl > 0 {
		return ttl
	}
	return l.defaultTTL
}

// Get looks up a value. Backend failures count as misses and mark the layer
// degraded; the in-process store is always consulted as a fallback.
func (l *Layer) Get(ctx context.Context, category, key string) ([]byte, bool) {
	full := keyPrefix + category + ":" + key
	if backend := l.healthyBackend(ctx); backend != nil {
		value, found, err := backend.Get(ctx, full)
		if err == nil {
			return value, found
		}
		l.markDegraded(err)
	}
	return l.memory.get(full)
}

// Set stores a value under the category's TTL. Never fails: backend errors
// degrade the layer and the write lands in the in-process store instead.
func (l *Layer) Set(ctx context.Context, category, key string, value []byte) {
	full := keyPrefix + category + ":" + key
	ttl := l.TTLFor(category)
	if backend := l.healthyBackend(ctx); backend != nil {
		err := backend.Set(ctx, full, value, ttl)
		if err == nil {
			return
		}
		l.markDegraded(err)
	}
	l.memory.set(full, value, ttl)
}

// Degraded reports whether the layer is currently running on the in-process
// fallback store.
func (l *Layer) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote != nil && l.degraded
}

// Close releases the remote backend connection if one exists.
func (l *Layer) Close() error {
	if l.remote == nil {
		return nil
	}
	return l.remote.Close()
}

// healthyBackend returns the remote backend when it is usable. While
// degraded it re-probes at most once per probe interval.
func (l *Layer) healthyBackend(ctx context.Context) Backend {
	if l.remote == nil {
		return nil
	}
	l.mu.Lock()
	if !l.degraded {
		l.mu.Unlock()
		return l.remote
	}
	now := l.clock()
	if now.Sub(l.lastProbeAt) < l.probeEvery {
		l.mu.Unlock()
		return nil
	}
	l.lastProbeAt = now
	l.mu.Unlock()

	if err := l.remote.Ping(ctx); err != nil {
		return nil
	}
	l.mu.Lock()
	l.degraded = false
	l.mu.Unlock()
	l.logger.Info("remote cache recovered",
		logging.String(logging.FieldEventType, "cache_recovered"))
	return l.remote
}

func (l *Layer) markDegraded(err error) {
	l.mu.Lock()
	already := l.degraded
	l.degraded = true
	l.lastProbeAt = l.clock()
	l.mu.Unlock()
	if !already {
		l.logger.Warn("remote cache unavailable, using in-process store",
			logging.String(logging.FieldEventType, "cache_degraded"),
			logging.Error(err))
	}
}
