package breaker

import (
	"sort"
	"sync"

	"conveyor/internal/config"
)

// Manager hands out one breaker per dependency name, lazily created from
// configuration. Unknown names fall back to the default breaker settings.
type Manager struct {
	cfg  *config.Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager constructs a manager backed by the given configuration.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	return &Manager{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the named dependency, creating it on first use.
func (m *Manager) For(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(name, settingsFromConfig(m.cfg.BreakerFor(name)), m.opts...)
	m.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker created so far, sorted by
// dependency name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
