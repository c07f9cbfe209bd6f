// Package provider defines the collaborator interface phases execute
// against, plus the HTTP implementation used for the stock pipeline
// services. The orchestration core never learns provider-specific
// protocols; it sees only Execute plus the declared traits.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"conveyor/internal/services"
)

// Input carries everything a provider may need for one phase execution.
// Fields are the work record's input fields; Upstream holds the outputs of
// the phase's completed dependencies keyed by phase id.
type Input struct {
	RecordID       int64
	RunID          string
	PhaseID        string
	Fields         map[string]any
	Upstream       map[string]json.RawMessage
	Options        map[string]any
	IdempotencyKey string
}

// Output is a provider's result. Payload is opaque to the core; it is
// persisted with the phase result and offered to downstream phases.
type Output struct {
	Payload json.RawMessage
}

// Traits annotate a provider for the executor: how long a call may run and
// whether it is safe to retry or re-execute.
type Traits struct {
	Timeout    time.Duration
	Retryable  bool
	Idempotent bool
}

// Provider executes one phase's work against an external collaborator.
type Provider interface {
	Name() string
	Traits() Traits
	Execute(ctx context.Context, input Input) (Output, error)
}

// Registry resolves providers by name. Registration happens once at
// startup; phase graph construction resolves every phase's provider before
// any work runs.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Duplicate names are a configuration error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return services.Wrap(services.ErrConfiguration, "provider", "register",
			fmt.Sprintf("provider %q registered twice", p.Name()), nil)
	}
	r.providers[p.Name()] = p
	return nil
}

// Resolve returns the named provider or a configuration error.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "provider", "resolve",
			fmt.Sprintf("no provider registered as %q", name), nil)
	}
	return p, nil
}

// Names lists registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
