// Package testsupport provides shared helpers for package tests: temp-dir
// configs and pre-opened stores with cleanup registered.
package testsupport

import (
	"path/filepath"
	"testing"

	"conveyor/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.HeartbeatInterval = 1
	cfg.Cache.RedisAddr = ""

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithPhases replaces the configured phase graph.
func WithPhases(phases ...config.Phase) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Phases = phases
	}
}

// WithProviders replaces the configured provider endpoints.
func WithProviders(providers map[string]config.Provider) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Providers = providers
	}
}

// WithConcurrency sets the per-batch phase concurrency limit.
func WithConcurrency(limit int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.MaxConcurrentPhases = limit
	}
}
