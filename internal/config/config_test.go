package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "conveyor")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
	if cfg.Workflow.MaxConcurrentPhases <= 0 {
		t.Fatal("expected positive default phase concurrency")
	}
	if len(cfg.Phases) == 0 {
		t.Fatal("expected stock phase graph")
	}
	for _, p := range cfg.Phases {
		if _, ok := cfg.Providers[p.Provider]; !ok {
			t.Fatalf("phase %q references unknown provider %q", p.ID, p.Provider)
		}
	}
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[providers.source]
base_url = "http://localhost:9000"
timeout_seconds = 30

[[phases]]
id = "fetch"
depends_on = ["missing"]
provider = "source"
timeout_seconds = 30
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, _, _, err := config.Load(path)
	if err == nil {
		t.Fatal("expected validation error for unknown dependency")
	}
	if !strings.Contains(err.Error(), "unknown phase") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsDuplicatePhase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[providers.source]
base_url = "http://localhost:9000"
timeout_seconds = 30

[[phases]]
id = "fetch"
provider = "source"
timeout_seconds = 30

[[phases]]
id = "fetch"
provider = "source"
timeout_seconds = 30
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, _, _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "duplicate phase") {
		t.Fatalf("expected duplicate phase error, got %v", err)
	}
}

func TestBreakerForFallsBackToDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Breakers = map[string]config.Breaker{
		"renderer": {FailureThreshold: 2},
	}

	renderer := cfg.BreakerFor("renderer")
	if renderer.FailureThreshold != 2 {
		t.Fatalf("expected override threshold 2, got %d", renderer.FailureThreshold)
	}
	if renderer.CooldownSeconds != cfg.BreakerDefault.CooldownSeconds {
		t.Fatalf("expected default cooldown fallback, got %d", renderer.CooldownSeconds)
	}

	other := cfg.BreakerFor("unknown")
	if other != cfg.BreakerDefault {
		t.Fatalf("expected defaults for unknown dependency, got %+v", other)
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := config.WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := config.WriteSample(path); err == nil {
		t.Fatal("expected error overwriting existing config")
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if len(cfg.Phases) == 0 {
		t.Fatal("sample config should declare phases")
	}
}
