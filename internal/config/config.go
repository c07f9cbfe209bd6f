package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Workflow contains daemon timing, recovery, and concurrency settings.
type Workflow struct {
	QueuePollInterval   int `toml:"queue_poll_interval"`
	ErrorRetryInterval  int `toml:"error_retry_interval"`
	HeartbeatInterval   int `toml:"heartbeat_interval"`
	HeartbeatTimeout    int `toml:"heartbeat_timeout"`
	MaxConcurrentPhases int `toml:"max_concurrent_phases"`
}

// Retry contains the default retry policy for provider calls. Individual
// phases inherit these values unless overridden.
type Retry struct {
	MaxAttempts          int `toml:"max_attempts"`
	BaseDelayMillis      int `toml:"base_delay_millis"`
	MaxDelayMillis       int `toml:"max_delay_millis"`
	RateLimitFloorMillis int `toml:"rate_limit_floor_millis"`
}

// Breaker contains circuit breaker thresholds for one external dependency.
// Fast-failing dependencies get shorter cooldowns than expensive ones.
type Breaker struct {
	FailureThreshold   int `toml:"failure_threshold"`
	CooldownSeconds    int `toml:"cooldown_seconds"`
	MaxCooldownSeconds int `toml:"max_cooldown_seconds"`
}

// Cache contains cache layer configuration. When redis_addr is empty the
// layer runs purely on the in-process store.
type Cache struct {
	RedisAddr            string         `toml:"redis_addr"`
	RedisDB              int            `toml:"redis_db"`
	MemoryCapacity       int            `toml:"memory_capacity"`
	ProbeIntervalSeconds int            `toml:"probe_interval_seconds"`
	DefaultTTLSeconds    int            `toml:"default_ttl_seconds"`
	CategoryTTLSeconds   map[string]int `toml:"category_ttl_seconds"`
}

// Provider configures one external collaborator endpoint.
type Provider struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Retryable      bool   `toml:"retryable"`
	Idempotent     bool   `toml:"idempotent"`
}

// Phase declares one unit of orchestrated work and its graph position.
type Phase struct {
	ID              string   `toml:"id"`
	DependsOn       []string `toml:"depends_on"`
	Provider        string   `toml:"provider"`
	Retryable       bool     `toml:"retryable"`
	Idempotent      bool     `toml:"idempotent"`
	Optional        bool     `toml:"optional"`
	Fatal           bool     `toml:"fatal"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	CacheCategory   string   `toml:"cache_category"`
	IdempotencyKeys bool     `toml:"idempotency_keys"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Runs           bool   `toml:"runs"`
	Phases         bool   `toml:"phases"`
	Errors         bool   `toml:"errors"`
	QueueDrained   bool   `toml:"queue_drained"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Conveyor. It is built once
// at startup and passed by reference into every component constructor; no
// package reads ambient globals.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Workflow: polling intervals, heartbeats, phase concurrency limit
//   - Retry: default retry policy (attempts, backoff, rate-limit floor)
//   - Breakers: per-dependency circuit breaker thresholds and cooldowns
//   - Cache: redis backend plus in-process fallback sizing and TTLs
//   - Providers: external collaborator endpoints keyed by dependency name
//   - Phases: the declared phase graph (ids, dependencies, flags, timeouts)
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths          Paths               `toml:"paths"`
	Workflow       Workflow            `toml:"workflow"`
	Retry          Retry               `toml:"retry"`
	BreakerDefault Breaker             `toml:"breaker_default"`
	Breakers       map[string]Breaker  `toml:"breakers"`
	Cache          Cache               `toml:"cache"`
	Providers      map[string]Provider `toml:"providers"`
	Phases         []Phase             `toml:"phases"`
	Notifications  Notifications       `toml:"notifications"`
	Logging        Logging             `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/conveyor/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The second return value
// is the resolved path; the third reports whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err = os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to path, creating
// parent directories as needed. It refuses to overwrite an existing file.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists: %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates the data and log directories when missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// PhaseByID returns the phase declaration for the given identifier.
func (c *Config) PhaseByID(id string) (Phase, bool) {
	for _, p := range c.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// BreakerFor returns the breaker settings for a dependency name, falling back
// to the configured defaults.
func (c *Config) BreakerFor(name string) Breaker {
	if b, ok := c.Breakers[name]; ok {
		if b.FailureThreshold <= 0 {
			b.FailureThreshold = c.BreakerDefault.FailureThreshold
		}
		if b.CooldownSeconds <= 0 {
			b.CooldownSeconds = c.BreakerDefault.CooldownSeconds
		}
		if b.MaxCooldownSeconds <= 0 {
			b.MaxCooldownSeconds = c.BreakerDefault.MaxCooldownSeconds
		}
		return b
	}
	return c.BreakerDefault
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
