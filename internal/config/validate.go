package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateBreakers(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validatePhases(); err != nil {
		return err
	}
	return c.validateNotifications()
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":   c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval":  c.Workflow.ErrorRetryInterval,
		"workflow.heartbeat_interval":    c.Workflow.HeartbeatInterval,
		"workflow.heartbeat_timeout":     c.Workflow.HeartbeatTimeout,
		"workflow.max_concurrent_phases": c.Workflow.MaxConcurrentPhases,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must exceed workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if err := ensurePositiveMap(map[string]int{
		"retry.max_attempts":            c.Retry.MaxAttempts,
		"retry.base_delay_millis":       c.Retry.BaseDelayMillis,
		"retry.max_delay_millis":        c.Retry.MaxDelayMillis,
		"retry.rate_limit_floor_millis": c.Retry.RateLimitFloorMillis,
	}); err != nil {
		return err
	}
	if c.Retry.MaxDelayMillis < c.Retry.BaseDelayMillis {
		return errors.New("retry.max_delay_millis must be at least retry.base_delay_millis")
	}
	return nil
}

func (c *Config) validateBreakers() error {
	if err := ensurePositiveMap(map[string]int{
		"breaker_default.failure_threshold":    c.BreakerDefault.FailureThreshold,
		"breaker_default.cooldown_seconds":     c.BreakerDefault.CooldownSeconds,
		"breaker_default.max_cooldown_seconds": c.BreakerDefault.MaxCooldownSeconds,
	}); err != nil {
		return err
	}
	for name, b := range c.Breakers {
		if b.FailureThreshold < 0 || b.CooldownSeconds < 0 || b.MaxCooldownSeconds < 0 {
			return fmt.Errorf("breakers.%s values must not be negative", name)
		}
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.MemoryCapacity <= 0 {
		return errors.New("cache.memory_capacity must be positive")
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return errors.New("cache.default_ttl_seconds must be positive")
	}
	for category, ttl := range c.Cache.CategoryTTLSeconds {
		if ttl <= 0 {
			return fmt.Errorf("cache.category_ttl_seconds.%s must be positive", category)
		}
	}
	return nil
}

// validatePhases checks phase declarations for duplicates and dangling
// dependency references. Cycle detection happens at graph construction.
func (c *Config) validatePhases() error {
	if len(c.Phases) == 0 {
		return errors.New("at least one phase must be declared")
	}
	seen := make(map[string]struct{}, len(c.Phases))
	for _, p := range c.Phases {
		if p.ID == "" {
			return errors.New("phase id must not be empty")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate phase id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Provider == "" {
			return fmt.Errorf("phase %q must declare a provider", p.ID)
		}
		if p.TimeoutSeconds <= 0 {
			return fmt.Errorf("phase %q timeout_seconds must be positive", p.ID)
		}
	}
	for _, p := range c.Phases {
		for _, dep := range p.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("phase %q depends on unknown phase %q", p.ID, dep)
			}
			if dep == p.ID {
				return fmt.Errorf("phase %q depends on itself", p.ID)
			}
		}
		if _, ok := c.Providers[p.Provider]; !ok {
			return fmt.Errorf("phase %q references unconfigured provider %q (known: %s)",
				p.ID, p.Provider, strings.Join(providerNames(c.Providers), ", "))
		}
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if strings.TrimSpace(c.Notifications.NtfyTopic) == "" {
		return nil
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func providerNames(providers map[string]Provider) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
