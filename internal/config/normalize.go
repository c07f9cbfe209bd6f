package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}

	c.normalizeLogging()
	c.normalizePhases()
	return nil
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format

	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}

func (c *Config) normalizePhases() {
	for i := range c.Phases {
		c.Phases[i].ID = strings.TrimSpace(c.Phases[i].ID)
		c.Phases[i].Provider = strings.TrimSpace(c.Phases[i].Provider)
		deps := make([]string, 0, len(c.Phases[i].DependsOn))
		for _, dep := range c.Phases[i].DependsOn {
			if dep = strings.TrimSpace(dep); dep != "" {
				deps = append(deps, dep)
			}
		}
		c.Phases[i].DependsOn = deps
	}
}
