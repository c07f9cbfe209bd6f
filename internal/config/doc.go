// Package config loads, normalizes, and validates Conveyor configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob
// the daemon and CLI need: the phase graph declaration, provider endpoints,
// circuit breaker thresholds, cache TTLs, retry policy, and workflow timing.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
// Config is constructed once at startup and passed by reference; nothing
// here is a mutable global.
package config
