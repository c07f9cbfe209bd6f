// Package logging centralizes slog construction and conventions.
//
// It builds console or JSON handlers from configuration, mirrors output to
// the configured log directory, and exposes attr helpers plus standardized
// field names so every component logs record IDs, run IDs, phase names, and
// correlation IDs under the same keys. WithContext derives per-dispatch
// loggers from the values the orchestrator stamps into context.
package logging
