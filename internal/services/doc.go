// Package services defines shared utilities consumed by the workflow
// orchestration core and the provider integrations.
//
// Key responsibilities:
//   - Context helpers that stamp work record IDs, phase identifiers, run
//     identifiers, and correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate provider
//     failures into consistent retry classes (transient, rate-limited,
//     circuit-open, fatal, ambiguous, validation).
//   - Details extraction that turns a terminal failure into the structured
//     payload republished to the work queue.
//
// Use these helpers when wiring new phases or providers so operational
// behaviour (error handling, observability, retries) stays uniform across the
// pipeline.
package services
