// Package queue manages work record persistence and lifecycle. Records are
// opaque key/value inputs enqueued by operators or upstream systems; the
// orchestrator claims pending records, heartbeats while processing, and
// writes back terminal status with a structured failure payload on error.
package queue
