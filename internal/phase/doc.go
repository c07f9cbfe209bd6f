// Package phase declares the orchestrated units of work and plans their
// execution order.
//
// A Definition is an immutable declaration registered at startup: identifier,
// dependencies, retry/idempotency/optional/fatal flags, timeout, provider
// binding. A Result is the per-run outcome for one phase. Graph validates the
// declarations (duplicates, unknown references, cycles) when it is built and
// answers the planning query: given the current State, which phases are
// runnable now, which are permanently blocked, and is the run terminal.
package phase
