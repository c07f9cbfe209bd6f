// Package daemon wraps the workflow manager with process-level concerns:
// single-instance locking, lifecycle control, and the queue and status
// operations exposed to the CLI over IPC.
package daemon
