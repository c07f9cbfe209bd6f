// Package workflow drives record processing end to end. The manager claims
// pending work records, builds or resumes a workflow run, repeatedly asks
// the phase graph for the next runnable set, dispatches it through the
// executor with bounded concurrency, persists every result at batch
// boundaries, and writes the terminal outcome back to the work record.
package workflow
