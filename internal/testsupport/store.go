package testsupport

import (
	"context"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/queue"
	"conveyor/internal/state"
)

// MustOpenQueue opens a queue.Store for tests and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenState opens a state.Store for tests and registers cleanup.
func MustOpenState(t testing.TB, cfg *config.Config) *state.Store {
	t.Helper()

	store, err := state.Open(cfg)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewRecord enqueues a work record for tests using the provided store.
func NewRecord(t testing.TB, store *queue.Store, fields map[string]any) *queue.Record {
	t.Helper()

	record, err := store.NewRecord(context.Background(), fields)
	if err != nil {
		t.Fatalf("store.NewRecord: %v", err)
	}
	return record
}
