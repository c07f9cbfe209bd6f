package queue_test

import (
	"context"
	"testing"
	"time"

	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/testsupport"
)

func TestNewRecordRoundTrip(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()

	record := testsupport.NewRecord(t, store, map[string]any{"sku": "w-1", "priority": float64(2)})
	if record.ID == 0 || record.Status != queue.StatusPending {
		t.Fatalf("record = %+v", record)
	}

	loaded, err := store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Fields["sku"] != "w-1" || loaded.Fields["priority"] != float64(2) {
		t.Fatalf("fields = %v", loaded.Fields)
	}
}

func TestGetByIDMissingReturnsNil(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))

	record, err := store.GetByID(context.Background(), 12345)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil, got %+v", record)
	}
}

func TestClaimPendingTransitionsOldestFirst(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first := testsupport.NewRecord(t, store, map[string]any{"sku": "a"})
	testsupport.NewRecord(t, store, map[string]any{"sku": "b"})

	claimed, err := store.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("claimed = %+v, want record %d", claimed, first.ID)
	}
	if claimed.Status != queue.StatusProcessing {
		t.Fatalf("status = %s", claimed.Status)
	}
	if claimed.LastHeartbeat == nil {
		t.Fatal("claim should stamp a heartbeat")
	}

	second, err := store.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if second == nil || second.ID == first.ID {
		t.Fatalf("second claim = %+v", second)
	}

	empty, err := store.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("empty queue should claim nil, got %+v", empty)
	}
}

func TestMarkFailedStoresStructuredPayload(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()
	record := testsupport.NewRecord(t, store, nil)

	failure := queue.FailureDetails{
		Class:    services.ClassTransient,
		Phase:    "render_video",
		Message:  "renderer: execute: http 502",
		Attempts: 4,
	}
	if err := store.MarkFailed(ctx, record.ID, queue.StatusFailed, failure); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	loaded, err := store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != queue.StatusFailed {
		t.Fatalf("status = %s", loaded.Status)
	}
	if loaded.Failure == nil || loaded.Failure.Phase != "render_video" || loaded.Failure.Attempts != 4 {
		t.Fatalf("failure = %+v", loaded.Failure)
	}
	if loaded.ErrorMessage == "" {
		t.Fatal("error message not set")
	}
}

func TestMarkFailedRejectsNonFailureStatus(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	record := testsupport.NewRecord(t, store, nil)

	err := store.MarkFailed(context.Background(), record.ID, queue.StatusCompleted, queue.FailureDetails{})
	if err == nil {
		t.Fatal("expected rejection of non-failure status")
	}
}

func TestMarkCompletedClearsFailureColumns(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()
	record := testsupport.NewRecord(t, store, nil)

	if err := store.MarkFailed(ctx, record.ID, queue.StatusFailed, queue.FailureDetails{
		Class: services.ClassTransient, Message: "boom",
	}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.RetryFailed(ctx, record.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := store.MarkCompleted(ctx, record.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	loaded, err := store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != queue.StatusCompleted || loaded.Failure != nil || loaded.ErrorMessage != "" {
		t.Fatalf("record = %+v", loaded)
	}
}

func TestRetryFailedResetsReviewRecords(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()
	record := testsupport.NewRecord(t, store, nil)

	if err := store.MarkFailed(ctx, record.ID, queue.StatusReview, queue.FailureDetails{
		Class: services.ClassAmbiguous, Phase: "publish", Message: "side effects unknown",
	}); err != nil {
		t.Fatalf("mark review: %v", err)
	}

	affected, err := store.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d", affected)
	}

	loaded, err := store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != queue.StatusPending || loaded.Failure != nil {
		t.Fatalf("record = %+v", loaded)
	}
}

func TestReclaimStaleProcessing(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()
	testsupport.NewRecord(t, store, nil)

	claimed, err := store.ClaimPending(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %+v", err, claimed)
	}

	// Heartbeat is fresh, nothing to reclaim.
	reclaimed, err := store.ReclaimStaleProcessing(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("reclaim fresh: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("reclaimed = %d, want 0", reclaimed)
	}

	reclaimed, err = store.ReclaimStaleProcessing(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("reclaim stale: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	loaded, err := store.GetByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != queue.StatusPending || loaded.LastHeartbeat != nil {
		t.Fatalf("record = %+v", loaded)
	}
}

func TestReleaseProcessingOnShutdown(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()
	testsupport.NewRecord(t, store, nil)
	if _, err := store.ClaimPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	released, err := store.ReleaseProcessing(ctx)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d", released)
	}

	pending, err := store.RecordsByStatus(ctx, queue.StatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ProgressMessage != queue.DaemonStopReason {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestHealthCountsByStatus(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()

	testsupport.NewRecord(t, store, nil)
	failed := testsupport.NewRecord(t, store, nil)
	review := testsupport.NewRecord(t, store, nil)
	done := testsupport.NewRecord(t, store, nil)

	if err := store.MarkFailed(ctx, failed.ID, queue.StatusFailed, queue.FailureDetails{Message: "x"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkFailed(ctx, review.ID, queue.StatusReview, queue.FailureDetails{Message: "y"}); err != nil {
		t.Fatalf("mark review: %v", err)
	}
	if err := store.MarkCompleted(ctx, done.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	want := queue.HealthSummary{Total: 4, Pending: 1, Failed: 1, Review: 1, Completed: 1}
	if health != want {
		t.Fatalf("health = %+v, want %+v", health, want)
	}
}

func TestClearVariants(t *testing.T) {
	store := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()

	done := testsupport.NewRecord(t, store, nil)
	failed := testsupport.NewRecord(t, store, nil)
	testsupport.NewRecord(t, store, nil)

	if err := store.MarkCompleted(ctx, done.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.MarkFailed(ctx, failed.ID, queue.StatusFailed, queue.FailureDetails{Message: "x"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if n, err := store.ClearCompleted(ctx); err != nil || n != 1 {
		t.Fatalf("clear completed = %d, %v", n, err)
	}
	if n, err := store.ClearFailed(ctx); err != nil || n != 1 {
		t.Fatalf("clear failed = %d, %v", n, err)
	}
	if n, err := store.Clear(ctx); err != nil || n != 1 {
		t.Fatalf("clear all = %d, %v", n, err)
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := queue.ParseStatus(" Pending "); !ok || status != queue.StatusPending {
		t.Fatalf("parse = %s %v", status, ok)
	}
	if _, ok := queue.ParseStatus("bogus"); ok {
		t.Fatal("bogus status accepted")
	}
}
