package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/bus"
	"conveyor/internal/cache"
	"conveyor/internal/config"
	"conveyor/internal/executor"
	"conveyor/internal/logging"
	"conveyor/internal/phase"
	"conveyor/internal/provider"
	"conveyor/internal/queue"
	"conveyor/internal/retry"
	"conveyor/internal/services"
	"conveyor/internal/state"
	"conveyor/internal/testsupport"
)

type fakeProvider struct {
	name   string
	traits provider.Traits
	fn     func(ctx context.Context, input provider.Input) (provider.Output, error)

	mu    sync.Mutex
	calls []provider.Input
}

func (p *fakeProvider) Name() string            { return p.name }
func (p *fakeProvider) Traits() provider.Traits { return p.traits }

func (p *fakeProvider) Execute(ctx context.Context, input provider.Input) (provider.Output, error) {
	p.mu.Lock()
	p.calls = append(p.calls, input)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, input)
	}
	return provider.Output{Payload: json.RawMessage(fmt.Sprintf(`{"from":%q}`, p.name))}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func succeedingProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:   name,
		traits: provider.Traits{Timeout: 5 * time.Second, Retryable: true, Idempotent: true},
	}
}

type testHarness struct {
	manager *Manager
	store   *queue.Store
	runs    *state.Store
	events  *bus.Bus
}

func newHarness(t *testing.T, cfg *config.Config, providers ...provider.Provider) *testHarness {
	t.Helper()

	store := testsupport.MustOpenQueue(t, cfg)
	runs := testsupport.MustOpenState(t, cfg)

	registry := provider.NewRegistry()
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			t.Fatalf("register provider: %v", err)
		}
	}

	logger := logging.NewNop()
	policy := retry.FromConfig(cfg)
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	exec := executor.New(registry, cache.New(cfg.Cache, logger), breaker.NewManager(cfg), policy, logger)

	events := bus.New(64)
	t.Cleanup(events.Close)

	manager := NewManager(cfg, store, runs, mustGraph(t, cfg), exec, events, logger)
	return &testHarness{manager: manager, store: store, runs: runs, events: events}
}

func mustGraph(t *testing.T, cfg *config.Config) *phase.Graph {
	t.Helper()
	graph, err := phase.NewGraph(phase.DefinitionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return graph
}

func claimRecord(t *testing.T, store *queue.Store, fields map[string]any) *queue.Record {
	t.Helper()
	testsupport.NewRecord(t, store, fields)
	record, err := store.ClaimPending(context.Background())
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if record == nil {
		t.Fatal("expected a claimable record")
	}
	return record
}

func retryablePhase(id, providerName string, deps ...string) config.Phase {
	return config.Phase{
		ID:         id,
		DependsOn:  deps,
		Provider:   providerName,
		Retryable:  true,
		Idempotent: true,
	}
}

func TestRunRecordCompletesDiamondGraph(t *testing.T) {
	fetch := succeedingProvider("fetch")
	left := succeedingProvider("left")
	right := succeedingProvider("right")
	join := &fakeProvider{
		name:   "join",
		traits: provider.Traits{Timeout: 5 * time.Second, Retryable: true, Idempotent: true},
		fn: func(_ context.Context, input provider.Input) (provider.Output, error) {
			if len(input.Upstream) != 2 {
				return provider.Output{}, fmt.Errorf("%w: join expected two upstream outputs, got %d",
					services.ErrValidation, len(input.Upstream))
			}
			return provider.Output{Payload: json.RawMessage(`{"joined":true}`)}, nil
		},
	}

	cfg := testsupport.NewConfig(t,
		testsupport.WithPhases(
			retryablePhase("root", "fetch"),
			retryablePhase("left", "left", "root"),
			retryablePhase("right", "right", "root"),
			retryablePhase("join", "join", "left", "right"),
		),
		testsupport.WithConcurrency(2),
	)
	h := newHarness(t, cfg, fetch, left, right, join)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/1"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusCompleted {
		t.Fatalf("record status = %s, want %s", updated.Status, queue.StatusCompleted)
	}
	if updated.RunID == "" {
		t.Fatal("record run id not stamped")
	}

	results, err := h.runs.LoadResults(ctx, updated.RunID)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	for _, id := range []string{"root", "left", "right", "join"} {
		if got := results.StatusOf(id); got != phase.StatusSucceeded {
			t.Errorf("phase %s status = %s, want succeeded", id, got)
		}
	}
	if fetch.callCount() != 1 || left.callCount() != 1 || right.callCount() != 1 || join.callCount() != 1 {
		t.Errorf("unexpected provider call counts: %d %d %d %d",
			fetch.callCount(), left.callCount(), right.callCount(), join.callCount())
	}
}

func TestRunRecordFatalFailureStopsDispatchAndRecordsFailure(t *testing.T) {
	render := &fakeProvider{
		name:   "render",
		traits: provider.Traits{Timeout: time.Second, Retryable: false, Idempotent: true},
		fn: func(context.Context, provider.Input) (provider.Output, error) {
			return provider.Output{}, fmt.Errorf("%w: encoder rejected composition", services.ErrFatal)
		},
	}
	publish := succeedingProvider("publish")

	phases := []config.Phase{
		retryablePhase("render", "render"),
		retryablePhase("publish", "publish", "render"),
	}
	phases[0].Fatal = true
	cfg := testsupport.NewConfig(t, testsupport.WithPhases(phases...))
	h := newHarness(t, cfg, render, publish)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/2"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusFailed {
		t.Fatalf("record status = %s, want %s", updated.Status, queue.StatusFailed)
	}
	if updated.Failure == nil {
		t.Fatal("expected structured failure details")
	}
	if updated.Failure.Phase != "render" {
		t.Errorf("failure phase = %q, want render", updated.Failure.Phase)
	}
	if updated.Failure.Class != services.ClassFatal {
		t.Errorf("failure class = %s, want fatal", updated.Failure.Class)
	}
	if publish.callCount() != 0 {
		t.Errorf("downstream phase dispatched after fatal failure")
	}
}

func TestRunRecordFatalFailureLetsSiblingFinish(t *testing.T) {
	var siblingDone sync.WaitGroup
	siblingDone.Add(1)

	failing := &fakeProvider{
		name:   "images",
		traits: provider.Traits{Timeout: time.Second, Retryable: false, Idempotent: true},
		fn: func(context.Context, provider.Input) (provider.Output, error) {
			return provider.Output{}, fmt.Errorf("%w: asset generation refused", services.ErrFatal)
		},
	}
	slow := &fakeProvider{
		name:   "voice",
		traits: provider.Traits{Timeout: time.Second, Retryable: false, Idempotent: true},
		fn: func(context.Context, provider.Input) (provider.Output, error) {
			defer siblingDone.Done()
			time.Sleep(50 * time.Millisecond)
			return provider.Output{Payload: json.RawMessage(`{"audio":"done"}`)}, nil
		},
	}

	phases := []config.Phase{
		retryablePhase("images", "images"),
		retryablePhase("voice", "voice"),
	}
	phases[0].Fatal = true
	cfg := testsupport.NewConfig(t, testsupport.WithPhases(phases...), testsupport.WithConcurrency(2))
	h := newHarness(t, cfg, failing, slow)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/3"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}
	siblingDone.Wait()

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusFailed {
		t.Fatalf("record status = %s, want failed", updated.Status)
	}

	results, err := h.runs.LoadResults(ctx, updated.RunID)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if got := results.StatusOf("voice"); got != phase.StatusSucceeded {
		t.Errorf("sibling result = %s, want succeeded despite fatal failure", got)
	}
	if got := results.StatusOf("images"); got != phase.StatusFailed {
		t.Errorf("fatal phase result = %s, want failed", got)
	}
}

func TestRunRecordOptionalFailureDoesNotFailRecord(t *testing.T) {
	flaky := &fakeProvider{
		name:   "thumbnails",
		traits: provider.Traits{Timeout: time.Second, Retryable: false, Idempotent: true},
		fn: func(context.Context, provider.Input) (provider.Output, error) {
			return provider.Output{}, fmt.Errorf("%w: thumbnail service unavailable", services.ErrFatal)
		},
	}
	main := succeedingProvider("main")

	phases := []config.Phase{
		retryablePhase("thumbnails", "thumbnails"),
		retryablePhase("main", "main"),
	}
	phases[0].Optional = true
	cfg := testsupport.NewConfig(t, testsupport.WithPhases(phases...))
	h := newHarness(t, cfg, flaky, main)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/4"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusCompleted {
		t.Fatalf("record status = %s, want completed", updated.Status)
	}

	results, err := h.runs.LoadResults(ctx, updated.RunID)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if got := results.StatusOf("thumbnails"); got != phase.StatusSkipped {
		t.Errorf("optional phase result = %s, want skipped", got)
	}
}

func TestRunRecordRequiredFailureSkipsDownstream(t *testing.T) {
	failing := &fakeProvider{
		name:   "script",
		traits: provider.Traits{Timeout: time.Second, Retryable: false, Idempotent: true},
		fn: func(context.Context, provider.Input) (provider.Output, error) {
			return provider.Output{}, fmt.Errorf("%w: prompt rejected", services.ErrFatal)
		},
	}
	downstream := succeedingProvider("downstream")

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(
		retryablePhase("script", "script"),
		retryablePhase("narrate", "downstream", "script"),
	))
	h := newHarness(t, cfg, failing, downstream)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/5"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusFailed {
		t.Fatalf("record status = %s, want failed", updated.Status)
	}
	if updated.Failure == nil || updated.Failure.Phase != "script" {
		t.Fatalf("failure details = %+v, want phase script", updated.Failure)
	}

	results, err := h.runs.LoadResults(ctx, updated.RunID)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if got := results.StatusOf("narrate"); got != phase.StatusSkipped {
		t.Errorf("downstream result = %s, want skipped", got)
	}
	if downstream.callCount() != 0 {
		t.Error("downstream provider called despite failed dependency")
	}
}

func TestRunRecordResumeSkipsSucceededPhases(t *testing.T) {
	first := succeedingProvider("first")
	second := succeedingProvider("second")

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(
		retryablePhase("first", "first"),
		retryablePhase("second", "second", "first"),
	))
	h := newHarness(t, cfg, first, second)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/6"})

	// Simulate a crash after the first phase finished and the second started.
	run, err := h.runs.CreateRun(ctx, record.ID)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	now := time.Now().UTC()
	if err := h.runs.Persist(ctx, run.ID, phase.Result{
		PhaseID:    "first",
		Status:     phase.StatusSucceeded,
		Output:     json.RawMessage(`{"from":"first"}`),
		Attempts:   1,
		StartedAt:  &now,
		FinishedAt: &now,
	}); err != nil {
		t.Fatalf("Persist first: %v", err)
	}
	if err := h.runs.Persist(ctx, run.ID, phase.Result{
		PhaseID:   "second",
		Status:    phase.StatusRunning,
		StartedAt: &now,
	}); err != nil {
		t.Fatalf("Persist second: %v", err)
	}

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	if first.callCount() != 0 {
		t.Errorf("completed phase re-invoked %d times on resume", first.callCount())
	}
	if second.callCount() != 1 {
		t.Errorf("interrupted idempotent phase invoked %d times, want 1", second.callCount())
	}

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusCompleted {
		t.Fatalf("record status = %s, want completed", updated.Status)
	}
	if updated.RunID != run.ID {
		t.Errorf("resume created a new run %s, want %s", updated.RunID, run.ID)
	}
}

func TestRunRecordInterruptedNonIdempotentPhaseNeedsReview(t *testing.T) {
	publish := succeedingProvider("publish")
	publish.traits.Idempotent = false

	phases := []config.Phase{retryablePhase("publish", "publish")}
	phases[0].Idempotent = false
	cfg := testsupport.NewConfig(t, testsupport.WithPhases(phases...))
	h := newHarness(t, cfg, publish)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/7"})

	run, err := h.runs.CreateRun(ctx, record.ID)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	now := time.Now().UTC()
	if err := h.runs.Persist(ctx, run.ID, phase.Result{
		PhaseID:   "publish",
		Status:    phase.StatusRunning,
		StartedAt: &now,
	}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	if publish.callCount() != 0 {
		t.Errorf("non-idempotent interrupted phase re-invoked %d times", publish.callCount())
	}

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusReview {
		t.Fatalf("record status = %s, want review", updated.Status)
	}
	if updated.Failure == nil || updated.Failure.Class != services.ClassAmbiguous {
		t.Fatalf("failure details = %+v, want ambiguous class", updated.Failure)
	}
}

func TestRunRecordAmbiguousTransientFailureNeedsReview(t *testing.T) {
	publish := &fakeProvider{
		name:   "publish",
		traits: provider.Traits{Timeout: time.Second, Retryable: true, Idempotent: false},
		fn: func(context.Context, provider.Input) (provider.Output, error) {
			return provider.Output{}, fmt.Errorf("%w: connection reset mid-upload", services.ErrTransient)
		},
	}

	phases := []config.Phase{retryablePhase("publish", "publish")}
	phases[0].Idempotent = false
	cfg := testsupport.NewConfig(t, testsupport.WithPhases(phases...))
	h := newHarness(t, cfg, publish)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/8"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	// Without an idempotency token the provider is contacted at most once.
	if publish.callCount() != 1 {
		t.Errorf("non-idempotent phase invoked %d times, want 1", publish.callCount())
	}

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusReview {
		t.Fatalf("record status = %s, want review", updated.Status)
	}
	if updated.Failure == nil || updated.Failure.Class != services.ClassAmbiguous {
		t.Fatalf("failure details = %+v, want ambiguous class", updated.Failure)
	}
}

func TestRunRecordSuppliesStableIdempotencyKey(t *testing.T) {
	publish := &fakeProvider{
		name:   "publish",
		traits: provider.Traits{Timeout: time.Second, Retryable: true, Idempotent: false},
	}

	phases := []config.Phase{retryablePhase("publish", "publish")}
	phases[0].Idempotent = false
	phases[0].IdempotencyKeys = true
	cfg := testsupport.NewConfig(t, testsupport.WithPhases(phases...))
	h := newHarness(t, cfg, publish)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/9"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	publish.mu.Lock()
	defer publish.mu.Unlock()
	if len(publish.calls) != 1 {
		t.Fatalf("provider invoked %d times, want 1", len(publish.calls))
	}
	want := fmt.Sprintf("rec%d-publish", record.ID)
	if publish.calls[0].IdempotencyKey != want {
		t.Errorf("idempotency key = %q, want %q", publish.calls[0].IdempotencyKey, want)
	}
}

func TestRunRecordPassesUpstreamOutputs(t *testing.T) {
	root := succeedingProvider("root")
	leaf := &fakeProvider{
		name:   "leaf",
		traits: provider.Traits{Timeout: time.Second, Retryable: true, Idempotent: true},
		fn: func(_ context.Context, input provider.Input) (provider.Output, error) {
			upstream, ok := input.Upstream["root"]
			if !ok {
				return provider.Output{}, errors.New("missing upstream output")
			}
			return provider.Output{Payload: upstream}, nil
		},
	}

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(
		retryablePhase("root", "root"),
		retryablePhase("leaf", "leaf", "root"),
	))
	h := newHarness(t, cfg, root, leaf)

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/10"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusCompleted {
		t.Fatalf("record status = %s, want completed", updated.Status)
	}

	results, err := h.runs.LoadResults(ctx, updated.RunID)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if got := string(results["leaf"].Output); got != `{"from":"root"}` {
		t.Errorf("leaf output = %s, want root payload", got)
	}
}

func TestRunRecordPublishesLifecycleEvents(t *testing.T) {
	root := succeedingProvider("root")

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(retryablePhase("root", "root")))
	h := newHarness(t, cfg, root)

	sub := h.events.Subscribe()
	defer sub.Cancel()

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/11"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	want := []string{bus.EventRecordClaimed, bus.EventPhaseStarted, bus.EventPhaseSucceeded, bus.EventRunCompleted}
	for _, eventType := range want {
		select {
		case event := <-sub.C:
			if event.Type != eventType {
				t.Fatalf("event = %s, want %s", event.Type, eventType)
			}
			if event.RecordID != record.ID {
				t.Errorf("event record id = %d, want %d", event.RecordID, record.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestManagerProcessesQueueEndToEnd(t *testing.T) {
	root := succeedingProvider("root")

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(retryablePhase("root", "root")))
	h := newHarness(t, cfg, root)

	ctx := context.Background()
	record := testsupport.NewRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/12"})

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.manager.Stop()

	deadline := time.After(10 * time.Second)
	for {
		updated, err := h.store.GetByID(ctx, record.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if updated.Status == queue.StatusCompleted {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("record never completed; status %s", updated.Status)
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func TestRunRecordFailureEventCarriesDetails(t *testing.T) {
	render := &fakeProvider{
		name:   "render",
		traits: provider.Traits{Timeout: time.Second, Retryable: false, Idempotent: true},
		fn: func(context.Context, provider.Input) (provider.Output, error) {
			return provider.Output{}, fmt.Errorf("%w: template rejected", services.ErrFatal)
		},
	}

	phases := []config.Phase{retryablePhase("render", "render")}
	phases[0].Retryable = false
	phases[0].Fatal = true
	cfg := testsupport.NewConfig(t, testsupport.WithPhases(phases...))
	h := newHarness(t, cfg, render)

	sub := h.events.Subscribe(bus.EventRunFailed)
	defer sub.Cancel()

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/14"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	select {
	case event := <-sub.C:
		failure, ok := event.Payload[bus.PayloadFailure].(queue.FailureDetails)
		if !ok {
			t.Fatalf("run_failed payload missing failure details: %+v", event.Payload)
		}
		if failure.Class != services.ClassFatal || failure.Phase != "render" {
			t.Errorf("failure = %+v, want fatal class at render", failure)
		}
		if review, _ := event.Payload[bus.PayloadReview].(bool); review {
			t.Error("fatal failure flagged for review")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run_failed event")
	}
}

func TestRunRecordCompletionEventCarriesDuration(t *testing.T) {
	root := succeedingProvider("root")

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(retryablePhase("root", "root")))
	h := newHarness(t, cfg, root)

	sub := h.events.Subscribe(bus.EventRunCompleted)
	defer sub.Cancel()

	ctx := context.Background()
	record := claimRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/15"})

	if err := h.manager.runRecord(ctx, h.manager.logger, record); err != nil {
		t.Fatalf("runRecord: %v", err)
	}

	select {
	case event := <-sub.C:
		if _, ok := event.Payload[bus.PayloadDuration].(time.Duration); !ok {
			t.Fatalf("run_completed payload missing duration: %+v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run_completed event")
	}
}

func TestManagerPublishesQueueDrained(t *testing.T) {
	root := succeedingProvider("root")

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(retryablePhase("root", "root")))
	h := newHarness(t, cfg, root)

	sub := h.events.Subscribe(bus.EventQueueDrained)
	defer sub.Cancel()

	ctx := context.Background()
	testsupport.NewRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/16"})

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.manager.Stop()

	select {
	case event := <-sub.C:
		if processed, _ := event.Payload[bus.PayloadProcessed].(int); processed != 1 {
			t.Errorf("drained processed = %v, want 1", event.Payload[bus.PayloadProcessed])
		}
		if failed, _ := event.Payload[bus.PayloadFailed].(int); failed != 0 {
			t.Errorf("drained failed = %v, want 0", event.Payload[bus.PayloadFailed])
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for queue_drained event")
	}
}

func TestStatusRequestOverBus(t *testing.T) {
	root := succeedingProvider("root")

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(retryablePhase("root", "root")))
	h := newHarness(t, cfg, root)

	h.manager.setLastError(errors.New("claim timed out"))

	reply, err := h.events.Request(context.Background(), StatusTopic, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	report, ok := reply.(StatusReport)
	if !ok {
		t.Fatalf("reply type = %T, want StatusReport", reply)
	}
	if report.Running {
		t.Error("report running = true before Start")
	}
	if report.LastError != "claim timed out" {
		t.Errorf("report last error = %q", report.LastError)
	}
}

func TestManagerStopReleasesClaimedRecord(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	slow := &fakeProvider{
		name:   "root",
		traits: provider.Traits{Timeout: 30 * time.Second, Retryable: false, Idempotent: true},
		fn: func(ctx context.Context, _ provider.Input) (provider.Output, error) {
			once.Do(func() { close(release) })
			<-ctx.Done()
			return provider.Output{}, ctx.Err()
		},
	}

	cfg := testsupport.NewConfig(t, testsupport.WithPhases(retryablePhase("root", "root")))
	h := newHarness(t, cfg, slow)

	ctx := context.Background()
	record := testsupport.NewRecord(t, h.store, map[string]any{"product_url": "https://example.com/p/13"})

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-release:
	case <-time.After(10 * time.Second):
		t.Fatal("provider never invoked")
	}
	h.manager.Stop()

	updated, err := h.store.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != queue.StatusPending {
		t.Fatalf("record status after shutdown = %s, want pending", updated.Status)
	}
}
