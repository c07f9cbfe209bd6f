package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/config"
	"conveyor/internal/executor"
	"conveyor/internal/logging"
	"conveyor/internal/phase"
	"conveyor/internal/queue"
	"conveyor/internal/state"
)

// StatusTopic answers bus requests with a StatusReport.
const StatusTopic = "workflow_status"

// StatusReport describes the manager for status surfaces.
type StatusReport struct {
	Running   bool
	LastError string
}

// Manager coordinates work record processing over the phase graph.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	runs         *state.Store
	graph        *phase.Graph
	executor     *executor.Executor
	events       *bus.Bus
	logger       *slog.Logger
	pollInterval time.Duration
	concurrency  int

	heartbeat *HeartbeatMonitor

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a workflow manager and registers its status handler
// on the bus.
func NewManager(cfg *config.Config, store *queue.Store, runs *state.Store, graph *phase.Graph, exec *executor.Executor, events *bus.Bus, logger *slog.Logger) *Manager {
	concurrency := cfg.Workflow.MaxConcurrentPhases
	if concurrency <= 0 {
		concurrency = 1
	}
	m := &Manager{
		cfg:          cfg,
		store:        store,
		runs:         runs,
		graph:        graph,
		executor:     exec,
		events:       events,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		concurrency:  concurrency,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
	}
	events.Handle(StatusTopic, m.statusReport)
	return m
}

func (m *Manager) statusReport(context.Context, any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := StatusReport{Running: m.running}
	if m.lastErr != nil {
		report.LastError = m.lastErr.Error()
	}
	return report, nil
}

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runLoop(runCtx)
	return nil
}

// Stop terminates background processing and waits for the in-flight record
// to finish or the context passed to Start to take effect.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	if _, err := m.store.ReleaseProcessing(context.Background()); err != nil {
		m.logger.Warn("release processing records on shutdown failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "shutdown_release_failed"))
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
