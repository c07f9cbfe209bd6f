package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"conveyor/internal/breaker"
	"conveyor/internal/bus"
	"conveyor/internal/cache"
	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/notifications"
	"conveyor/internal/queue"
	"conveyor/internal/state"
	"conveyor/internal/workflow"
)

// Daemon coordinates background processing and enforces single-instance
// execution via a file lock.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	runs     *state.Store
	workflow *workflow.Manager
	breakers *breaker.Manager
	cache    *cache.Layer
	events   *bus.Bus
	relay    *notifications.Relay

	lockPath string
	lock     *flock.Flock
	logPath  string

	// shutdown tears down the hosting process; set by the run command.
	shutdown context.CancelFunc

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information for the CLI.
type Status struct {
	Running       bool
	PID           int
	QueueDBPath   string
	StateDBPath   string
	LockFilePath  string
	QueueStats    map[queue.Status]int
	LastError     string
	CacheDegraded bool
	EventsDropped int64
	Breakers      []breaker.Snapshot
}

// New constructs a daemon around already-initialized components.
func New(cfg *config.Config, store *queue.Store, runs *state.Store, wf *workflow.Manager, breakers *breaker.Manager, cacheLayer *cache.Layer, events *bus.Bus, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || runs == nil || wf == nil {
		return nil, errors.New("daemon requires config, stores, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "conveyor.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		runs:     runs,
		workflow: wf,
		breakers: breakers,
		cache:    cacheLayer,
		events:   events,
		relay:    notifications.NewRelay(events, notifications.NewService(cfg), logger),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		logPath:  filepath.Join(cfg.Paths.LogDir, "conveyor.log"),
	}, nil
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// SetShutdown registers the function a remote stop request invokes to end
// the hosting process.
func (d *Daemon) SetShutdown(fn context.CancelFunc) {
	d.shutdown = fn
}

// Start acquires the instance lock and launches the workflow manager.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.relay.Start(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		d.relay.Stop()
		cancel()
		d.cancel = nil
		return fmt.Errorf("start workflow: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("conveyor daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop halts background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	d.relay.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("conveyor daemon stopped")
}

// Shutdown stops processing and asks the hosting process to exit.
func (d *Daemon) Shutdown() {
	d.Stop()
	if d.shutdown != nil {
		d.shutdown()
	}
}

// Close releases all resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.events != nil {
		d.events.Close()
	}
	var errs []error
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.runs != nil {
		if err := d.runs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddRecord enqueues a new work record with the given input fields.
func (d *Daemon) AddRecord(ctx context.Context, fields map[string]any) (*queue.Record, error) {
	if len(fields) == 0 {
		return nil, errors.New("at least one input field is required")
	}
	record, err := d.store.NewRecord(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("enqueue record: %w", err)
	}
	d.logger.Info("work record queued",
		logging.Int64(logging.FieldRecordID, record.ID),
		logging.String(logging.FieldEventType, "record_queued"))
	return record, nil
}

// ListQueue returns records filtered by optional statuses.
func (d *Daemon) ListQueue(ctx context.Context, statuses []queue.Status) ([]*queue.Record, error) {
	return d.store.RecordsByStatus(ctx, statuses...)
}

// GetRecord returns one record by id, or nil when absent.
func (d *Daemon) GetRecord(ctx context.Context, id int64) (*queue.Record, error) {
	return d.store.GetByID(ctx, id)
}

// PhaseResults returns per-phase progress for a record's current run.
func (d *Daemon) PhaseResults(ctx context.Context, recordID int64) (string, map[string]string, error) {
	record, err := d.store.GetByID(ctx, recordID)
	if err != nil {
		return "", nil, err
	}
	if record == nil {
		return "", nil, fmt.Errorf("record %d not found", recordID)
	}
	if record.RunID == "" {
		return "", nil, nil
	}
	results, err := d.runs.LoadResults(ctx, record.RunID)
	if err != nil {
		return "", nil, err
	}
	statuses := make(map[string]string, len(results))
	for id, result := range results {
		statuses[id] = string(result.Status)
	}
	return record.RunID, statuses, nil
}

// ClearQueue removes every record.
func (d *Daemon) ClearQueue(ctx context.Context) (int64, error) {
	return d.store.Clear(ctx)
}

// ClearCompleted removes only completed records.
func (d *Daemon) ClearCompleted(ctx context.Context) (int64, error) {
	return d.store.ClearCompleted(ctx)
}

// ClearFailed removes failed and review records.
func (d *Daemon) ClearFailed(ctx context.Context) (int64, error) {
	return d.store.ClearFailed(ctx)
}

// RetryFailed resets failed and review records (optionally a subset) back to
// pending.
func (d *Daemon) RetryFailed(ctx context.Context, ids []int64) (int64, error) {
	return d.store.RetryFailed(ctx, ids...)
}

// RemoveRecord deletes one record outright.
func (d *Daemon) RemoveRecord(ctx context.Context, id int64) (bool, error) {
	return d.store.Remove(ctx, id)
}

// QueueHealth returns aggregate queue diagnostics.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return d.store.Health(ctx)
}

// TestNotification sends a test push notification with the current
// configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	notifier := notifications.NewService(d.cfg)
	if err := notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns a snapshot of daemon and resilience state.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		QueueDBPath:  d.store.Path(),
		StateDBPath:  d.runs.Path(),
		LockFilePath: d.lockPath,
	}
	if stats, err := d.store.Stats(ctx); err == nil {
		status.QueueStats = stats
	}
	if reply, err := d.events.Request(ctx, workflow.StatusTopic, nil); err == nil {
		if report, ok := reply.(workflow.StatusReport); ok {
			status.LastError = report.LastError
		}
	}
	if d.cache != nil {
		status.CacheDegraded = d.cache.Degraded()
	}
	if d.events != nil {
		status.EventsDropped = d.events.Dropped()
	}
	if d.breakers != nil {
		status.Breakers = d.breakers.Snapshots()
	}
	return status
}
