package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/client/workspace"
)

const (
	taskReconcile = "reconcile"
	taskTransfers = "transfer-monitor"
	taskStatus    = "status"
	taskSweep     = "watcher-sweep"
)

type ManagerConfig struct {
	RemotePrefix string
	User         string
	DataPieces   int
	ParityPieces int
	Workers      int

	ReconcileInterval    time.Duration
	TransferPollInterval time.Duration
	StatusInterval       time.Duration
	DebounceWindow       time.Duration

	RestartWait time.Duration
	MaxRestarts int

	// StatusOut receives the status stream, nil disables it.
	StatusOut io.Writer
}

// SyncManager wires the sync engine to its watcher, scheduler and periodic tasks.
type SyncManager struct {
	config     *ManagerConfig
	workspace  *workspace.Workspace
	controller DaemonController

	store      *RecordStore
	ignore     *SyncIgnoreList
	engine     *Engine
	watcher    *FileWatcher
	reconciler *Reconciler
	monitor    *TransferMonitor
	scheduler  *Scheduler
	recovery   *DaemonRecovery
	status     *StatusNotifier
	metrics    *Metrics
}

type ManagerOption func(*managerOptions)

type managerOptions struct {
	clock clockwork.Clock
}

func WithManagerClock(clock clockwork.Clock) ManagerOption {
	return func(o *managerOptions) {
		o.clock = clock
	}
}

// NewManager builds a manager over an opened store. controller may be nil when
// the daemon is managed elsewhere, connectivity errors are then not recovered.
func NewManager(config *ManagerConfig, ws *workspace.Workspace, store *RecordStore, daemon Daemon, controller DaemonController, opts ...ManagerOption) (*SyncManager, error) {
	if config.RemotePrefix == "" {
		return nil, fmt.Errorf("sync manager: remote prefix missing")
	}
	o := &managerOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(o)
	}

	metrics := NewMetrics()
	ignore := NewSyncIgnoreList(ws.SyncDir)
	engine := NewEngine(&EngineConfig{
		SyncDir:      ws.SyncDir,
		StagingDir:   ws.StagingDir,
		RemotePrefix: config.RemotePrefix,
		User:         config.User,
		DataPieces:   config.DataPieces,
		ParityPieces: config.ParityPieces,
	}, store, daemon, ignore, WithEngineClock(o.clock), WithMetrics(metrics))

	watcher := NewFileWatcher(ws.SyncDir, config.DebounceWindow, engine,
		WithWatcherClock(o.clock),
		WithWatcherFilter(ignore.ShouldIgnore),
	)
	engine.SetSelfWriteFilter(watcher)

	var recovery *DaemonRecovery
	if controller != nil {
		recovery = NewDaemonRecovery(controller, config.RestartWait, config.MaxRestarts, o.clock, metrics)
	}
	scheduler := NewScheduler(config.Workers,
		WithSchedulerClock(o.clock),
		WithTaskWrapper(func(t Task) Task {
			if recovery == nil {
				return t
			}
			return WithRecovery(t, recovery)
		}),
	)
	engine.SetSubmitter(scheduler)

	return &SyncManager{
		config:     config,
		workspace:  ws,
		controller: controller,
		store:      store,
		ignore:     ignore,
		engine:     engine,
		watcher:    watcher,
		reconciler: NewReconciler(engine),
		monitor:    NewTransferMonitor(engine),
		scheduler:  scheduler,
		recovery:   recovery,
		status:     NewStatusNotifier(config.StatusOut),
		metrics:    metrics,
	}, nil
}

func (m *SyncManager) Start(ctx context.Context) error {
	m.ignore.Load()
	m.status.Start()

	if m.controller != nil {
		slog.Info("waiting for daemon")
		if err := m.controller.WaitReady(ctx); err != nil {
			return fmt.Errorf("daemon not ready: %w", err)
		}
	}

	if _, err := m.engine.Resume(); err != nil {
		return fmt.Errorf("resume transfers: %w", err)
	}
	if err := m.workspace.CleanStaging(m.engine.StagingPaths()); err != nil {
		slog.Warn("clean staging", "error", err)
	}

	if err := m.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	if err := m.engine.Rescan(m.watcher.Track); err != nil {
		slog.Warn("startup rescan", "error", err)
	}

	m.scheduler.Start(ctx)
	m.scheduler.Every(m.config.DebounceWindow, NewLocalTaskFunc(taskSweep, m.watcher.Sweep))
	m.scheduler.Every(m.config.ReconcileInterval, NewTaskFunc(taskReconcile, func(ctx context.Context) error {
		_, err := m.reconciler.Reconcile(ctx)
		return err
	}))
	m.scheduler.Every(m.config.TransferPollInterval, NewTaskFunc(taskTransfers, m.pollTransfers))
	m.scheduler.Every(m.config.StatusInterval, NewLocalTaskFunc(taskStatus, m.pollStatus))

	slog.Info("sync manager start", "dir", m.workspace.SyncDir, "prefix", m.config.RemotePrefix, "records", m.store.Len())
	return nil
}

func (m *SyncManager) Stop() {
	m.watcher.Stop()
	m.scheduler.Stop()
	if err := m.store.Commit(); err != nil {
		slog.Error("sync manager commit", "error", err)
	}
	slog.Info("sync manager stop")
}

func (m *SyncManager) pollTransfers(ctx context.Context) error {
	if err := m.monitor.PollUploads(ctx); err != nil {
		return err
	}
	return m.monitor.PollDownloads(ctx)
}

func (m *SyncManager) pollStatus(_ context.Context) error {
	counts := m.store.Counts()
	pending := 0
	for state, n := range counts {
		if !state.IsTerminal() {
			pending += n
		}
	}
	m.status.Update(pending == 0, pending)
	m.metrics.setCounts(counts)
	return nil
}

// Reconcile runs a reconciliation pass outside the schedule.
func (m *SyncManager) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	return m.reconciler.Reconcile(ctx)
}

func (m *SyncManager) Store() *RecordStore {
	return m.store
}

func (m *SyncManager) Status() *StatusNotifier {
	return m.status
}

func (m *SyncManager) Metrics() *Metrics {
	return m.metrics
}

func (m *SyncManager) SyncDir() string {
	return m.workspace.SyncDir
}
