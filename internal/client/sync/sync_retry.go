package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/renter"
)

// RecoveryStrategy decides whether a failed task is retried. Recover may
// block while it repairs the cause of err.
type RecoveryStrategy interface {
	Recover(ctx context.Context, err error) bool
}

// resetter is implemented by strategies that keep state across failures.
type resetter interface {
	Reset()
}

type recoverableTask struct {
	task     Task
	strategy RecoveryStrategy
}

// WithRecovery wraps task so that failures go through strategy before giving up.
// Local tasks are returned as is: their outcome says nothing about the
// daemon and must not refill a restart budget.
func WithRecovery(task Task, strategy RecoveryStrategy) Task {
	if strategy == nil || isLocal(task) {
		return task
	}
	return &recoverableTask{task: task, strategy: strategy}
}

func (t *recoverableTask) Name() string {
	return t.task.Name()
}

func (t *recoverableTask) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := t.task.Run(ctx)
		if err == nil {
			if r, ok := t.strategy.(resetter); ok {
				r.Reset()
			}
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !t.strategy.Recover(ctx, err) {
			slog.Error("task gave up", "task", t.task.Name(), "attempts", attempt, "error", err)
			return err
		}
		slog.Info("task retry", "task", t.task.Name(), "attempt", attempt+1)
	}
}

// localTask is implemented by tasks that never talk to the daemon.
type localTask interface {
	Local() bool
}

func isLocal(task Task) bool {
	lt, ok := task.(localTask)
	return ok && lt.Local()
}

// DaemonController restarts the storage daemon and reports whether it is usable.
// WaitReady blocks until ready, CheckReady asks once.
type DaemonController interface {
	Restart(ctx context.Context) error
	WaitReady(ctx context.Context) error
	CheckReady(ctx context.Context) error
}

// DaemonRecovery recovers from connectivity errors by restarting the daemon.
// Concurrent failures share one restart, and at most maxRestarts restarts
// happen until a retried task succeeds again.
type DaemonRecovery struct {
	daemon      DaemonController
	wait        time.Duration
	maxRestarts int
	clock       clockwork.Clock
	metrics     *Metrics

	mu            gosync.Mutex
	restarts      int
	lastRecovered time.Time
}

func NewDaemonRecovery(daemon DaemonController, wait time.Duration, maxRestarts int, clock clockwork.Clock, metrics *Metrics) *DaemonRecovery {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DaemonRecovery{
		daemon:      daemon,
		wait:        wait,
		maxRestarts: maxRestarts,
		clock:       clock,
		metrics:     metrics,
	}
}

func (r *DaemonRecovery) Recover(ctx context.Context, err error) bool {
	if !renter.IsConnectivityError(err) {
		return false
	}
	failedAt := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	// another worker brought the daemon back while this one waited for the lock
	if r.lastRecovered.After(failedAt) {
		return true
	}
	if r.restarts >= r.maxRestarts {
		slog.Error("daemon recovery exhausted", "restarts", r.restarts, "error", err)
		r.metrics.restart(resultFailed)
		return false
	}
	r.restarts++

	slog.Warn("daemon unreachable, restarting", "attempt", r.restarts, "max", r.maxRestarts, "error", err)
	if rerr := r.daemon.Restart(ctx); rerr != nil {
		// still worth waiting, the daemon may be restarted by someone else
		slog.Warn("daemon restart", "error", rerr)
	}

	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(r.wait):
	}

	// one check only, a daemon still down after the wait counts as a failed restart
	if werr := r.daemon.CheckReady(ctx); werr != nil {
		slog.Error("daemon not ready after restart", "error", werr)
		r.metrics.restart(resultFailed)
		return false
	}

	r.lastRecovered = r.clock.Now()
	r.metrics.restart(resultOK)
	slog.Info("daemon recovered", "attempt", r.restarts)
	return true
}

// Reset clears the restart budget. It is called after a daemon task succeeds.
func (r *DaemonRecovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.restarts > 0 {
		slog.Debug("daemon recovery reset", "restarts", r.restarts)
	}
	r.restarts = 0
}

// Restarts returns the restarts since the last Reset.
func (r *DaemonRecovery) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// RetryCount is a RecoveryStrategy that retries any error up to n times. It is
// meant for tests and for tasks that do not talk to the daemon.
type RetryCount struct {
	n     int
	tries int
	mu    gosync.Mutex
}

func NewRetryCount(n int) *RetryCount {
	return &RetryCount{n: n}
}

func (r *RetryCount) Recover(ctx context.Context, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tries >= r.n {
		return false
	}
	r.tries++
	return true
}
