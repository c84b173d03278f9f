package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/renter"
	"github.com/siasync/siasync/internal/siad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	restarts   atomic.Int32
	readyCalls atomic.Int32
	restartErr error
	readyErr   error
}

func (c *fakeController) Restart(ctx context.Context) error {
	c.restarts.Add(1)
	return c.restartErr
}

func (c *fakeController) WaitReady(ctx context.Context) error {
	return c.readyErr
}

func (c *fakeController) CheckReady(ctx context.Context) error {
	c.readyCalls.Add(1)
	return c.readyErr
}

var errUnreachable = &renter.ConnectivityError{Op: "files", Err: errors.New("connection refused")}

// flakyTask fails with err for the first n runs.
func flakyTask(n int32, err error) (Task, *atomic.Int32) {
	var runs atomic.Int32
	return NewTaskFunc("flaky", func(ctx context.Context) error {
		if runs.Add(1) <= n {
			return err
		}
		return nil
	}), &runs
}

func TestWithRecovery_RetriesUntilSuccess(t *testing.T) {
	task, runs := flakyTask(2, errors.New("boom"))
	err := WithRecovery(task, NewRetryCount(3)).Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, runs.Load())
}

func TestWithRecovery_GivesUp(t *testing.T) {
	boom := errors.New("boom")
	task, runs := flakyTask(10, boom)
	err := WithRecovery(task, NewRetryCount(2)).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 3, runs.Load())
}

func TestDaemonRecovery_IgnoresOtherErrors(t *testing.T) {
	ctrl := &fakeController{}
	recovery := NewDaemonRecovery(ctrl, time.Second, 3, clockwork.NewFakeClock(), nil)

	apiErr := &renter.APIError{StatusCode: 500, Message: "nope"}
	task, runs := flakyTask(1, apiErr)
	err := WithRecovery(task, recovery).Run(context.Background())
	assert.ErrorIs(t, err, apiErr)
	assert.EqualValues(t, 1, runs.Load())
	assert.Zero(t, ctrl.restarts.Load())
}

func TestDaemonRecovery_RestartsAndRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl := &fakeController{}
	recovery := NewDaemonRecovery(ctrl, 10*time.Second, 3, clock, NewMetrics())

	task, runs := flakyTask(1, errUnreachable)
	done := make(chan error, 1)
	go func() {
		done <- WithRecovery(task, recovery).Run(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 1, ctrl.restarts.Load())
	clock.Advance(10 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
	assert.EqualValues(t, 2, runs.Load())
	assert.EqualValues(t, 1, ctrl.readyCalls.Load())
	// a success clears the budget
	assert.Zero(t, recovery.Restarts())
}

func TestDaemonRecovery_BoundedRestarts(t *testing.T) {
	ctrl := &fakeController{readyErr: errors.New("wallet locked")}
	recovery := NewDaemonRecovery(ctrl, 0, 1, clockwork.NewRealClock(), nil)

	task, runs := flakyTask(100, errUnreachable)
	err := WithRecovery(task, recovery).Run(context.Background())
	require.Error(t, err)
	assert.True(t, renter.IsConnectivityError(err))
	assert.EqualValues(t, 1, runs.Load())
	assert.EqualValues(t, 1, ctrl.restarts.Load())

	// the budget is spent, no further restarts until something succeeds
	task, _ = flakyTask(100, errUnreachable)
	require.Error(t, WithRecovery(task, recovery).Run(context.Background()))
	assert.EqualValues(t, 1, ctrl.restarts.Load())
}

func TestDaemonRecovery_NoBinaryStillWaitsForReadiness(t *testing.T) {
	ctrl := &fakeController{restartErr: errors.New("no daemon binary configured")}
	recovery := NewDaemonRecovery(ctrl, 0, 2, clockwork.NewRealClock(), nil)

	task, runs := flakyTask(1, errUnreachable)
	require.NoError(t, WithRecovery(task, recovery).Run(context.Background()))
	assert.EqualValues(t, 2, runs.Load())
	assert.EqualValues(t, 1, ctrl.readyCalls.Load())
}

// unreachableAPI is a daemon status API that never answers.
type unreachableAPI struct{}

func (unreachableAPI) Wallet(ctx context.Context) (*renter.WalletInfo, error) {
	return nil, errUnreachable
}

func (unreachableAPI) Consensus(ctx context.Context) (*renter.ConsensusInfo, error) {
	return nil, errUnreachable
}

func (unreachableAPI) Contracts(ctx context.Context) ([]renter.Contract, error) {
	return nil, errUnreachable
}

func TestDaemonRecovery_DaemonStaysDown(t *testing.T) {
	readiness := siad.NewReadiness(unreachableAPI{}, 1, 10*time.Millisecond, nil)
	recovery := NewDaemonRecovery(siad.NewSupervisor(nil, readiness), 0, 1, clockwork.NewRealClock(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	task, runs := flakyTask(1000, errUnreachable)
	start := time.Now()
	err := WithRecovery(task, recovery).Run(ctx)

	require.Error(t, err)
	assert.True(t, renter.IsConnectivityError(err))
	assert.NoError(t, ctx.Err(), "recovery must give up before the context ends")
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, runs.Load())
	assert.Equal(t, 1, recovery.Restarts())
}

func TestDaemonRecovery_ConcurrentFailuresDoNotWedge(t *testing.T) {
	readiness := siad.NewReadiness(unreachableAPI{}, 1, 10*time.Millisecond, nil)
	recovery := NewDaemonRecovery(siad.NewSupervisor(nil, readiness), 0, 2, clockwork.NewRealClock(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		task, _ := flakyTask(1000, errUnreachable)
		go func() {
			done <- WithRecovery(task, recovery).Run(ctx)
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("workers blocked behind daemon recovery")
		}
	}
	assert.LessOrEqual(t, recovery.Restarts(), 2)
}

func TestWithRecovery_LocalTasksKeepBudget(t *testing.T) {
	ctrl := &fakeController{}
	recovery := NewDaemonRecovery(ctrl, 0, 1, clockwork.NewRealClock(), nil)

	sweep := NewLocalTaskFunc("watcher-sweep", func(ctx context.Context) error { return nil })
	assert.Same(t, sweep, WithRecovery(sweep, recovery))

	for i := 0; i < 5; i++ {
		task, _ := flakyTask(100, errUnreachable)
		require.Error(t, WithRecovery(task, recovery).Run(context.Background()))
		require.NoError(t, WithRecovery(sweep, recovery).Run(context.Background()))
	}
	assert.EqualValues(t, 1, ctrl.restarts.Load())

	// a daemon task that gets through refills it
	task, _ := flakyTask(0, errUnreachable)
	require.NoError(t, WithRecovery(task, recovery).Run(context.Background()))
	assert.Zero(t, recovery.Restarts())
}
