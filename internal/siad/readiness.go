package siad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/renter"
)

var ErrDaemonNotReady = errors.New("siad: daemon not ready")

const DefaultPollInterval = 5 * time.Second

// StatusAPI is the subset of the renter client used for readiness checks.
type StatusAPI interface {
	Wallet(ctx context.Context) (*renter.WalletInfo, error)
	Consensus(ctx context.Context) (*renter.ConsensusInfo, error)
	Contracts(ctx context.Context) ([]renter.Contract, error)
}

// Readiness checks that the daemon can serve renter operations.
type Readiness struct {
	api          StatusAPI
	minContracts int
	interval     time.Duration
	clock        clockwork.Clock
}

func NewReadiness(api StatusAPI, minContracts int, interval time.Duration, clock clockwork.Clock) *Readiness {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Readiness{
		api:          api,
		minContracts: minContracts,
		interval:     interval,
		clock:        clock,
	}
}

// Check returns nil when the wallet is unlocked, consensus is synced and
// enough contracts are formed. Otherwise it wraps ErrDaemonNotReady, or
// returns the transport error as is.
func (r *Readiness) Check(ctx context.Context) error {
	wallet, err := r.api.Wallet(ctx)
	if err != nil {
		return err
	}
	if !wallet.Unlocked {
		return fmt.Errorf("%w: wallet locked", ErrDaemonNotReady)
	}

	cs, err := r.api.Consensus(ctx)
	if err != nil {
		return err
	}
	if !cs.Synced {
		return fmt.Errorf("%w: consensus not synced (height %d)", ErrDaemonNotReady, cs.Height)
	}

	contracts, err := r.api.Contracts(ctx)
	if err != nil {
		return err
	}
	if len(contracts) < r.minContracts {
		return fmt.Errorf("%w: %d/%d contracts", ErrDaemonNotReady, len(contracts), r.minContracts)
	}

	return nil
}

// Wait polls Check until it succeeds or ctx is done. Connectivity failures
// are retried as well, since a freshly started daemon takes a while to listen.
func (r *Readiness) Wait(ctx context.Context) error {
	var lastErr error
	for {
		err := r.Check(ctx)
		if err == nil {
			return nil
		}
		if lastErr == nil || err.Error() != lastErr.Error() {
			slog.Info("waiting for daemon", "reason", err)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-r.clock.After(r.interval):
		}
	}
}
