package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siasync/siasync/internal/client/config"
	"github.com/siasync/siasync/internal/client/sync"
	"github.com/siasync/siasync/internal/client/workspace"
	"github.com/siasync/siasync/internal/renter"
	"github.com/siasync/siasync/internal/siad"
	"github.com/siasync/siasync/internal/utils"
)

const (
	shutdownTimeout    = 10 * time.Second
	daemonRetryCount   = 2
	daemonRetryBackoff = time.Second
	controlTokenLength = 24
)

// Client runs the sync manager against one daemon, plus the optional control plane.
type Client struct {
	config    *config.Config
	workspace *workspace.Workspace
	store     *sync.RecordStore
	renter    *renter.Client
	proc      *siad.Process
	daemon    *siad.Supervisor
	sync      *sync.SyncManager
	control   *ControlPlaneServer
}

// New wires the client from a validated config. Nothing is started and no
// directory is touched until Start.
func New(cfg *config.Config) (*Client, error) {
	ws, err := workspace.NewWorkspace(cfg.SyncDir, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	api, err := renter.New(&renter.Config{
		Address:       cfg.Daemon.Addr,
		Password:      cfg.Daemon.Password,
		RetryCount:    daemonRetryCount,
		RetryInterval: daemonRetryBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon client: %w", err)
	}

	proc := siad.NewProcess(&siad.ProcessConfig{
		Binary:   cfg.Daemon.Binary,
		DataDir:  cfg.Daemon.DataDir,
		APIAddr:  cfg.Daemon.Addr,
		Password: cfg.Daemon.Password,
		Stdout:   io.Discard,
		Stderr:   os.Stderr,
	})
	readiness := siad.NewReadiness(api, cfg.Daemon.MinContracts, siad.DefaultPollInterval, nil)
	supervisor := siad.NewSupervisor(proc, readiness)

	store := sync.NewRecordStore(cfg.StorePath())

	var statusOut io.Writer
	if cfg.StatusStream {
		statusOut = os.Stdout
	}

	mgr, err := sync.NewManager(&sync.ManagerConfig{
		RemotePrefix:         cfg.RemotePrefix(),
		User:                 cfg.User,
		DataPieces:           cfg.DataPieces,
		ParityPieces:         cfg.ParityPieces,
		Workers:              cfg.Workers,
		ReconcileInterval:    cfg.ReconcileInterval,
		TransferPollInterval: cfg.TransferPollInterval,
		StatusInterval:       cfg.StatusInterval,
		DebounceWindow:       cfg.DebounceWindow,
		RestartWait:          cfg.Daemon.RestartWait,
		MaxRestarts:          cfg.Daemon.MaxRestarts,
		StatusOut:            statusOut,
	}, ws, store, api, supervisor)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync manager: %w", err)
	}

	var control *ControlPlaneServer
	if cfg.ControlPlane.Enabled {
		if cfg.ControlPlane.Token == "" {
			if cfg.ControlPlane.Token, err = utils.RandToken(controlTokenLength); err != nil {
				return nil, fmt.Errorf("failed to generate control plane token: %w", err)
			}
		}
		control, err = NewControlPlaneServer(cfg.ControlPlane.Addr, cfg.ControlPlane.Token, mgr)
		if err != nil {
			return nil, fmt.Errorf("failed to create control plane: %w", err)
		}
	}

	return &Client{
		config:    cfg,
		workspace: ws,
		store:     store,
		renter:    api,
		proc:      proc,
		daemon:    supervisor,
		sync:      mgr,
		control:   control,
	}, nil
}

// Start runs until ctx is done or a component fails, then shuts everything down.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("siasync client start",
		"sync", c.config.SyncDir,
		"data", c.config.DataDir,
		"daemon", c.renter.BaseURL(),
		"prefix", c.config.RemotePrefix(),
	)

	if err := c.workspace.Setup(); err != nil {
		return fmt.Errorf("failed to setup workspace: %w", err)
	}
	defer func() {
		if err := c.workspace.Unlock(); err != nil {
			slog.Warn("workspace unlock", "error", err)
		}
	}()

	if err := c.store.Open(); err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer c.store.Close()
	defer c.renter.Close()

	c.startDaemon()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		// a shutdown while waiting for the daemon is not a failure
		if err := c.sync.Start(egCtx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("failed to start sync manager: %w", err)
		}
		return nil
	})

	if c.control != nil {
		eg.Go(func() error {
			return c.control.Start(egCtx)
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return c.control.Stop(shutdownCtx)
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("received interrupt signal, stopping client")
		return nil
	})

	err := eg.Wait()

	c.sync.Stop()
	if err := c.daemon.Stop(); err != nil {
		slog.Warn("daemon stop", "error", err)
	}
	slog.Info("siasync client stop")
	return err
}

// ControlPlaneToken is the bearer token for the control plane, empty when it is disabled.
func (c *Client) ControlPlaneToken() string {
	if c.control == nil {
		return ""
	}
	return c.config.ControlPlane.Token
}

// startDaemon launches the configured daemon binary. An already running daemon
// or no binary at all is fine, readiness is checked by the sync manager.
func (c *Client) startDaemon() {
	if c.config.Daemon.Binary == "" {
		slog.Info("daemon binary not configured, expecting an external daemon", "addr", c.config.Daemon.Addr)
		return
	}
	if err := c.proc.Start(); err != nil && !errors.Is(err, siad.ErrAlreadyRunning) {
		slog.Warn("daemon start", "error", err)
	}
}
