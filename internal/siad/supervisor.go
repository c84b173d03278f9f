package siad

import (
	"context"
	"fmt"
	"log/slog"
)

// Supervisor pairs the daemon process with its readiness check.
// A nil process means the daemon is managed externally and cannot be restarted.
type Supervisor struct {
	proc      *Process
	readiness *Readiness
}

func NewSupervisor(proc *Process, readiness *Readiness) *Supervisor {
	return &Supervisor{
		proc:      proc,
		readiness: readiness,
	}
}

// Restart restarts the daemon process.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.proc == nil || s.proc.config.Binary == "" {
		slog.Warn("daemon restart requested but no binary configured")
		return ErrNoBinary
	}
	if err := s.proc.Restart(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	return nil
}

// WaitReady blocks until the daemon reports ready.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	return s.readiness.Wait(ctx)
}

// CheckReady runs a single readiness check.
func (s *Supervisor) CheckReady(ctx context.Context) error {
	return s.readiness.Check(ctx)
}

// Stop stops the daemon if this Supervisor started it.
func (s *Supervisor) Stop() error {
	if s.proc == nil || !s.proc.Running() {
		return nil
	}
	return s.proc.Stop()
}
