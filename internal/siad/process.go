// Package siad controls the local storage daemon process and checks its readiness.
package siad

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

var (
	ErrAlreadyRunning = errors.New("siad: process already running")
	ErrNotRunning     = errors.New("siad: process not running")
	ErrNoBinary       = errors.New("siad: daemon binary not configured")
)

const stopGracePeriod = 10 * time.Second

type ProcessConfig struct {
	Binary   string // Binary is the path to the daemon executable
	DataDir  string // DataDir is passed as --sia-directory
	APIAddr  string // APIAddr is passed as --api-addr
	Password string // Password is exported as SIA_API_PASSWORD
	Stdout   io.Writer
	Stderr   io.Writer
}

// Process owns one daemon subprocess.
type Process struct {
	config *ProcessConfig

	cmd  *exec.Cmd
	info *process.Process
	done chan struct{}
	mu   sync.Mutex
}

func NewProcess(config *ProcessConfig) *Process {
	return &Process{config: config}
}

func (p *Process) args() []string {
	args := []string{}
	if p.config.APIAddr != "" {
		args = append(args, "--api-addr", p.config.APIAddr)
	}
	if p.config.DataDir != "" {
		args = append(args, "--sia-directory", p.config.DataDir)
	}
	return args
}

// Start launches the daemon. It fails if a daemon started by this Process is still alive.
func (p *Process) Start() error {
	if p.config.Binary == "" {
		return ErrNoBinary
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runningLocked() {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(p.config.Binary, p.args()...)
	cmd.SysProcAttr = getSysProcAttr()
	cmd.Env = os.Environ()
	if p.config.Password != "" {
		cmd.Env = append(cmd.Env, "SIA_API_PASSWORD="+p.config.Password)
	}
	cmd.Stdin = nil
	cmd.Stdout = p.config.Stdout
	cmd.Stderr = p.config.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("siad: start %s: %w", p.config.Binary, err)
	}

	info, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("siad: process info: %w", err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		slog.Debug("siad exited", "pid", cmd.Process.Pid, "code", cmd.ProcessState.ExitCode(), "error", err)
		close(done)
	}()

	p.cmd = cmd
	p.info = info
	p.done = done

	slog.Info("siad started", "pid", cmd.Process.Pid, "binary", p.config.Binary)
	return nil
}

// Stop terminates the daemon. When this Process did not start it, any process
// running the configured binary is terminated instead.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runningLocked() {
		err := terminate([]*process.Process{p.info}, p.done)
		p.cmd, p.info, p.done = nil, nil, nil
		return err
	}

	procs, err := p.findExternal()
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		return ErrNotRunning
	}
	slog.Info("siad stopping external daemon", "count", len(procs))
	return terminate(procs, nil)
}

// Restart stops whatever daemon is running and starts a fresh one.
func (p *Process) Restart() error {
	if err := p.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		slog.Warn("siad stop before restart", "error", err)
	}
	return p.Start()
}

func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.runningLocked() {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) runningLocked() bool {
	if p.cmd == nil || p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// findExternal looks up processes whose executable matches the configured binary.
func (p *Process) findExternal() ([]*process.Process, error) {
	if p.config.Binary == "" {
		return nil, nil
	}
	want := filepath.Base(p.config.Binary)

	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("siad: list processes: %w", err)
	}

	var matched []*process.Process
	for _, proc := range procs {
		if int(proc.Pid) == os.Getpid() {
			continue
		}
		name, err := proc.Name()
		if err != nil {
			continue
		}
		if name == want {
			matched = append(matched, proc)
		}
	}
	return matched, nil
}

// terminate sends SIGTERM, waits for the grace period, then kills survivors.
func terminate(procs []*process.Process, done <-chan struct{}) error {
	var errs []error
	for _, proc := range procs {
		if err := proc.Terminate(); err != nil {
			slog.Debug("siad terminate", "pid", proc.Pid, "error", err)
		}
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if done != nil {
			select {
			case <-done:
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		} else {
			time.Sleep(100 * time.Millisecond)
		}
		if !anyAlive(procs) {
			return nil
		}
	}

	for _, proc := range procs {
		if exists, err := process.PidExists(proc.Pid); err != nil || !exists {
			continue
		}
		if err := proc.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("siad: kill %d: %w", proc.Pid, err))
		}
	}
	if done != nil {
		<-done
	}
	return errors.Join(errs...)
}

func anyAlive(procs []*process.Process) bool {
	for _, proc := range procs {
		running, err := proc.IsRunning()
		if err == nil && running {
			return true
		}
	}
	return false
}
