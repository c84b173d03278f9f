package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/siasync/siasync/internal/utils"
)

const (
	logsDir    = "logs"
	stagingDir = "staging"
	lockFile   = "siasync.lock"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the pair of directories a sync client owns: the user-visible
// sync dir and the private data dir holding the store, logs and staging files.
type Workspace struct {
	SyncDir    string
	DataDir    string
	StagingDir string
	LogsDir    string

	flock *flock.Flock
}

func NewWorkspace(syncDir, dataDir string) (*Workspace, error) {
	syncRoot, err := utils.ResolvePath(syncDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", syncDir, err)
	}
	dataRoot, err := utils.ResolvePath(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", dataDir, err)
	}

	return &Workspace{
		SyncDir:    syncRoot,
		DataDir:    dataRoot,
		StagingDir: filepath.Join(dataRoot, stagingDir),
		LogsDir:    filepath.Join(dataRoot, logsDir),
		flock:      flock.New(filepath.Join(dataRoot, lockFile)),
	}, nil
}

func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.DataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.DataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "sync", w.SyncDir, "data", w.DataDir)

	for _, dir := range []string{w.SyncDir, w.StagingDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// CleanStaging removes leftover staging files that are not in keep.
func (w *Workspace) CleanStaging(keep map[string]struct{}) error {
	entries, err := os.ReadDir(w.StagingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var errs []error
	for _, entry := range entries {
		path := filepath.Join(w.StagingDir, entry.Name())
		if _, ok := keep[path]; ok {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Debug("removed stale staging file", "path", path)
	}
	return errors.Join(errs...)
}

// RelPath returns the record name for an absolute path inside the sync dir.
func (w *Workspace) RelPath(absPath string) (string, error) {
	return utils.RelSlash(w.SyncDir, absPath)
}

// AbsPath returns the local path for a record name.
func (w *Workspace) AbsPath(name string) string {
	return filepath.Join(w.SyncDir, filepath.FromSlash(name))
}
