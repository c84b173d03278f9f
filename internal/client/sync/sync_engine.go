package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/renter"
	"github.com/siasync/siasync/internal/utils"
)

// Daemon is the part of the renter API the engine drives.
type Daemon interface {
	Files(ctx context.Context, prefix string) ([]renter.File, error)
	Downloads(ctx context.Context) ([]renter.Download, error)
	Upload(ctx context.Context, params *renter.UploadParams) error
	Download(ctx context.Context, siaPath, destination string) error
	Delete(ctx context.Context, siaPath string) error
}

// TaskSubmitter accepts one-off tasks. Submit reports false when a task
// with the same name is already queued or running.
type TaskSubmitter interface {
	Submit(task Task, priority Priority) bool
}

type EngineConfig struct {
	SyncDir      string
	StagingDir   string
	RemotePrefix string
	User         string
	DataPieces   int
	ParityPieces int
}

// Engine owns the sync state machine: it turns local changes and remote
// listings into record transitions and transfer tasks.
type Engine struct {
	cfg        *EngineConfig
	store      *RecordStore
	daemon     Daemon
	ignore     *SyncIgnoreList
	digests    *digester
	resolver   *ConflictResolver
	selfWrites SelfWriteFilter
	submitter  TaskSubmitter
	metrics    *Metrics
	clock      clockwork.Clock

	// names with a daemon upload call in progress; their records do not yet
	// name the location being uploaded
	uploads mapset.Set[string]
}

type EngineOption func(*Engine)

func WithEngineClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

func NewEngine(cfg *EngineConfig, store *RecordStore, daemon Daemon, ignore *SyncIgnoreList, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		daemon:  daemon,
		ignore:  ignore,
		digests: newDigester(),
		clock:   clockwork.NewRealClock(),
		uploads: mapset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = NewConflictResolver(cfg.User, e.clock, e.digests, nil)
	return e
}

// SetSelfWriteFilter registers the filter told about engine writes.
func (e *Engine) SetSelfWriteFilter(f SelfWriteFilter) {
	e.selfWrites = f
	e.resolver.selfWrites = f
}

func (e *Engine) SetSubmitter(s TaskSubmitter) {
	e.submitter = s
}

func (e *Engine) Store() *RecordStore {
	return e.store
}

func (e *Engine) localPath(name string) string {
	return filepath.Join(e.cfg.SyncDir, filepath.FromSlash(name))
}

func (e *Engine) nameOf(path string) (string, error) {
	return utils.RelSlash(e.cfg.SyncDir, path)
}

func (e *Engine) ignoreWrite(path string) {
	if e.selfWrites != nil {
		e.selfWrites.IgnoreOnce(path)
	}
}

func (e *Engine) shouldIgnore(name string) bool {
	return e.ignore != nil && e.ignore.ShouldIgnore(name)
}

// taskFor returns the transfer task matching a queued state.
func (e *Engine) taskFor(rec *SyncRecord) (Task, Priority) {
	switch rec.State {
	case StateForUpload:
		return &UploadTask{engine: e, name: rec.Name}, PriorityUpload
	case StateForDownload:
		return &DownloadTask{engine: e, name: rec.Name}, PriorityDownload
	case StateForCloudDelete:
		return &DeleteRemoteTask{engine: e, name: rec.Name}, PriorityDelete
	case StateForLocalDelete:
		return &DeleteLocalTask{engine: e, name: rec.Name}, PriorityDelete
	}
	return nil, 0
}

// submit schedules the task for a queued record. It reports whether a new task was enqueued.
func (e *Engine) submit(rec *SyncRecord) bool {
	task, prio := e.taskFor(rec)
	if task == nil || e.submitter == nil {
		return false
	}
	return e.submitter.Submit(task, prio)
}

// claim moves name from one state to another and commits. A record that is
// gone or no longer in the expected state makes the caller's task a no-op.
func (e *Engine) claim(op, name string, from SyncState, fn func(r *SyncRecord)) (*SyncRecord, bool, error) {
	rec, err := e.store.Transition(name, func(r *SyncRecord) error {
		if err := expectState(from)(r); err != nil {
			return err
		}
		if fn != nil {
			fn(r)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrRecordNotFound):
		slog.Debug(op+" skipped", "name", name, "reason", "record removed")
		return nil, false, nil
	case errors.Is(err, ErrStaleTask):
		slog.Debug(op+" skipped", "name", name, "state", rec.State, "expected", from)
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}

	if err := e.store.Commit(); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// move transitions name from one state to another and commits, logging when the record moved on.
func (e *Engine) move(name string, from, to SyncState, fn func(r *SyncRecord)) error {
	_, err := e.store.Transition(name, func(r *SyncRecord) error {
		if err := expectState(from)(r); err != nil {
			return err
		}
		r.State = to
		if fn != nil {
			fn(r)
		}
		return nil
	})
	if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrStaleTask) {
		slog.Debug("sync record moved on", "name", name, "wanted", from, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}
	return e.store.Commit()
}

// fail records a non-connectivity failure.
func (e *Engine) fail(op, name string, from, to SyncState, cause error) {
	slog.Warn(op+" failed", "name", name, "error", cause)
	e.metrics.transfer(op, resultFailed)
	err := e.move(name, from, to, func(r *SyncRecord) {
		if r.StagingPath != "" {
			removeStaging(r.StagingPath)
			r.StagingPath = ""
		}
	})
	if err != nil {
		slog.Error(op+" record failure", "name", name, "error", err)
	}
}

// revert puts a claimed record back into its queued state so the task can be retried.
func (e *Engine) revert(op, name string, from, to SyncState, cause error) error {
	slog.Warn(op+" interrupted", "name", name, "error", cause)
	e.metrics.transfer(op, resultRetry)
	if err := e.move(name, from, to, func(r *SyncRecord) {
		if r.StagingPath != "" {
			removeStaging(r.StagingPath)
			r.StagingPath = ""
		}
	}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Resume re-enqueues work interrupted by a shutdown. In-flight transfers are
// not trusted across restarts and are queued again from scratch.
func (e *Engine) Resume() (int, error) {
	for _, rec := range e.store.ByState(StateUploading) {
		_, err := e.store.Transition(rec.Name, func(r *SyncRecord) error {
			r.State = StateForUpload
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	for _, rec := range e.store.ByState(StateDownloading) {
		_, err := e.store.Transition(rec.Name, func(r *SyncRecord) error {
			removeStaging(r.StagingPath)
			r.StagingPath = ""
			r.State = StateForDownload
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	if err := e.store.Commit(); err != nil {
		return 0, err
	}

	resumed := 0
	for _, rec := range e.store.ByState(StateForUpload, StateForDownload, StateForLocalDelete, StateForCloudDelete) {
		if e.submit(rec) {
			resumed++
		}
	}
	if resumed > 0 {
		slog.Info("resumed pending transfers", "count", resumed)
	}
	return resumed, nil
}

// StagingPaths lists staging files still referenced by records.
func (e *Engine) StagingPaths() map[string]struct{} {
	keep := make(map[string]struct{})
	for _, rec := range e.store.ByState(StateDownloading, StateDownloadFailed) {
		if rec.StagingPath != "" {
			keep[rec.StagingPath] = struct{}{}
		}
	}
	return keep
}

// PromoteModified records a settled local change at path.
func (e *Engine) PromoteModified(path string) {
	name, err := e.nameOf(path)
	if err != nil || e.shouldIgnore(name) {
		return
	}

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.PromoteDeleted(path)
			return
		}
		slog.Warn("promote modified", "path", path, "error", err)
		return
	}
	if fi.IsDir() {
		e.promoteDir(path)
		return
	}

	info, err := e.digests.inspect(path)
	if err != nil {
		slog.Warn("promote modified", "path", path, "error", err)
		return
	}
	if info == nil {
		e.PromoteDeleted(path)
		return
	}

	rec, err := e.store.Upsert(name, func(r *SyncRecord, exists bool) error {
		if !exists {
			r.State = StateModified
			r.setLocal(info)
			return nil
		}

		same := unchanged(r, info)
		switch r.State {
		case StateForDownload, StateDownloading, StateForUpload:
			// the pending transfer reads the file from disk when it runs
			return ErrNoChange
		case StateDeleted:
			if same && r.CloudLocation != "" {
				r.State = StateSynced
				r.setLocal(info)
				return nil
			}
		case StateForCloudDelete:
			// recreated while the remote delete is queued
		default:
			if same {
				return ErrNoChange
			}
		}
		r.State = StateModified
		r.setLocal(info)
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		slog.Debug("local change dropped", "name", name, "reason", "content unchanged or transfer pending")
		return
	}
	if err != nil {
		slog.Error("promote modified", "name", name, "error", err)
		return
	}
	if err := e.store.Commit(); err != nil {
		slog.Error("promote modified commit", "name", name, "error", err)
		return
	}
	slog.Info("local change", "name", name, "state", rec.State, "size", info.Size)
}

func (e *Engine) promoteDir(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && e.shouldIgnoreDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			e.PromoteModified(path)
		}
		return nil
	})
	if err != nil {
		slog.Warn("promote dir", "path", dir, "error", err)
	}
}

func (e *Engine) shouldIgnoreDir(path string) bool {
	name, err := e.nameOf(path)
	if err != nil {
		return true
	}
	return e.shouldIgnore(name) || e.shouldIgnore(name+"/")
}

// PromoteDeleted records a local deletion at path, or of every file under it
// when path was a directory.
func (e *Engine) PromoteDeleted(path string) {
	name, err := e.nameOf(path)
	if err != nil || e.shouldIgnore(name) {
		return
	}

	names := []string{name}
	if _, ok := e.store.Get(name); !ok {
		names = names[:0]
		for _, rec := range e.store.All() {
			if strings.HasPrefix(rec.Name, name+"/") {
				names = append(names, rec.Name)
			}
		}
	}

	changed := 0
	for _, n := range names {
		_, err := e.store.Transition(n, func(r *SyncRecord) error {
			switch r.State {
			case StateForDownload, StateDownloading, StateForLocalDelete, StateDeleted, StateForCloudDelete:
				return ErrNoChange
			}
			if r.LocalPath == "" {
				return ErrNoChange
			}
			if utils.FileExists(e.localPath(r.Name)) {
				return ErrNoChange
			}
			// the digest stays so a restored file is recognised
			r.State = StateDeleted
			r.LocalPath = ""
			return nil
		})
		if err == nil {
			changed++
			slog.Info("local delete", "name", n)
		}
	}

	if changed > 0 {
		if err := e.store.Commit(); err != nil {
			slog.Error("promote deleted commit", "name", name, "error", err)
		}
	}
}

// Rescan compares the sync dir with the store after downtime. Files that
// differ from their record are handed to track, vanished files are marked deleted.
func (e *Engine) Rescan(track func(path string)) error {
	err := filepath.WalkDir(e.cfg.SyncDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("rescan", "path", path, "error", err)
			return nil
		}
		if path == e.cfg.SyncDir {
			return nil
		}
		if d.IsDir() {
			if e.shouldIgnoreDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		name, err := e.nameOf(path)
		if err != nil || e.shouldIgnore(name) {
			return nil
		}

		info, err := e.digests.stat(path)
		if err != nil || info == nil {
			return nil
		}
		rec, ok := e.store.Get(name)
		if !ok || rec.LocalSize != info.Size || !rec.LocalModifiedAt.Equal(info.ModifiedAt) {
			track(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rescan %s: %w", e.cfg.SyncDir, err)
	}

	for _, rec := range e.store.ByState(StateSynced, StateModified, StateConflict, StateUploadFailed) {
		if rec.LocalPath != "" && !utils.FileExists(e.localPath(rec.Name)) {
			e.PromoteDeleted(e.localPath(rec.Name))
		}
	}
	return nil
}
