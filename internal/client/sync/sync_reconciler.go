package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/siasync/siasync/internal/utils"
)

// Reconciler compares the remote listing with the record store and queues
// the transfers that bring both sides together.
type Reconciler struct {
	engine *Engine
}

func NewReconciler(engine *Engine) *Reconciler {
	return &Reconciler{engine: engine}
}

// ReconcileResult summarizes one pass.
type ReconcileResult struct {
	Remote    int
	Pending   int
	Changed   int
	Submitted int
}

// Reconcile runs one pass. A daemon error aborts the pass before any record is touched.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	e := r.engine
	start := e.clock.Now()

	res, err := r.reconcile(ctx)
	took := e.clock.Since(start)
	if err != nil {
		e.metrics.pass(resultFailed, took)
		return nil, err
	}
	e.metrics.pass(resultOK, took)

	if res.Changed > 0 || res.Submitted > 0 {
		slog.Info("reconcile", "remote", res.Remote, "pending", res.Pending, "changed", res.Changed, "submitted", res.Submitted, "took", took.Round(time.Millisecond))
	} else {
		slog.Debug("reconcile", "remote", res.Remote, "pending", res.Pending, "took", took)
	}
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context) (*ReconcileResult, error) {
	e := r.engine

	files, err := e.daemon.Files(ctx, e.cfg.RemotePrefix)
	if err != nil {
		return nil, err
	}

	// versions still being written by another client are left alone this round
	pending := mapset.NewThreadUnsafeSet[string]()
	var available []*RemoteFile
	for _, f := range files {
		rf, err := RemoteFromListing(e.cfg.RemotePrefix, f)
		if err != nil {
			slog.Debug("reconcile skipped remote entry", "location", f.SiaPath, "error", err)
			continue
		}
		if e.shouldIgnore(rf.Name) {
			continue
		}
		if !rf.Complete() {
			pending.Add(rf.Name)
			continue
		}
		available = append(available, rf)
	}
	latest := latestByName(available)

	res := &ReconcileResult{Remote: len(latest), Pending: pending.Cardinality()}
	matched := mapset.NewThreadUnsafeSetWithSize[string](len(latest))

	for name, remote := range latest {
		matched.Add(name)
		if r.reconcileRemote(name, remote) {
			res.Changed++
		}
	}

	for _, rec := range e.store.All() {
		if matched.Contains(rec.Name) || pending.Contains(rec.Name) {
			continue
		}
		if r.reconcileOrphan(rec) {
			res.Changed++
		}
	}

	if err := e.store.Commit(); err != nil {
		return nil, err
	}

	// tasks deduplicate by name, so queued records whose task got lost are picked up again here
	for _, rec := range e.store.ByState(StateForUpload, StateForDownload, StateForCloudDelete, StateForLocalDelete) {
		if e.submit(rec) {
			res.Submitted++
		}
	}
	return res, nil
}

// reconcileRemote applies the rules for a name present remotely. It reports whether the store changed.
func (r *Reconciler) reconcileRemote(name string, remote *RemoteFile) bool {
	e := r.engine
	path := e.localPath(name)

	rec, err := e.store.Upsert(name, func(rec *SyncRecord, exists bool) error {
		if !exists {
			if utils.FileExists(path) {
				// the watcher turns it into a record once it settles
				return ErrNoChange
			}
			rec.State = StateForDownload
			setCloud(rec, remote)
			return nil
		}

		switch rec.State {
		case StateSynced:
			if rec.CloudLocation == remote.Location || !remote.CreatedAt.After(rec.LocalModifiedAt) {
				return ErrNoChange
			}
			rec.State = StateForDownload
			setCloud(rec, remote)

		case StateModified, StateConflict:
			if remote.CreatedAt.After(rec.SyncedModifiedAt) && remote.Location != rec.CloudLocation {
				slog.Warn("conflict", "name", name, "cloud", remote.CreatedAt, "local", rec.LocalModifiedAt, "synced", rec.SyncedModifiedAt)
				e.metrics.conflict()
				rec.State = StateForDownload
				setCloud(rec, remote)
			} else {
				rec.State = StateForUpload
			}

		case StateDeleted:
			rec.State = StateForCloudDelete
			setCloud(rec, remote)

		case StateUploadFailed:
			rec.State = StateForUpload

		case StateDownloadFailed:
			rec.State = StateForDownload
			setCloud(rec, remote)

		default:
			// queued or in flight
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNoChange) {
			slog.Error("reconcile", "name", name, "error", err)
		}
		return false
	}
	slog.Debug("reconcile remote", "name", name, "state", rec.State, "location", remote.Location)
	return true
}

// reconcileOrphan applies the rules for a record with no remote counterpart.
func (r *Reconciler) reconcileOrphan(rec *SyncRecord) bool {
	e := r.engine

	switch rec.State {
	case StateDeleted:
		if e.store.RemoveIf(rec.Name, func(cur *SyncRecord) bool { return cur.State == StateDeleted }) {
			slog.Debug("reconcile dropped record", "name", rec.Name)
			return true
		}
		return false
	case StateDownloadFailed:
		if rec.LocalPath == "" {
			return e.store.RemoveIf(rec.Name, func(cur *SyncRecord) bool { return cur.State == StateDownloadFailed })
		}
	}

	next, err := e.store.Transition(rec.Name, func(cur *SyncRecord) error {
		switch cur.State {
		case StateModified, StateConflict, StateUploadFailed:
			cur.State = StateForUpload
		case StateSynced, StateDownloadFailed:
			if cur.LocalPath == "" {
				return ErrNoChange
			}
			// the remote copy vanished
			cur.State = StateForLocalDelete
		default:
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		return false
	}
	slog.Debug("reconcile orphan", "name", rec.Name, "state", next.State)
	return true
}

func setCloud(rec *SyncRecord, remote *RemoteFile) {
	rec.CloudLocation = remote.Location
	rec.CloudSize = remote.Size
}
