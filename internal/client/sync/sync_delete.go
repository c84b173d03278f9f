package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/siasync/siasync/internal/renter"
)

const (
	opDeleteRemote = "delete-remote"
	opDeleteLocal  = "delete-local"
)

// DeleteRemoteTask removes every remote version of a FOR_CLOUD_DELETE record.
type DeleteRemoteTask struct {
	engine *Engine
	name   string
}

func (t *DeleteRemoteTask) Name() string {
	return opDeleteRemote + ":" + t.name
}

func (t *DeleteRemoteTask) Run(ctx context.Context) error {
	e := t.engine

	rec, ok := e.store.Get(t.name)
	if !ok || rec.State != StateForCloudDelete {
		slog.Debug(opDeleteRemote+" skipped", "name", t.name, "state", stateOf(rec))
		return nil
	}

	files, err := e.daemon.Files(ctx, e.cfg.RemotePrefix)
	if renter.IsConnectivityError(err) {
		return err
	}
	if err != nil {
		return e.retryLater(t.name, err)
	}

	var errs []error
	deleted := 0
	for _, f := range files {
		rf, err := RemoteFromListing(e.cfg.RemotePrefix, f)
		if err != nil || rf.Name != t.name {
			continue
		}
		err = e.daemon.Delete(ctx, rf.Location)
		switch {
		case err == nil:
			deleted++
		case renter.IsNotFound(err):
		case renter.IsConnectivityError(err):
			return err
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return e.retryLater(t.name, errors.Join(errs...))
	}

	if e.store.RemoveIf(t.name, func(r *SyncRecord) bool { return r.State == StateForCloudDelete }) {
		if err := e.store.Commit(); err != nil {
			return err
		}
	} else {
		// recreated locally meanwhile; the versions are gone so the next upload starts fresh
		e.clearCloud(t.name)
	}

	e.metrics.transfer(opDeleteRemote, resultOK)
	slog.Info("remote delete", "name", t.name, "versions", deleted)
	return nil
}

// retryLater returns a FOR_CLOUD_DELETE record to DELETED so the next pass queues it again.
func (e *Engine) retryLater(name string, cause error) error {
	slog.Warn(opDeleteRemote+" failed", "name", name, "error", cause)
	e.metrics.transfer(opDeleteRemote, resultFailed)
	return e.move(name, StateForCloudDelete, StateDeleted, nil)
}

func (e *Engine) clearCloud(name string) {
	_, err := e.store.Transition(name, func(r *SyncRecord) error {
		if r.State == StateSynced {
			return ErrStaleTask
		}
		r.CloudLocation = ""
		r.CloudSize = 0
		return nil
	})
	if err == nil {
		if err := e.store.Commit(); err != nil {
			slog.Error("clear cloud location", "name", name, "error", err)
		}
	}
}

// DeleteLocalTask removes the local copy of a FOR_LOCAL_DELETE record whose
// remote counterpart disappeared. A file edited since the last sync is kept
// and queued for upload instead.
type DeleteLocalTask struct {
	engine *Engine
	name   string
}

func (t *DeleteLocalTask) Name() string {
	return opDeleteLocal + ":" + t.name
}

func (t *DeleteLocalTask) Run(ctx context.Context) error {
	e := t.engine

	rec, ok := e.store.Get(t.name)
	if !ok || rec.State != StateForLocalDelete {
		slog.Debug(opDeleteLocal+" skipped", "name", t.name, "state", stateOf(rec))
		return nil
	}

	path := e.localPath(t.name)
	info, err := e.digests.inspect(path)
	if err != nil {
		e.fail(opDeleteLocal, t.name, StateForLocalDelete, StateDownloadFailed, err)
		return nil
	}

	if info != nil && editedSinceSync(rec, info) {
		slog.Info("local delete skipped", "name", t.name, "reason", "edited since last sync")
		return e.move(t.name, StateForLocalDelete, StateModified, func(r *SyncRecord) {
			r.setLocal(info)
		})
	}

	if info != nil {
		e.ignoreWrite(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.fail(opDeleteLocal, t.name, StateForLocalDelete, StateDownloadFailed, err)
			return nil
		}
		removeEmptyParents(filepath.Dir(path), e.cfg.SyncDir)
	}

	if e.store.RemoveIf(t.name, func(r *SyncRecord) bool { return r.State == StateForLocalDelete }) {
		if err := e.store.Commit(); err != nil {
			return err
		}
	}

	e.metrics.transfer(opDeleteLocal, resultOK)
	slog.Info("local delete", "name", t.name)
	return nil
}

func editedSinceSync(rec *SyncRecord, info *localInfo) bool {
	if rec.LocalDigest != "" {
		return info.Digest != rec.LocalDigest
	}
	return info.ModifiedAt.After(rec.SyncedModifiedAt)
}

// removeEmptyParents removes empty directories from dir up to, not including, root.
func removeEmptyParents(dir, root string) {
	for dir != root && len(dir) > len(root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
