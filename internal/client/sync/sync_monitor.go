package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

// TransferMonitor follows the asynchronous transfers started by the upload
// and download tasks and settles their records once the daemon reports them done.
type TransferMonitor struct {
	engine *Engine
}

func NewTransferMonitor(engine *Engine) *TransferMonitor {
	return &TransferMonitor{engine: engine}
}

// PollUploads promotes UPLOADING records whose remote version is fully available.
func (m *TransferMonitor) PollUploads(ctx context.Context) error {
	e := m.engine

	uploading := e.store.ByState(StateUploading)
	if len(uploading) == 0 {
		return nil
	}

	files, err := e.daemon.Files(ctx, e.cfg.RemotePrefix)
	if err != nil {
		return err
	}
	byLocation := make(map[string]*RemoteFile, len(files))
	var remotes []*RemoteFile
	for _, f := range files {
		rf, err := RemoteFromListing(e.cfg.RemotePrefix, f)
		if err != nil {
			continue
		}
		byLocation[rf.Location] = rf
		remotes = append(remotes, rf)
	}

	for _, rec := range uploading {
		if rec.CloudLocation == "" {
			continue
		}
		if e.uploads.Contains(rec.Name) {
			continue
		}
		remote, ok := byLocation[rec.CloudLocation]
		if !ok {
			// the daemon lost the upload, start over
			moved, err := m.settleUpload(rec, StateForUpload, nil)
			if err != nil {
				return err
			}
			if moved {
				slog.Warn("upload vanished", "name", rec.Name, "location", rec.CloudLocation)
				if cur, ok := e.store.Get(rec.Name); ok && cur.State == StateForUpload {
					e.submit(cur)
				}
			}
			continue
		}
		if !remote.Complete() {
			slog.Debug("upload progress", "name", rec.Name, "progress", remote.Progress())
			continue
		}

		moved, err := m.settleUpload(rec, StateSynced, func(r *SyncRecord) {
			r.CloudSize = remote.Size
		})
		if err != nil {
			return err
		}
		if !moved {
			continue
		}
		e.metrics.transfer(opUpload, resultOK)
		slog.Info("upload complete", "name", rec.Name, "location", rec.CloudLocation)

		m.pruneVersions(ctx, rec.Name, remote, remotes)
	}
	return nil
}

// settleUpload moves an UPLOADING record to state if it still names the
// location seen in the listing and no upload call for it is in progress.
func (m *TransferMonitor) settleUpload(seen *SyncRecord, state SyncState, fn func(r *SyncRecord)) (bool, error) {
	e := m.engine
	_, err := e.store.Transition(seen.Name, func(r *SyncRecord) error {
		if r.State != StateUploading || r.CloudLocation != seen.CloudLocation || e.uploads.Contains(r.Name) {
			return ErrStaleTask
		}
		r.State = state
		if fn != nil {
			fn(r)
		}
		return nil
	})
	if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrStaleTask) {
		slog.Debug("upload moved on", "name", seen.Name, "location", seen.CloudLocation)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, e.store.Commit()
}

// pruneVersions deletes available remote versions older than keep. Failures are left for the next upload.
func (m *TransferMonitor) pruneVersions(ctx context.Context, name string, keep *RemoteFile, remotes []*RemoteFile) {
	for _, rf := range remotes {
		if rf.Name != name || rf.Location == keep.Location || !rf.Available || !rf.CreatedAt.Before(keep.CreatedAt) {
			continue
		}
		if err := m.engine.daemon.Delete(ctx, rf.Location); err != nil {
			slog.Debug("prune version", "name", name, "location", rf.Location, "error", err)
			continue
		}
		slog.Debug("pruned version", "name", name, "location", rf.Location)
	}
}

// PollDownloads finalizes DOWNLOADING records whose download finished.
func (m *TransferMonitor) PollDownloads(ctx context.Context) error {
	e := m.engine

	downloading := e.store.ByState(StateDownloading)
	if len(downloading) == 0 {
		return nil
	}

	downloads, err := e.daemon.Downloads(ctx)
	if err != nil {
		return err
	}
	byDest := make(map[string]*RemoteFile, len(downloads))
	for _, d := range downloads {
		rf, err := RemoteFromDownload(e.cfg.RemotePrefix, d)
		if err != nil {
			continue
		}
		// the queue keeps history, later entries win
		byDest[rf.Destination] = rf
	}

	for _, rec := range downloading {
		if rec.StagingPath == "" {
			continue
		}
		remote, ok := byDest[rec.StagingPath]
		switch {
		case !ok:
			m.missingDownload(rec)
		case remote.Location != rec.CloudLocation:
			slog.Warn("download location mismatch", "name", rec.Name, "want", rec.CloudLocation, "got", remote.Location)
			m.restartDownload(rec)
		case remote.Failed():
			e.fail(opDownload, rec.Name, StateDownloading, StateDownloadFailed, &downloadError{msg: remote.Err})
		case remote.Complete():
			e.finalizeDownload(rec, remote)
		default:
			slog.Debug("download progress", "name", rec.Name, "progress", remote.Progress())
		}
	}
	return nil
}

// missingDownload handles a record whose download the daemon no longer reports.
func (m *TransferMonitor) missingDownload(rec *SyncRecord) {
	fi, err := os.Stat(rec.StagingPath)
	if err == nil && rec.CloudSize > 0 && fi.Size() == rec.CloudSize {
		m.engine.finalizeDownload(rec, nil)
		return
	}
	slog.Warn("download vanished", "name", rec.Name, "staging", rec.StagingPath)
	m.restartDownload(rec)
}

func (m *TransferMonitor) restartDownload(rec *SyncRecord) {
	e := m.engine
	err := e.move(rec.Name, StateDownloading, StateForDownload, func(r *SyncRecord) {
		removeStaging(r.StagingPath)
		r.StagingPath = ""
	})
	if err != nil {
		slog.Error("restart download", "name", rec.Name, "error", err)
		return
	}
	if cur, ok := e.store.Get(rec.Name); ok && cur.State == StateForDownload {
		e.submit(cur)
	}
}

type downloadError struct {
	msg string
}

func (e *downloadError) Error() string {
	return "download: " + e.msg
}
