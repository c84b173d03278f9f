package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/siasync/siasync/internal/renter"
	"github.com/siasync/siasync/internal/utils"
)

const (
	opUpload          = "upload"
	maxUploadAttempts = 3
)

// UploadTask uploads one FOR_UPLOAD record.
type UploadTask struct {
	engine *Engine
	name   string
}

func (t *UploadTask) Name() string {
	return opUpload + ":" + t.name
}

func (t *UploadTask) Run(ctx context.Context) error {
	e := t.engine

	e.uploads.Add(t.name)
	defer e.uploads.Remove(t.name)

	rec, ok, err := e.claim(opUpload, t.name, StateForUpload, func(r *SyncRecord) {
		r.State = StateUploading
	})
	if err != nil || !ok {
		return err
	}

	path := e.localPath(t.name)
	info, err := e.digests.inspect(path)
	if err != nil {
		e.fail(opUpload, t.name, StateUploading, StateUploadFailed, err)
		return nil
	}
	if info == nil {
		slog.Info("upload skipped", "name", t.name, "reason", "local file gone")
		return e.move(t.name, StateUploading, StateDeleted, func(r *SyncRecord) {
			r.LocalPath = ""
		})
	}

	// remote locations are versioned by second, the new one must sort after the current one
	createdAt := info.ModifiedAt
	if cloudAt := rec.CloudCreatedAt(); !cloudAt.IsZero() && !createdAt.After(cloudAt) {
		createdAt = cloudAt.Add(time.Second)
		e.ignoreWrite(path)
		if err := utils.SetModTime(path, createdAt); err != nil {
			e.fail(opUpload, t.name, StateUploading, StateUploadFailed, err)
			return nil
		}
		info.ModifiedAt = createdAt
	}

	location := RemoteLocation(e.cfg.RemotePrefix, t.name, createdAt)
	params := &renter.UploadParams{
		SiaPath:      location,
		Source:       path,
		DataPieces:   e.cfg.DataPieces,
		ParityPieces: e.cfg.ParityPieces,
	}

	var uploadErr error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		uploadErr = e.daemon.Upload(ctx, params)
		if uploadErr == nil {
			break
		}
		if renter.IsConnectivityError(uploadErr) {
			return e.revert(opUpload, t.name, StateUploading, StateForUpload, uploadErr)
		}
		slog.Warn("upload attempt failed", "name", t.name, "attempt", attempt, "error", uploadErr)

		// clear whatever the daemon kept of the failed attempt
		if err := e.daemon.Delete(ctx, location); err != nil && !renter.IsNotFound(err) {
			if renter.IsConnectivityError(err) {
				return e.revert(opUpload, t.name, StateUploading, StateForUpload, err)
			}
			slog.Debug("upload cleanup", "name", t.name, "error", err)
		}
	}
	if uploadErr != nil {
		e.fail(opUpload, t.name, StateUploading, StateUploadFailed, uploadErr)
		return nil
	}

	_, err = e.store.Transition(t.name, func(r *SyncRecord) error {
		switch r.State {
		case StateUploading:
			r.setLocal(info)
		case StateModified, StateDeleted:
			// changed locally while uploading; keep the newer intent but remember what was sent
		default:
			return ErrStaleTask
		}
		r.CloudLocation = location
		r.CloudSize = info.Size
		r.SyncedModifiedAt = createdAt
		return nil
	})
	if err != nil {
		slog.Warn("upload bookkeeping", "name", t.name, "error", err)
	}
	if err := e.store.Commit(); err != nil {
		return err
	}

	slog.Info("upload started", "name", t.name, "size", humanize.Bytes(uint64(info.Size)), "location", location)
	return nil
}
