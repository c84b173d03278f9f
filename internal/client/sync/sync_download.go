package sync

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/siasync/siasync/internal/renter"
	"github.com/siasync/siasync/internal/utils"
)

const opDownload = "download"

// DownloadTask starts the download of one FOR_DOWNLOAD record into a staging
// file. TransferMonitor finalizes it once the daemon reports completion.
type DownloadTask struct {
	engine *Engine
	name   string
}

func (t *DownloadTask) Name() string {
	return opDownload + ":" + t.name
}

func (t *DownloadTask) Run(ctx context.Context) error {
	e := t.engine

	staging := filepath.Join(e.cfg.StagingDir, uuid.NewString())
	rec, ok, err := e.claim(opDownload, t.name, StateForDownload, func(r *SyncRecord) {
		r.State = StateDownloading
		r.StagingPath = staging
	})
	if err != nil || !ok {
		return err
	}

	if rec.CloudLocation == "" {
		e.fail(opDownload, t.name, StateDownloading, StateDownloadFailed, errors.New("no cloud location"))
		return nil
	}
	if err := utils.EnsureDir(e.cfg.StagingDir); err != nil {
		e.fail(opDownload, t.name, StateDownloading, StateDownloadFailed, err)
		return nil
	}

	err = e.daemon.Download(ctx, rec.CloudLocation, staging)
	if renter.IsConnectivityError(err) {
		return e.revert(opDownload, t.name, StateDownloading, StateForDownload, err)
	}
	if err != nil {
		e.fail(opDownload, t.name, StateDownloading, StateDownloadFailed, err)
		return nil
	}

	slog.Info("download started", "name", t.name, "size", humanize.Bytes(uint64(max(rec.CloudSize, 0))), "location", rec.CloudLocation)
	return nil
}

// finalizeDownload runs the conflict resolver on a completed download and records the outcome.
func (e *Engine) finalizeDownload(rec *SyncRecord, remote *RemoteFile) {
	out, err := e.resolver.Finalize(rec, e.localPath(rec.Name))
	if err != nil {
		e.fail(opDownload, rec.Name, StateDownloading, StateDownloadFailed, err)
		return
	}

	err = e.move(rec.Name, StateDownloading, out.State, func(r *SyncRecord) {
		r.StagingPath = ""
		r.setLocal(out.Local)
		r.SyncedModifiedAt = out.SyncedModifiedAt
		if remote != nil {
			r.CloudSize = remote.Size
		}
	})
	if err != nil {
		slog.Error("download finalize", "name", rec.Name, "error", err)
		return
	}

	e.metrics.transfer(opDownload, resultOK)
	if out.ConflictCopy != "" {
		e.metrics.conflict()
	}
	slog.Info("download complete", "name", rec.Name, "state", out.State, "resolution", out.Resolution)
}
