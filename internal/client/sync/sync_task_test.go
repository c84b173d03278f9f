package sync

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/siasync/siasync/internal/renter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasks_StaleRecordIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.writeLocal(t, "foo.txt", "v1", 100)
	before := env.seed(t, "foo.txt", StateSynced, RemoteLocation(testPrefix, "foo.txt", unix(100)), 100, 100)

	tasks := []Task{
		&UploadTask{engine: env.engine, name: "foo.txt"},
		&DownloadTask{engine: env.engine, name: "foo.txt"},
		&DeleteRemoteTask{engine: env.engine, name: "foo.txt"},
		&DeleteLocalTask{engine: env.engine, name: "foo.txt"},
		&UploadTask{engine: env.engine, name: "missing.txt"},
		&DownloadTask{engine: env.engine, name: "missing.txt"},
	}
	for _, task := range tasks {
		require.NoError(t, task.Run(ctx), task.Name())
	}

	assert.Empty(t, env.daemon.Calls())
	after, ok := env.store.Get("foo.txt")
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.FileExists(t, env.path("foo.txt"))
}

func TestUploadTask_DeletedRecordMakesNoCall(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "foo.txt", "v1", 100)
	env.seed(t, "foo.txt", StateForUpload, "", 100, 0)

	// the user removes the file before the task runs
	require.NoError(t, os.Remove(env.path("foo.txt")))
	env.engine.PromoteDeleted(env.path("foo.txt"))
	require.Equal(t, StateDeleted, env.state(t, "foo.txt"))

	task := &UploadTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(context.Background()))
	assert.Empty(t, env.daemon.Calls())
	assert.Equal(t, StateDeleted, env.state(t, "foo.txt"))
}

func TestUploadTask_BumpsTimestampPastCloud(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "foo.txt", "edited", 100)
	env.seed(t, "foo.txt", StateForUpload, RemoteLocation(testPrefix, "foo.txt", unix(200)), 100, 200)

	task := &UploadTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(context.Background()))

	rec, ok := env.store.Get("foo.txt")
	require.True(t, ok)
	assert.Equal(t, StateUploading, rec.State)
	assert.Equal(t, RemoteLocation(testPrefix, "foo.txt", unix(201)), rec.CloudLocation)
	assert.EqualValues(t, 201, modTime(t, env.path("foo.txt")))
	assert.EqualValues(t, 201, rec.LocalModifiedAt.Unix())
	assert.Contains(t, env.writes.paths, env.path("foo.txt"))
}

func TestUploadTask_RetriesThenFails(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "foo.txt", "v1", 100)
	env.seed(t, "foo.txt", StateForUpload, "", 100, 0)
	env.daemon.uploadErr = &renter.APIError{StatusCode: 500, Message: "not enough hosts"}

	task := &UploadTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(context.Background()))

	loc := RemoteLocation(testPrefix, "foo.txt", unix(100))
	assert.Equal(t, []string{
		"upload:" + loc, "delete:" + loc,
		"upload:" + loc, "delete:" + loc,
		"upload:" + loc, "delete:" + loc,
	}, env.daemon.Calls())
	assert.Equal(t, StateUploadFailed, env.state(t, "foo.txt"))
}

func TestUploadTask_ConnectivityErrorPropagates(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "foo.txt", "v1", 100)
	env.seed(t, "foo.txt", StateForUpload, "", 100, 0)
	env.daemon.uploadErr = &renter.ConnectivityError{Op: "upload", Err: errors.New("connection refused")}

	task := &UploadTask{engine: env.engine, name: "foo.txt"}
	err := task.Run(context.Background())
	require.Error(t, err)
	assert.True(t, renter.IsConnectivityError(err))
	assert.Equal(t, StateForUpload, env.state(t, "foo.txt"))
}

func TestUploadTask_EditDuringUploadStaysModified(t *testing.T) {
	env := newTestEnv(t)
	env.daemon.slowUploads = true
	env.writeLocal(t, "foo.txt", "v1", 100)
	env.seed(t, "foo.txt", StateForUpload, "", 100, 0)

	task := &UploadTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(context.Background()))
	require.Equal(t, StateUploading, env.state(t, "foo.txt"))

	env.writeLocal(t, "foo.txt", "v2", 150)
	env.engine.PromoteModified(env.path("foo.txt"))
	require.Equal(t, StateModified, env.state(t, "foo.txt"))

	env.daemon.markUploaded(RemoteLocation(testPrefix, "foo.txt", unix(100)))
	require.NoError(t, env.monitor.PollUploads(context.Background()))
	assert.Equal(t, StateModified, env.state(t, "foo.txt"))
}

func TestPollUploads_WaitsForUploadCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v1 := env.daemon.addRemote("foo.txt", 100, "v1")
	env.writeLocal(t, "foo.txt", "v2", 200)
	env.seed(t, "foo.txt", StateForUpload, v1, 200, 100)

	// the monitor runs on another worker while the daemon accepts the upload
	var during SyncState
	env.engine.daemon = &hookedDaemon{fakeDaemon: env.daemon, beforeUpload: func() {
		require.NoError(t, env.monitor.PollUploads(ctx))
		during = env.state(t, "foo.txt")
	}}

	task := &UploadTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(ctx))
	assert.Equal(t, StateUploading, during)

	v2 := RemoteLocation(testPrefix, "foo.txt", unix(200))
	rec, ok := env.store.Get("foo.txt")
	require.True(t, ok)
	assert.Equal(t, StateUploading, rec.State)
	assert.Equal(t, v2, rec.CloudLocation)

	require.NoError(t, env.monitor.PollUploads(ctx))
	rec, ok = env.store.Get("foo.txt")
	require.True(t, ok)
	assert.Equal(t, StateSynced, rec.State)
	assert.Equal(t, v2, rec.CloudLocation)
	assert.EqualValues(t, 200, rec.SyncedModifiedAt.Unix())
	assert.Equal(t, []string{v2}, env.daemon.locations())
}

func TestSettleUpload_LocationChanged(t *testing.T) {
	env := newTestEnv(t)
	v1 := env.daemon.addRemote("foo.txt", 100, "v1")
	env.writeLocal(t, "foo.txt", "v2", 200)
	seen := env.seed(t, "foo.txt", StateUploading, v1, 200, 100)

	// the upload task wrote its bookkeeping after the listing was taken
	v2 := RemoteLocation(testPrefix, "foo.txt", unix(200))
	_, err := env.store.Transition("foo.txt", func(r *SyncRecord) error {
		r.CloudLocation = v2
		return nil
	})
	require.NoError(t, err)

	moved, err := env.monitor.settleUpload(seen, StateSynced, nil)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, StateUploading, env.state(t, "foo.txt"))
}

func TestDownloadTask_APIErrorMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	loc := env.daemon.addRemote("foo.txt", 100, "v1")
	env.seed(t, "foo.txt", StateForDownload, loc, 0, 0)
	env.daemon.downloadErr = &renter.APIError{StatusCode: 500, Message: "download failed"}

	task := &DownloadTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(context.Background()))

	rec, ok := env.store.Get("foo.txt")
	require.True(t, ok)
	assert.Equal(t, StateDownloadFailed, rec.State)
	assert.Empty(t, rec.StagingPath)
}

func TestDownloadTask_ConnectivityErrorReverts(t *testing.T) {
	env := newTestEnv(t)
	loc := env.daemon.addRemote("foo.txt", 100, "v1")
	env.seed(t, "foo.txt", StateForDownload, loc, 0, 0)
	env.daemon.downloadErr = &renter.ConnectivityError{Op: "download", Err: errors.New("eof")}

	task := &DownloadTask{engine: env.engine, name: "foo.txt"}
	require.Error(t, task.Run(context.Background()))

	rec, ok := env.store.Get("foo.txt")
	require.True(t, ok)
	assert.Equal(t, StateForDownload, rec.State)
	assert.Empty(t, rec.StagingPath)
}

func TestPollDownloads_FailedDownload(t *testing.T) {
	env := newTestEnv(t)
	loc := env.daemon.addRemote("foo.txt", 100, "v1")
	env.seed(t, "foo.txt", StateForDownload, loc, 0, 0)

	task := &DownloadTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(context.Background()))

	env.daemon.mu.Lock()
	env.daemon.downloads[0].Completed = false
	env.daemon.downloads[0].Error = "host timeout"
	env.daemon.mu.Unlock()

	require.NoError(t, env.monitor.PollDownloads(context.Background()))
	rec, ok := env.store.Get("foo.txt")
	require.True(t, ok)
	assert.Equal(t, StateDownloadFailed, rec.State)
	assert.Empty(t, rec.StagingPath)
	assert.NoFileExists(t, env.path("foo.txt"))
}

func TestDeleteLocalTask_KeepsEditedFile(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "foo.txt", "v1", 100)
	env.seed(t, "foo.txt", StateForLocalDelete, RemoteLocation(testPrefix, "foo.txt", unix(100)), 100, 100)
	env.writeLocal(t, "foo.txt", "edited", 150)

	task := &DeleteLocalTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, StateModified, env.state(t, "foo.txt"))
	assert.Equal(t, "edited", readFile(t, env.path("foo.txt")))
}

func TestDeleteRemoteTask_APIErrorReverts(t *testing.T) {
	env := newTestEnv(t)
	loc := env.daemon.addRemote("foo.txt", 100, "v1")
	env.seed(t, "foo.txt", StateForCloudDelete, loc, 0, 100)
	env.daemon.deleteErr = &renter.APIError{StatusCode: 500, Message: "busy"}

	task := &DeleteRemoteTask{engine: env.engine, name: "foo.txt"}
	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, StateDeleted, env.state(t, "foo.txt"))
}

func TestPromoteModified_TouchIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "foo.txt", "v1", 100)
	env.seed(t, "foo.txt", StateSynced, RemoteLocation(testPrefix, "foo.txt", unix(100)), 100, 100)

	require.NoError(t, os.Chtimes(env.path("foo.txt"), unix(500), unix(500)))
	env.engine.PromoteModified(env.path("foo.txt"))
	assert.Equal(t, StateSynced, env.state(t, "foo.txt"))

	env.writeLocal(t, "foo.txt", "v2", 600)
	env.engine.PromoteModified(env.path("foo.txt"))
	rec, ok := env.store.Get("foo.txt")
	require.True(t, ok)
	assert.Equal(t, StateModified, rec.State)
	assert.EqualValues(t, 600, rec.LocalModifiedAt.Unix())
}

func TestPromoteModified_RestoresDeletedFile(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "foo.txt", "v1", 100)
	env.seed(t, "foo.txt", StateSynced, RemoteLocation(testPrefix, "foo.txt", unix(100)), 100, 100)

	data := readFile(t, env.path("foo.txt"))
	require.NoError(t, os.Remove(env.path("foo.txt")))
	env.engine.PromoteDeleted(env.path("foo.txt"))
	require.Equal(t, StateDeleted, env.state(t, "foo.txt"))

	env.writeLocal(t, "foo.txt", data, 100)
	env.engine.PromoteModified(env.path("foo.txt"))
	assert.Equal(t, StateSynced, env.state(t, "foo.txt"))
}

func TestPromoteDeleted_Directory(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "dir/a.txt", "a", 100)
	env.writeLocal(t, "dir/b.txt", "b", 100)
	env.seed(t, "dir/a.txt", StateSynced, RemoteLocation(testPrefix, "dir/a.txt", unix(100)), 100, 100)
	env.seed(t, "dir/b.txt", StateModified, "", 100, 0)

	require.NoError(t, os.RemoveAll(env.path("dir")))
	env.engine.PromoteDeleted(env.path("dir"))

	assert.Equal(t, StateDeleted, env.state(t, "dir/a.txt"))
	assert.Equal(t, StateDeleted, env.state(t, "dir/b.txt"))
}

func TestResume_RequeuesInterruptedTransfers(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "up.txt", "u", 100)
	env.seed(t, "up.txt", StateForUpload, "", 100, 0)
	loc := env.daemon.addRemote("down.txt", 100, "d")
	env.seed(t, "down.txt", StateForDownload, loc, 0, 0)

	require.NoError(t, (&DownloadTask{engine: env.engine, name: "down.txt"}).Run(context.Background()))
	rec, _ := env.store.Get("down.txt")
	require.Equal(t, StateDownloading, rec.State)
	require.FileExists(t, rec.StagingPath)

	resumed, err := env.engine.Resume()
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)
	assert.Equal(t, StateForDownload, env.state(t, "down.txt"))
	assert.NoFileExists(t, rec.StagingPath)
	assert.ElementsMatch(t, []string{"upload:up.txt", "download:down.txt"}, env.sub.Names())
}

func TestRescan_TracksChangedFiles(t *testing.T) {
	env := newTestEnv(t)
	env.writeLocal(t, "same.txt", "s", 100)
	env.seed(t, "same.txt", StateSynced, RemoteLocation(testPrefix, "same.txt", unix(100)), 100, 100)
	env.writeLocal(t, "changed.txt", "c", 100)
	env.seed(t, "changed.txt", StateSynced, RemoteLocation(testPrefix, "changed.txt", unix(100)), 100, 100)
	env.writeLocal(t, "changed.txt", "changed", 200)
	env.writeLocal(t, "new.txt", "n", 100)
	env.writeLocal(t, ".DS_Store", "junk", 100)
	env.writeLocal(t, "vanished.txt", "v", 100)
	env.seed(t, "vanished.txt", StateSynced, RemoteLocation(testPrefix, "vanished.txt", unix(100)), 100, 100)
	require.NoError(t, os.Remove(env.path("vanished.txt")))

	var tracked []string
	require.NoError(t, env.engine.Rescan(func(path string) {
		tracked = append(tracked, path)
	}))

	assert.ElementsMatch(t, []string{env.path("changed.txt"), env.path("new.txt")}, tracked)
	assert.Equal(t, StateDeleted, env.state(t, "vanished.txt"))
	assert.Equal(t, StateSynced, env.state(t, "same.txt"))
}
