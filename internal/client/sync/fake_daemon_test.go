package sync

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/renter"
	"github.com/siasync/siasync/internal/utils"
	"github.com/stretchr/testify/require"
)

const testPrefix = "siasync/test"

// fakeDaemon keeps remote files in memory. Uploads and downloads complete instantly.
type fakeDaemon struct {
	mu        gosync.Mutex
	files     map[string]renter.File
	content   map[string][]byte
	downloads []renter.Download
	calls     []string

	filesErr    error
	uploadErr   error
	downloadErr error
	deleteErr   error
	// uploads stay incomplete until markUploaded
	slowUploads bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		files:   make(map[string]renter.File),
		content: make(map[string][]byte),
	}
}

func (d *fakeDaemon) addRemote(name string, created int64, data string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	location := RemoteLocation(testPrefix, name, time.Unix(created, 0))
	d.files[location] = renter.File{
		SiaPath:        location,
		FileSize:       int64(len(data)),
		Available:      true,
		UploadProgress: 100,
	}
	d.content[location] = []byte(data)
	return location
}

func (d *fakeDaemon) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *fakeDaemon) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDaemon) locations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for loc := range d.files {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

func (d *fakeDaemon) Files(ctx context.Context, prefix string) ([]renter.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("files")
	if d.filesErr != nil {
		return nil, d.filesErr
	}
	var out []renter.File
	for _, f := range d.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiaPath < out[j].SiaPath })
	return out, nil
}

func (d *fakeDaemon) Downloads(ctx context.Context) ([]renter.Download, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("downloads")
	return append([]renter.Download(nil), d.downloads...), nil
}

func (d *fakeDaemon) Upload(ctx context.Context, params *renter.UploadParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("upload:" + params.SiaPath)
	if d.uploadErr != nil {
		return d.uploadErr
	}
	data, err := os.ReadFile(params.Source)
	if err != nil {
		return &renter.APIError{StatusCode: 400, Message: err.Error()}
	}
	f := renter.File{
		SiaPath:        params.SiaPath,
		FileSize:       int64(len(data)),
		Available:      true,
		UploadProgress: 100,
	}
	if d.slowUploads {
		f.Available = false
		f.UploadProgress = 10
	}
	d.files[params.SiaPath] = f
	d.content[params.SiaPath] = data
	return nil
}

func (d *fakeDaemon) markUploaded(location string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.files[location]
	f.Available = true
	f.UploadProgress = 100
	d.files[location] = f
}

func (d *fakeDaemon) Download(ctx context.Context, siaPath, destination string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("download:" + siaPath)
	if d.downloadErr != nil {
		return d.downloadErr
	}
	data, ok := d.content[siaPath]
	if !ok {
		return &renter.APIError{StatusCode: 404, Message: "no file known"}
	}
	if err := os.WriteFile(destination, data, 0o644); err != nil {
		return err
	}
	d.downloads = append(d.downloads, renter.Download{
		SiaPath:     siaPath,
		Destination: destination,
		FileSize:    int64(len(data)),
		Received:    int64(len(data)),
		Completed:   true,
	})
	return nil
}

func (d *fakeDaemon) Delete(ctx context.Context, siaPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("delete:" + siaPath)
	if d.deleteErr != nil {
		return d.deleteErr
	}
	if _, ok := d.files[siaPath]; !ok {
		return &renter.APIError{StatusCode: 400, Message: "no file known with that path"}
	}
	delete(d.files, siaPath)
	delete(d.content, siaPath)
	return nil
}

// hookedDaemon runs beforeUpload while an upload call is in progress.
type hookedDaemon struct {
	*fakeDaemon
	beforeUpload func()
}

func (d *hookedDaemon) Upload(ctx context.Context, params *renter.UploadParams) error {
	if d.beforeUpload != nil {
		d.beforeUpload()
	}
	return d.fakeDaemon.Upload(ctx, params)
}

// fakeSubmitter queues tasks until drained, deduplicating by name like the Scheduler.
type fakeSubmitter struct {
	mu    gosync.Mutex
	tasks []Task
	names map[string]bool
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{names: make(map[string]bool)}
}

func (s *fakeSubmitter) Submit(task Task, priority Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names[task.Name()] {
		return false
	}
	s.names[task.Name()] = true
	s.tasks = append(s.tasks, task)
	return true
}

func (s *fakeSubmitter) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.tasks {
		out = append(out, t.Name())
	}
	return out
}

// drain runs queued tasks, including tasks they submit, and returns their errors.
func (s *fakeSubmitter) drain(ctx context.Context) []error {
	var errs []error
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return errs
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		delete(s.names, task.Name())
		s.mu.Unlock()

		if err := task.Run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
}

type recordingWriteFilter struct {
	mu    gosync.Mutex
	paths []string
}

func (f *recordingWriteFilter) IgnoreOnce(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
}

type testEnv struct {
	syncDir    string
	stagingDir string
	clock      *clockwork.FakeClock
	store      *RecordStore
	daemon     *fakeDaemon
	sub        *fakeSubmitter
	writes     *recordingWriteFilter
	engine     *Engine
	reconciler *Reconciler
	monitor    *TransferMonitor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	syncDir := filepath.Join(root, "sync")
	stagingDir := filepath.Join(root, "data", "staging")
	require.NoError(t, os.MkdirAll(syncDir, 0o755))
	require.NoError(t, os.MkdirAll(stagingDir, 0o755))

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := NewRecordStore(filepath.Join(root, "data", "siasync.db"), WithStoreClock(clock))
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	daemon := newFakeDaemon()
	engine := NewEngine(&EngineConfig{
		SyncDir:      syncDir,
		StagingDir:   stagingDir,
		RemotePrefix: testPrefix,
		User:         "alice",
		DataPieces:   10,
		ParityPieces: 20,
	}, store, daemon, NewSyncIgnoreList(syncDir), WithEngineClock(clock))

	sub := newFakeSubmitter()
	writes := &recordingWriteFilter{}
	engine.SetSubmitter(sub)
	engine.SetSelfWriteFilter(writes)

	return &testEnv{
		syncDir:    syncDir,
		stagingDir: stagingDir,
		clock:      clock,
		store:      store,
		daemon:     daemon,
		sub:        sub,
		writes:     writes,
		engine:     engine,
		reconciler: NewReconciler(engine),
		monitor:    NewTransferMonitor(engine),
	}
}

func (e *testEnv) path(name string) string {
	return filepath.Join(e.syncDir, filepath.FromSlash(name))
}

// writeLocal writes a file in the sync dir with the given unix mtime.
func (e *testEnv) writeLocal(t *testing.T, name, data string, mtime int64) string {
	t.Helper()
	path := e.path(name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	require.NoError(t, utils.SetModTime(path, time.Unix(mtime, 0)))
	return path
}

// seed stores a record as if it had been synced before.
func (e *testEnv) seed(t *testing.T, name string, state SyncState, location string, localAt, syncedAt int64) *SyncRecord {
	t.Helper()
	path := e.path(name)
	rec, err := e.store.Upsert(name, func(r *SyncRecord, _ bool) error {
		r.State = state
		r.CloudLocation = location
		r.SyncedModifiedAt = time.Unix(syncedAt, 0)
		if utils.FileExists(path) {
			digest, err := utils.FileDigest(path)
			if err != nil {
				return err
			}
			fi, err := os.Stat(path)
			if err != nil {
				return err
			}
			r.LocalPath = path
			r.LocalSize = fi.Size()
			r.LocalDigest = digest
			r.LocalModifiedAt = time.Unix(localAt, 0)
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, e.store.Commit())
	return rec
}

func (e *testEnv) state(t *testing.T, name string) SyncState {
	t.Helper()
	rec, ok := e.store.Get(name)
	if !ok {
		return ""
	}
	return rec.State
}

func (e *testEnv) reconcile(t *testing.T) *ReconcileResult {
	t.Helper()
	res, err := e.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	return res
}

// settle runs queued tasks and polls transfers until nothing is left in flight.
func (e *testEnv) settle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.Empty(t, e.sub.drain(ctx))
		require.NoError(t, e.monitor.PollUploads(ctx))
		require.NoError(t, e.monitor.PollDownloads(ctx))
		if len(e.sub.Names()) == 0 {
			return
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func modTime(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.ModTime().Unix()
}

func unix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
