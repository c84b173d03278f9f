package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Rules(t *testing.T) {
	tests := []struct {
		name    string
		in      ConflictInput
		want    Resolution
		rule    int
		digests bool
	}{
		{
			name: "local missing",
			in:   ConflictInput{CloudCreatedAt: unix(200), LastSyncedAt: unix(100)},
			want: AdoptCloud, rule: 1,
		},
		{
			name: "both changed, cloud newer",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(300), LocalModifiedAt: unix(200), LastSyncedAt: unix(100)},
			want: KeepBothLocalAsCopy, rule: 2,
		},
		{
			name: "local untouched since sync",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(200), LocalModifiedAt: unix(100), LastSyncedAt: unix(100)},
			want: AdoptCloud, rule: 3,
		},
		{
			name: "both changed, local newer",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(200), LocalModifiedAt: unix(300), LastSyncedAt: unix(100)},
			want: KeepBothCloudAsCopy, rule: 4,
		},
		{
			name: "cloud equals last sync, local newer",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(100), LocalModifiedAt: unix(300), LastSyncedAt: unix(100)},
			want: KeepBothCloudAsCopy, rule: 4,
		},
		{
			name: "cloud predates last sync",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(100), LocalModifiedAt: unix(300), LastSyncedAt: unix(200)},
			want: KeepLocal, rule: 5,
		},
		{
			name: "same timestamp, same content",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(200), LocalModifiedAt: unix(200), LastSyncedAt: unix(100), LocalDigest: "abc", CloudDigest: "abc"},
			want: KeepLocal, rule: 6, digests: true,
		},
		{
			name: "same timestamp, different content",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(200), LocalModifiedAt: unix(200), LastSyncedAt: unix(100), LocalDigest: "abc", CloudDigest: "def"},
			want: KeepBothCloudAsCopy, rule: 6, digests: true,
		},
		{
			name: "same timestamp, digests unknown",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(200), LocalModifiedAt: unix(200), LastSyncedAt: unix(100)},
			want: KeepBothCloudAsCopy, rule: 6, digests: true,
		},
		{
			name: "nothing changed",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(100), LocalModifiedAt: unix(100), LastSyncedAt: unix(100)},
			want: KeepLocal, rule: 7,
		},
		{
			name: "sub-second differences are ignored",
			in:   ConflictInput{LocalExists: true, CloudCreatedAt: unix(100), LocalModifiedAt: unix(100).Add(400 * time.Millisecond), LastSyncedAt: unix(100)},
			want: KeepLocal, rule: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.in)
			assert.Equal(t, tt.want, got.Resolution, got.Resolution.String())
			assert.Equal(t, tt.rule, got.Rule)
			assert.Equal(t, tt.digests, tt.in.needsDigests())
		})
	}
}

func TestResolve_NeverDropsEdits(t *testing.T) {
	// whenever both sides changed after the last sync, both versions must survive
	for s := int64(0); s <= 4; s++ {
		for c := s + 1; c <= 6; c++ {
			for l := s + 1; l <= 6; l++ {
				in := ConflictInput{
					LocalExists:     true,
					CloudCreatedAt:  unix(c * 100),
					LocalModifiedAt: unix(l * 100),
					LastSyncedAt:    unix(s * 100),
					LocalDigest:     "local",
					CloudDigest:     "cloud",
				}
				got := Resolve(in)
				assert.Contains(t, []Resolution{KeepBothLocalAsCopy, KeepBothCloudAsCopy}, got.Resolution,
					"C=%d L=%d S=%d resolved to %s", c, l, s, got.Resolution)
			}
		}
	}
}

func newTestResolver(t *testing.T) (*ConflictResolver, string, string) {
	t.Helper()
	root := t.TempDir()
	syncDir := filepath.Join(root, "sync")
	staging := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(syncDir, 0o755))
	require.NoError(t, os.MkdirAll(staging, 0o755))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC))
	return NewConflictResolver("bob", clock, newDigester(), nil), syncDir, staging
}

func writeAt(t *testing.T, path, data string, mtime int64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	require.NoError(t, os.Chtimes(path, unix(mtime), unix(mtime)))
}

func TestFinalize_LocalAsConflictedCopy(t *testing.T) {
	cr, syncDir, staging := newTestResolver(t)
	target := filepath.Join(syncDir, "report.txt")
	stage := filepath.Join(staging, "x")
	writeAt(t, target, "local", 200)
	writeAt(t, stage, "cloud", 1)

	rec := &SyncRecord{
		Name:             "report.txt",
		State:            StateDownloading,
		CloudLocation:    RemoteLocation(testPrefix, "report.txt", unix(300)),
		StagingPath:      stage,
		SyncedModifiedAt: unix(100),
	}
	out, err := cr.Finalize(rec, target)
	require.NoError(t, err)

	assert.Equal(t, KeepBothLocalAsCopy, out.Resolution)
	assert.Equal(t, StateSynced, out.State)
	assert.Equal(t, filepath.Join(syncDir, "report (bob's conflicted copy 2026-01-02).txt"), out.ConflictCopy)
	assert.Equal(t, "local", readFile(t, out.ConflictCopy))
	assert.Equal(t, "cloud", readFile(t, target))
	assert.EqualValues(t, 300, modTime(t, target))
	assert.NoFileExists(t, stage)
}

func TestFinalize_TouchedFileAdoptsCloud(t *testing.T) {
	cr, syncDir, staging := newTestResolver(t)
	target := filepath.Join(syncDir, "a.txt")
	stage := filepath.Join(staging, "x")
	writeAt(t, target, "same", 100)
	digest, err := cr.digests.inspect(target)
	require.NoError(t, err)

	// only the mtime moved, the content matches what was synced
	require.NoError(t, os.Chtimes(target, unix(250), unix(250)))
	writeAt(t, stage, "cloud", 1)

	rec := &SyncRecord{
		Name:             "a.txt",
		State:            StateDownloading,
		CloudLocation:    RemoteLocation(testPrefix, "a.txt", unix(200)),
		StagingPath:      stage,
		LocalPath:        target,
		LocalModifiedAt:  unix(100),
		LocalDigest:      digest.Digest,
		SyncedModifiedAt: unix(100),
	}
	out, err := cr.Finalize(rec, target)
	require.NoError(t, err)
	assert.Equal(t, AdoptCloud, out.Resolution)
	assert.Equal(t, 3, out.Rule)
	assert.Empty(t, out.ConflictCopy)
	assert.Equal(t, "cloud", readFile(t, target))
}

func TestFinalize_StaleCloudDiscarded(t *testing.T) {
	cr, syncDir, staging := newTestResolver(t)
	target := filepath.Join(syncDir, "a.txt")
	stage := filepath.Join(staging, "x")
	writeAt(t, target, "newer local", 300)
	writeAt(t, stage, "old cloud", 1)

	rec := &SyncRecord{
		Name:             "a.txt",
		State:            StateDownloading,
		CloudLocation:    RemoteLocation(testPrefix, "a.txt", unix(100)),
		StagingPath:      stage,
		SyncedModifiedAt: unix(200),
	}
	out, err := cr.Finalize(rec, target)
	require.NoError(t, err)
	assert.Equal(t, KeepLocal, out.Resolution)
	assert.Equal(t, StateModified, out.State)
	assert.Equal(t, "newer local", readFile(t, target))
	assert.NoFileExists(t, stage)
}

func TestFinalize_SameTimestampSameContent(t *testing.T) {
	cr, syncDir, staging := newTestResolver(t)
	target := filepath.Join(syncDir, "a.txt")
	stage := filepath.Join(staging, "x")
	writeAt(t, target, "equal", 200)
	writeAt(t, stage, "equal", 1)

	rec := &SyncRecord{
		Name:             "a.txt",
		State:            StateDownloading,
		CloudLocation:    RemoteLocation(testPrefix, "a.txt", unix(200)),
		StagingPath:      stage,
		SyncedModifiedAt: unix(100),
	}
	out, err := cr.Finalize(rec, target)
	require.NoError(t, err)
	assert.Equal(t, KeepLocal, out.Resolution)
	assert.Equal(t, StateSynced, out.State)
	assert.EqualValues(t, 200, out.SyncedModifiedAt.Unix())

	copies, err := ConflictedCopies(syncDir)
	require.NoError(t, err)
	assert.Empty(t, copies)
}

func TestConflictedCopyPath_AvoidsCollisions(t *testing.T) {
	cr, syncDir, _ := newTestResolver(t)
	target := filepath.Join(syncDir, "notes.md")

	first := cr.conflictedCopyPath(target)
	assert.Equal(t, filepath.Join(syncDir, "notes (bob's conflicted copy 2026-01-02).md"), first)
	writeAt(t, first, "x", 1)

	second := cr.conflictedCopyPath(target)
	assert.Equal(t, filepath.Join(syncDir, "notes (bob's conflicted copy 2026-01-02 2).md"), second)

	assert.True(t, IsConflictedCopy("notes (bob's conflicted copy 2026-01-02).md"))
	assert.True(t, IsConflictedCopy("dir/notes (bob's conflicted copy 2026-01-02).md"))
	assert.False(t, IsConflictedCopy("notes.md"))
}
