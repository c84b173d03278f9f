package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/utils"
)

// Resolution is what happens to a finished download relative to the local file.
type Resolution uint8

const (
	// AdoptCloud replaces the local file with the downloaded content.
	AdoptCloud Resolution = iota
	// KeepLocal discards the downloaded content.
	KeepLocal
	// KeepBothLocalAsCopy renames the local file to a conflicted copy, then adopts the cloud content.
	KeepBothLocalAsCopy
	// KeepBothCloudAsCopy leaves the local file and saves the download as a conflicted copy.
	KeepBothCloudAsCopy
)

func (r Resolution) String() string {
	switch r {
	case AdoptCloud:
		return "adopt-cloud"
	case KeepLocal:
		return "keep-local"
	case KeepBothLocalAsCopy:
		return "conflict-local-copy"
	case KeepBothCloudAsCopy:
		return "conflict-cloud-copy"
	}
	return fmt.Sprintf("resolution(%d)", uint8(r))
}

// ConflictInput holds the timestamps the decision is made on: C (cloud
// creation), L (local modification) and S (local modification at last sync).
// Digests are only consulted when C and L are equal.
type ConflictInput struct {
	LocalExists     bool
	CloudCreatedAt  time.Time
	LocalModifiedAt time.Time
	LastSyncedAt    time.Time
	LocalDigest     string
	CloudDigest     string
}

// needsDigests reports whether Resolve will look at the digests.
func (in *ConflictInput) needsDigests() bool {
	c, l, s := truncate(in.CloudCreatedAt), truncate(in.LocalModifiedAt), truncate(in.LastSyncedAt)
	return in.LocalExists && c.Equal(l) && c.After(s)
}

type Decision struct {
	Resolution Resolution
	Rule       int
}

// Resolve decides what to do with downloaded content. The rules are checked in order;
// whenever both sides changed since the last sync, both versions are kept.
func Resolve(in ConflictInput) Decision {
	if !in.LocalExists {
		return Decision{AdoptCloud, 1}
	}

	c, l, s := truncate(in.CloudCreatedAt), truncate(in.LocalModifiedAt), truncate(in.LastSyncedAt)

	switch {
	case c.After(l) && l.After(s):
		return Decision{KeepBothLocalAsCopy, 2}
	case c.After(l):
		return Decision{AdoptCloud, 3}
	case c.Before(l) && !c.Before(s):
		return Decision{KeepBothCloudAsCopy, 4}
	case c.Before(l):
		return Decision{KeepLocal, 5}
	case c.After(s):
		// same timestamp on both sides, unknown digests count as different
		if in.LocalDigest != "" && in.LocalDigest == in.CloudDigest {
			return Decision{KeepLocal, 6}
		}
		return Decision{KeepBothCloudAsCopy, 6}
	default:
		return Decision{KeepLocal, 7}
	}
}

// SelfWriteFilter is told about paths the engine is about to write so the
// resulting file events are not mistaken for user edits.
type SelfWriteFilter interface {
	IgnoreOnce(path string)
}

// ConflictResolver applies Resolve to a finished download on disk.
type ConflictResolver struct {
	user       string
	clock      clockwork.Clock
	digests    *digester
	selfWrites SelfWriteFilter
}

func NewConflictResolver(user string, clock clockwork.Clock, digests *digester, selfWrites SelfWriteFilter) *ConflictResolver {
	return &ConflictResolver{
		user:       user,
		clock:      clock,
		digests:    digests,
		selfWrites: selfWrites,
	}
}

// ResolveOutcome is the record update that follows a resolution.
type ResolveOutcome struct {
	Decision
	State            SyncState
	Local            *localInfo
	SyncedModifiedAt time.Time
	ConflictCopy     string
}

// Finalize resolves the download staged for rec against the file at target.
// The staging file is gone afterwards, whatever the outcome.
func (cr *ConflictResolver) Finalize(rec *SyncRecord, target string) (*ResolveOutcome, error) {
	staging := rec.StagingPath
	cloudAt := rec.CloudCreatedAt()

	local, err := cr.digests.inspect(target)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", target, err)
	}

	in := ConflictInput{
		LocalExists:    local != nil,
		CloudCreatedAt: cloudAt,
		LastSyncedAt:   rec.SyncedModifiedAt,
	}
	if local != nil {
		in.LocalModifiedAt = local.ModifiedAt
		in.LocalDigest = local.Digest
		// a touch without a content change keeps the recorded time
		if rec.LocalDigest != "" && local.Digest == rec.LocalDigest && !rec.LocalModifiedAt.IsZero() {
			in.LocalModifiedAt = rec.LocalModifiedAt
		}
	}
	if in.needsDigests() {
		if in.CloudDigest, err = utils.FileDigest(staging); err != nil {
			return nil, fmt.Errorf("digest %s: %w", staging, err)
		}
	}

	decision := Resolve(in)
	out := &ResolveOutcome{Decision: decision}

	switch decision.Resolution {
	case AdoptCloud:
		if err := cr.adopt(staging, target, cloudAt, out); err != nil {
			return nil, err
		}

	case KeepBothLocalAsCopy:
		copyPath := cr.conflictedCopyPath(target)
		cr.ignore(target)
		if err := os.Rename(target, copyPath); err != nil {
			return nil, fmt.Errorf("rename %s to conflicted copy: %w", target, err)
		}
		out.ConflictCopy = copyPath
		if err := cr.adopt(staging, target, cloudAt, out); err != nil {
			return nil, err
		}

	case KeepBothCloudAsCopy:
		copyPath := cr.conflictedCopyPath(target)
		if err := utils.MoveFile(staging, copyPath); err != nil {
			return nil, fmt.Errorf("save conflicted copy %s: %w", copyPath, err)
		}
		if err := utils.SetModTime(copyPath, cloudAt); err != nil {
			slog.Warn("conflicted copy mtime", "path", copyPath, "error", err)
		}
		out.ConflictCopy = copyPath
		out.State = StateConflict
		out.Local = local
		out.SyncedModifiedAt = cloudAt

	case KeepLocal:
		removeStaging(staging)
		out.Local = local
		out.SyncedModifiedAt = rec.SyncedModifiedAt
		if decision.Rule == 6 {
			out.SyncedModifiedAt = cloudAt
		}
		if in.LocalModifiedAt.After(out.SyncedModifiedAt) {
			out.State = StateModified
		} else {
			out.State = StateSynced
		}
	}

	slog.Info("conflict resolver", "name", rec.Name, "resolution", decision.Resolution, "rule", decision.Rule, "copy", out.ConflictCopy)
	return out, nil
}

func (cr *ConflictResolver) adopt(staging, target string, cloudAt time.Time, out *ResolveOutcome) error {
	cr.ignore(target)
	if err := utils.MoveFile(staging, target); err != nil {
		return fmt.Errorf("move %s to %s: %w", staging, target, err)
	}
	if err := utils.SetModTime(target, cloudAt); err != nil {
		return fmt.Errorf("set mtime %s: %w", target, err)
	}

	local, err := cr.digests.inspect(target)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", target, err)
	}
	out.State = StateSynced
	out.Local = local
	out.SyncedModifiedAt = cloudAt
	return nil
}

func (cr *ConflictResolver) ignore(path string) {
	if cr.selfWrites != nil {
		cr.selfWrites.IgnoreOnce(path)
	}
}

// conflictedCopyPath returns a free path like `report (alice's conflicted copy 2026-01-02).txt`.
func (cr *ConflictResolver) conflictedCopyPath(path string) string {
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)
	if base == "" {
		base, ext = file, ""
	}

	label := fmt.Sprintf("%s's conflicted copy %s", cr.user, cr.clock.Now().Format(time.DateOnly))
	candidate := filepath.Join(dir, fmt.Sprintf("%s (%s)%s", base, label, ext))
	for i := 2; utils.FileExists(candidate); i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%s %d)%s", base, label, i, ext))
	}
	return candidate
}

const conflictedCopyGlob = "**/*conflicted copy*"

// ConflictedCopies lists the conflicted copies under root as slash separated relative paths.
func ConflictedCopies(root string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), conflictedCopyGlob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// IsConflictedCopy reports whether name looks like a conflicted copy.
func IsConflictedCopy(name string) bool {
	ok, _ := doublestar.Match(conflictedCopyGlob, name)
	return ok
}

func removeStaging(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("remove staging file", "path", path, "error", err)
	}
}
