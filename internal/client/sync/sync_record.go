package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// SyncState is the lifecycle state of a SyncRecord.
type SyncState string

const (
	StateSynced         SyncState = "SYNCED"
	StateModified       SyncState = "MODIFIED"
	StateDeleted        SyncState = "DELETED"
	StateForUpload      SyncState = "FOR_UPLOAD"
	StateUploading      SyncState = "UPLOADING"
	StateForDownload    SyncState = "FOR_DOWNLOAD"
	StateDownloading    SyncState = "DOWNLOADING"
	StateForLocalDelete SyncState = "FOR_LOCAL_DELETE"
	StateForCloudDelete SyncState = "FOR_CLOUD_DELETE"
	StateUploadFailed   SyncState = "UPLOAD_FAILED"
	StateDownloadFailed SyncState = "DOWNLOAD_FAILED"
	StateConflict       SyncState = "CONFLICT"
)

var AllStates = []SyncState{
	StateSynced,
	StateModified,
	StateDeleted,
	StateForUpload,
	StateUploading,
	StateForDownload,
	StateDownloading,
	StateForLocalDelete,
	StateForCloudDelete,
	StateUploadFailed,
	StateDownloadFailed,
	StateConflict,
}

var ErrInvalidState = errors.New("invalid sync state")

func ParseState(s string) (SyncState, error) {
	for _, state := range AllStates {
		if strings.EqualFold(string(state), s) {
			return state, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

func (s SyncState) Valid() bool {
	_, err := ParseState(string(s))
	return err == nil
}

// IsTerminal is true only for SYNCED. Every other state still has work pending.
func (s SyncState) IsTerminal() bool {
	return s == StateSynced
}

// IsQueued is true for states that have a transfer task scheduled against them.
func (s SyncState) IsQueued() bool {
	switch s {
	case StateForUpload, StateForDownload, StateForLocalDelete, StateForCloudDelete:
		return true
	}
	return false
}

// InFlight is true while the daemon is moving bytes for the record.
func (s SyncState) InFlight() bool {
	return s == StateUploading || s == StateDownloading
}

// SyncRecord is the persisted sync state of one file, keyed by its slash separated
// path relative to the sync dir. Zero values mean "absent".
type SyncRecord struct {
	Name  string    `json:"name" yaml:"name"`
	State SyncState `json:"state" yaml:"state"`

	CloudLocation string `json:"cloudLocation,omitempty" yaml:"cloudLocation,omitempty"`
	CloudSize     int64  `json:"cloudSize,omitempty" yaml:"cloudSize,omitempty"`

	LocalPath       string    `json:"localPath,omitempty" yaml:"localPath,omitempty"`
	LocalModifiedAt time.Time `json:"localModifiedAt,omitempty" yaml:"localModifiedAt,omitempty"`
	LocalSize       int64     `json:"localSize,omitempty" yaml:"localSize,omitempty"`
	LocalDigest     string    `json:"localDigest,omitempty" yaml:"localDigest,omitempty"`

	// SyncedModifiedAt is the local modification time captured at the last successful sync.
	SyncedModifiedAt time.Time `json:"syncedModifiedAt,omitempty" yaml:"syncedModifiedAt,omitempty"`

	StagingPath string    `json:"stagingPath,omitempty" yaml:"stagingPath,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// recordJSON is the wire form of SyncRecord. Unset times are left out.
type recordJSON struct {
	Name             string     `json:"name"`
	State            SyncState  `json:"state"`
	CloudLocation    string     `json:"cloudLocation,omitempty"`
	CloudSize        int64      `json:"cloudSize,omitempty"`
	LocalPath        string     `json:"localPath,omitempty"`
	LocalModifiedAt  *time.Time `json:"localModifiedAt,omitempty"`
	LocalSize        int64      `json:"localSize,omitempty"`
	LocalDigest      string     `json:"localDigest,omitempty"`
	SyncedModifiedAt *time.Time `json:"syncedModifiedAt,omitempty"`
	StagingPath      string     `json:"stagingPath,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r SyncRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Name:             r.Name,
		State:            r.State,
		CloudLocation:    r.CloudLocation,
		CloudSize:        r.CloudSize,
		LocalPath:        r.LocalPath,
		LocalModifiedAt:  optionalTime(r.LocalModifiedAt),
		LocalSize:        r.LocalSize,
		LocalDigest:      r.LocalDigest,
		SyncedModifiedAt: optionalTime(r.SyncedModifiedAt),
		StagingPath:      r.StagingPath,
		UpdatedAt:        r.UpdatedAt,
	})
}

func (r *SyncRecord) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = SyncRecord{
		Name:          w.Name,
		State:         w.State,
		CloudLocation: w.CloudLocation,
		CloudSize:     w.CloudSize,
		LocalPath:     w.LocalPath,
		LocalSize:     w.LocalSize,
		LocalDigest:   w.LocalDigest,
		StagingPath:   w.StagingPath,
		UpdatedAt:     w.UpdatedAt,
	}
	if w.LocalModifiedAt != nil {
		r.LocalModifiedAt = *w.LocalModifiedAt
	}
	if w.SyncedModifiedAt != nil {
		r.SyncedModifiedAt = *w.SyncedModifiedAt
	}
	return nil
}

func (r *SyncRecord) Clone() *SyncRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// CloudCreatedAt is the creation time encoded in the cloud location, zero if there is none.
func (r *SyncRecord) CloudCreatedAt() time.Time {
	if r.CloudLocation == "" {
		return time.Time{}
	}
	_, ts, err := splitRemoteLocation(r.CloudLocation)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// setLocal copies the result of a local scan into the record.
func (r *SyncRecord) setLocal(info *localInfo) {
	if info == nil {
		r.LocalPath = ""
		r.LocalModifiedAt = time.Time{}
		r.LocalSize = 0
		r.LocalDigest = ""
		return
	}
	r.LocalPath = info.Path
	r.LocalModifiedAt = info.ModifiedAt
	r.LocalSize = info.Size
	r.LocalDigest = info.Digest
}

func (r *SyncRecord) validate() error {
	if r.Name == "" {
		return errors.New("record name is empty")
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, r.State)
	}
	if r.State == StateSynced && (r.CloudLocation == "" || r.LocalPath == "") {
		return fmt.Errorf("record %s: synced without cloud location or local path", r.Name)
	}
	if r.StagingPath != "" && r.State != StateDownloading && r.State != StateDownloadFailed {
		return fmt.Errorf("record %s: staging path set in state %s", r.Name, r.State)
	}
	return nil
}

func (r *SyncRecord) String() string {
	return fmt.Sprintf("%s [%s]", r.Name, r.State)
}

// truncate drops sub-second precision; all comparisons happen at one second granularity.
func truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Truncate(time.Second).UTC()
}
