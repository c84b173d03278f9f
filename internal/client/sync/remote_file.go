package sync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/siasync/siasync/internal/renter"
)

var ErrBadRemoteLocation = errors.New("malformed remote location")

type RemoteSource uint8

const (
	SourceListing RemoteSource = iota
	SourceDownload
)

func (s RemoteSource) String() string {
	if s == SourceDownload {
		return "download"
	}
	return "listing"
}

// RemoteFile is a file as seen by the daemon, either from the renter file
// listing or from the download queue. Both shapes expose the same accessors.
type RemoteFile struct {
	Source    RemoteSource
	Name      string
	Location  string
	CreatedAt time.Time
	Size      int64

	// listing
	Available      bool
	UploadProgress float64

	// download
	Destination string
	Received    int64
	Err         string
	finished    bool
}

// RemoteFromListing builds a RemoteFile from a renter listing entry under prefix.
func RemoteFromListing(prefix string, f renter.File) (*RemoteFile, error) {
	name, ts, err := parseRemoteLocation(prefix, f.SiaPath)
	if err != nil {
		return nil, err
	}
	return &RemoteFile{
		Source:         SourceListing,
		Name:           name,
		Location:       f.SiaPath,
		CreatedAt:      ts,
		Size:           f.FileSize,
		Available:      f.Available,
		UploadProgress: f.UploadProgress,
	}, nil
}

// RemoteFromDownload builds a RemoteFile from a download queue entry under prefix.
func RemoteFromDownload(prefix string, d renter.Download) (*RemoteFile, error) {
	name, ts, err := parseRemoteLocation(prefix, d.SiaPath)
	if err != nil {
		return nil, err
	}
	return &RemoteFile{
		Source:      SourceDownload,
		Name:        name,
		Location:    d.SiaPath,
		CreatedAt:   ts,
		Size:        d.FileSize,
		Destination: d.Destination,
		Received:    d.Received,
		Err:         d.Error,
		finished:    d.Done(),
	}, nil
}

// Complete reports whether the file is fully transferred: uploaded and
// available for a listing entry, fully received for a download entry.
func (f *RemoteFile) Complete() bool {
	switch f.Source {
	case SourceDownload:
		return f.finished
	default:
		return f.Available && f.UploadProgress >= 100
	}
}

// Failed reports whether a download entry ended with an error.
func (f *RemoteFile) Failed() bool {
	return f.Source == SourceDownload && f.Err != ""
}

// Progress returns completion in percent.
func (f *RemoteFile) Progress() float64 {
	if f.Source == SourceDownload {
		if f.Size <= 0 {
			if f.finished {
				return 100
			}
			return 0
		}
		return min(100, float64(f.Received)*100/float64(f.Size))
	}
	return f.UploadProgress
}

// RemoteLocation builds `<prefix>/<name>/<unix seconds>`.
func RemoteLocation(prefix, name string, createdAt time.Time) string {
	return strings.TrimSuffix(prefix, "/") + "/" + name + "/" + strconv.FormatInt(createdAt.Unix(), 10)
}

func parseRemoteLocation(prefix, location string) (string, time.Time, error) {
	dir := strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(location, dir) {
		return "", time.Time{}, fmt.Errorf("%w: %s not under %s", ErrBadRemoteLocation, location, prefix)
	}
	return splitRemoteLocation(strings.TrimPrefix(location, dir))
}

// splitRemoteLocation splits `<name>/<unix seconds>`. Any leading path is kept in name.
func splitRemoteLocation(location string) (string, time.Time, error) {
	idx := strings.LastIndex(location, "/")
	if idx <= 0 || idx == len(location)-1 {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrBadRemoteLocation, location)
	}
	secs, err := strconv.ParseInt(location[idx+1:], 10, 64)
	if err != nil || secs < 0 {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrBadRemoteLocation, location)
	}
	return location[:idx], time.Unix(secs, 0).UTC(), nil
}

// latestByName keeps the newest version of every name. Ties on the timestamp
// are broken by location so the result does not depend on listing order.
func latestByName(files []*RemoteFile) map[string]*RemoteFile {
	latest := make(map[string]*RemoteFile, len(files))
	for _, f := range files {
		cur, ok := latest[f.Name]
		if !ok || f.CreatedAt.After(cur.CreatedAt) ||
			(f.CreatedAt.Equal(cur.CreatedAt) && f.Location > cur.Location) {
			latest[f.Name] = f
		}
	}
	return latest
}
