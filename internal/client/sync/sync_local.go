package sync

import (
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/siasync/siasync/internal/utils"
)

const digestCacheSize = 4096

// localInfo is a point-in-time view of a local file.
type localInfo struct {
	Path       string
	ModifiedAt time.Time
	Size       int64
	Digest     string

	// full precision mtime, for cache keys
	modNanos int64
}

type digestKey struct {
	path    string
	size    int64
	modTime int64
}

// digester computes file digests, caching them by path, size and mtime.
type digester struct {
	cache *lru.Cache[digestKey, string]
}

func newDigester() *digester {
	cache, err := lru.New[digestKey, string](digestCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &digester{cache: cache}
}

// stat returns the local file at path, or nil if it does not exist.
// Directories are reported as an error.
func (d *digester) stat(path string) (*localInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &localInfo{
		Path:       path,
		ModifiedAt: truncate(fi.ModTime()),
		Size:       fi.Size(),
		modNanos:   fi.ModTime().UnixNano(),
	}, nil
}

// inspect is stat plus digest.
func (d *digester) inspect(path string) (*localInfo, error) {
	info, err := d.stat(path)
	if err != nil || info == nil {
		return info, err
	}

	key := digestKey{path: path, size: info.Size, modTime: info.modNanos}
	if digest, ok := d.cache.Get(key); ok {
		info.Digest = digest
		return info, nil
	}

	digest, err := utils.FileDigest(path)
	if err != nil {
		return nil, err
	}
	d.cache.Add(key, digest)
	info.Digest = digest
	return info, nil
}

// unchanged reports whether info still matches what the record captured,
// comparing metadata first and the digest only when it was computed.
func unchanged(rec *SyncRecord, info *localInfo) bool {
	if rec == nil || info == nil || rec.LocalDigest == "" {
		return false
	}
	if info.Digest != "" {
		return info.Digest == rec.LocalDigest
	}
	return info.Size == rec.LocalSize && info.ModifiedAt.Equal(rec.LocalModifiedAt)
}
