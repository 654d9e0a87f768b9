// Package infra provides shared infrastructure for the MediaWiki request
// pipeline: the content-addressed disk cache behind CachedRequest, the
// per-site throttle with multi-process coordination, and in-flight request
// deduplication.
package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cacheFormatVersion names the on-disk layout. Bumping it isolates old
// entries in their own subdirectory instead of corrupting reads.
const cacheFormatVersion = "v1"

// Entry is one cached payload: the description string the key was derived
// from, the raw JSON payload, and when it was stored.
type Entry struct {
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
	CachedAt    time.Time       `json:"cached_at"`
}

// Key derives the cache file name from a description string.
func Key(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}

var defaultDir = sync.OnceValues(func() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "mediawiki-client"), nil
})

// DiskCache stores one JSON entry per file under a format-versioned
// subdirectory of the base directory. Concurrent writers race as last-write
// wins; that is acceptable because entries are content-addressed.
type DiskCache struct {
	dir string

	mkdirOnce sync.Once
	mkdirErr  error
}

// NewDiskCache opens a cache rooted at baseDir. An empty baseDir uses the
// per-user cache directory, resolved once per process.
func NewDiskCache(baseDir string) (*DiskCache, error) {
	if baseDir == "" {
		var err error
		baseDir, err = defaultDir()
		if err != nil {
			return nil, err
		}
	}
	return &DiskCache{dir: filepath.Join(baseDir, "apicache-"+cacheFormatVersion)}, nil
}

// Dir returns the resolved cache directory.
func (d *DiskCache) Dir() string {
	return d.dir
}

func (d *DiskCache) ensureDir() error {
	d.mkdirOnce.Do(func() {
		d.mkdirErr = os.MkdirAll(d.dir, 0o700)
	})
	return d.mkdirErr
}

// Load reads the entry for key. A missing file is a miss, not an error.
// Corrupt files are removed and reported as a miss.
func (d *DiskCache) Load(key string) (*Entry, bool, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		_ = os.Remove(filepath.Join(d.dir, key))
		return nil, false, nil
	}
	return &e, true, nil
}

// Store writes the entry for key, overwriting any previous one.
func (d *DiskCache) Store(key string, e *Entry) error {
	if err := d.ensureDir(); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, key), data, 0o600); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key if present.
func (d *DiskCache) Delete(key string) error {
	err := os.Remove(filepath.Join(d.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
