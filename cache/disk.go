package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// DiskCache stores one JSON document per key under dir.
// Age is the file's modification time.
type DiskCache struct {
	dir string
	now func() time.Time
}

// NewDiskCache creates a disk cache rooted at dir.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &DiskCache{dir: dir, now: time.Now}, nil
}

// Dir returns the cache directory.
func (dc *DiskCache) Dir() string {
	return dc.dir
}

// Path returns the file used for key. Scoped package names become a single
// path segment ("@scope%2Fname.json").
func (dc *DiskCache) Path(key string) string {
	return filepath.Join(dc.dir, url.PathEscape(key)+".json")
}

// Get reads the document for key when it is younger than maxAge.
// Pass AnyAge to skip the age check.
func (dc *DiskCache) Get(key string, maxAge time.Duration) ([]byte, bool, error) {
	path := dc.Path(key)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat cache file: %w", err)
	}
	if maxAge >= 0 && dc.now().Sub(info.ModTime()) >= maxAge {
		return nil, false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache file: %w", err)
	}
	return data, true, nil
}

// Set replaces the document for key. The write goes to a unique temporary
// file first so readers never see a torn document.
func (dc *DiskCache) Set(key string, data []byte) error {
	path := dc.Path(key)

	tmp, err := os.CreateTemp(dc.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move cache file: %w", err)
	}
	return nil
}

// Delete removes a cache entry.
func (dc *DiskCache) Delete(key string) error {
	err := os.Remove(dc.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Clear removes all cache entries.
func (dc *DiskCache) Clear() error {
	entries, err := os.ReadDir(dc.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dc.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
