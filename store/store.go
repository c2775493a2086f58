// Package store is the content-addressable cache shared by every project on
// the machine. Tarballs are keyed by the hex SHA-512 of their bytes, and the
// extracted tree of each tarball is kept beside it.
//
// Objects are written to tmp/ and published with a rename that never
// replaces an existing object, so concurrent writers in any number of
// processes are safe without a lock and readers see nothing or the whole
// object.
package store

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.trai.ch/zerr"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/observability"
	"github.com/justbytecode/velocity/security"
)

// ErrNotFound means the store has no object with that digest.
var ErrNotFound = errors.New("object not found in store")

const (
	contentDir   = "content"
	extractedDir = "extracted"
	tmpDir       = "tmp"
	metadataDir  = "metadata"
	indexDir     = "index"
)

// Store is a content-addressable object store rooted at a directory.
type Store struct {
	dir string
	now func() time.Time
}

// Object describes one stored tarball.
type Object struct {
	Digest        string
	Size          int64
	ExtractedSize int64
	Extracted     bool
	LastUsed      time.Time
}

// Open opens or creates a store at dir.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{contentDir, extractedDir, tmpDir, metadataDir, indexDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, zerr.With(zerr.Wrap(err, "create store directory"), "dir", dir)
		}
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// MetadataDir returns the directory of the registry metadata cache.
func (s *Store) MetadataDir() string { return filepath.Join(s.dir, metadataDir) }

// TempDir creates a scratch directory on the store's filesystem. Trees
// built there can be published with StoreExtracted.
func (s *Store) TempDir(pattern string) (string, error) {
	return os.MkdirTemp(filepath.Join(s.dir, tmpDir), pattern)
}

// Digest returns the store key of data.
func Digest(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// DigestFromIntegrity maps an SRI value with a sha512 hash to a store key.
func DigestFromIntegrity(sri string) (string, bool) {
	parsed, err := security.ParseIntegrity(sri)
	if err != nil {
		return "", false
	}
	for _, h := range parsed {
		if h.Algorithm == security.SHA512 {
			return hex.EncodeToString(h.Digest), true
		}
	}
	return "", false
}

// Lookup maps an SRI value to the store key of a blob that is present.
// Values without a sha512 hash are found through the index written by
// Alias.
func (s *Store) Lookup(sri string) (string, bool) {
	if digest, ok := DigestFromIntegrity(sri); ok {
		return digest, s.Has(digest)
	}
	if sri == "" {
		return "", false
	}
	data, err := os.ReadFile(s.indexPath(sri))
	if err != nil {
		return "", false
	}
	digest := string(bytes.TrimSpace(data))
	return digest, s.Has(digest)
}

// Alias records that the blob with digest carries the SRI value sri, so a
// later Lookup of a non-sha512 value finds it.
func (s *Store) Alias(sri, digest string) error {
	if err := validDigest(digest); err != nil {
		return err
	}
	if _, ok := DigestFromIntegrity(sri); ok || sri == "" {
		return nil
	}
	f, err := os.CreateTemp(filepath.Join(s.dir, tmpDir), "index-*")
	if err != nil {
		return zerr.Wrap(err, "create index entry")
	}
	tmp := f.Name()
	_, err = f.WriteString(digest + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, s.indexPath(sri))
	}
	if err != nil {
		_ = os.Remove(tmp)
		return zerr.With(zerr.Wrap(err, "write index entry"), "integrity", sri)
	}
	return nil
}

func (s *Store) indexPath(sri string) string {
	sum := sha256.Sum256([]byte(sri))
	return filepath.Join(s.dir, indexDir, hex.EncodeToString(sum[:]))
}

func validDigest(d string) error {
	if len(d) != sha512.Size*2 {
		return fmt.Errorf("invalid digest %q", d)
	}
	for _, c := range d {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("invalid digest %q", d)
		}
	}
	return nil
}

func (s *Store) objectPath(kind, digest string) string {
	return filepath.Join(s.dir, kind, digest[:2], digest[2:])
}

// Put streams r into the store and returns its digest. Storing content
// that is already present is a no-op.
func (s *Store) Put(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, tmpDir), "blob-*")
	if err != nil {
		return "", zerr.Wrap(err, "create temp blob")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	h := sha512.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		_ = tmp.Close()
		return "", zerr.Wrap(err, "write temp blob")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", zerr.Wrap(err, "sync temp blob")
	}
	if err := tmp.Close(); err != nil {
		return "", zerr.Wrap(err, "close temp blob")
	}

	digest := hex.EncodeToString(h.Sum(nil))
	final := s.objectPath(contentDir, digest)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", zerr.Wrap(err, "create content directory")
	}

	// Link fails if the target exists, so a published blob is never replaced.
	if err := os.Link(tmpName, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			observability.StoreObjectsTotal.WithLabelValues("put", "exists").Inc()
			return digest, nil
		}
		return "", zerr.With(zerr.Wrap(err, "publish blob"), "digest", digest)
	}
	observability.StoreObjectsTotal.WithLabelValues("put", "new").Inc()
	return digest, nil
}

// PutBytes stores data and returns its digest.
func (s *Store) PutBytes(data []byte) (string, error) {
	return s.Put(bytes.NewReader(data))
}

// Has reports whether a blob with digest exists.
func (s *Store) Has(digest string) bool {
	if validDigest(digest) != nil {
		return false
	}
	_, err := os.Stat(s.objectPath(contentDir, digest))
	return err == nil
}

// Get returns the blob with digest.
func (s *Store) Get(digest string) ([]byte, error) {
	rc, err := s.Open(digest)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Open returns a reader for the blob with digest.
func (s *Store) Open(digest string) (io.ReadCloser, error) {
	if err := validDigest(digest); err != nil {
		return nil, err
	}
	path := s.objectPath(contentDir, digest)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		observability.StoreObjectsTotal.WithLabelValues("get", "miss").Inc()
		return nil, fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "open blob"), "digest", digest)
	}
	observability.StoreObjectsTotal.WithLabelValues("get", "hit").Inc()
	s.touch(path)
	return f, nil
}

// ExtractedPath returns the directory holding the extracted tree of digest.
func (s *Store) ExtractedPath(digest string) (string, error) {
	if err := validDigest(digest); err != nil {
		return "", err
	}
	path := s.objectPath(extractedDir, digest)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s extracted: %w", digest, ErrNotFound)
	}
	if err != nil {
		return "", zerr.Wrap(err, "stat extracted tree")
	}
	if !info.IsDir() {
		return "", fmt.Errorf("extracted object %s is not a directory", digest)
	}
	s.touch(s.objectPath(contentDir, digest))
	return path, nil
}

// StoreExtracted publishes the tree at sourceDir as the extracted form of
// digest and returns its final path. sourceDir must come from TempDir and is
// consumed. If the tree already exists, the existing one wins.
func (s *Store) StoreExtracted(digest, sourceDir string) (string, error) {
	if err := validDigest(digest); err != nil {
		return "", err
	}
	final := s.objectPath(extractedDir, digest)
	if _, err := os.Stat(final); err == nil {
		_ = os.RemoveAll(sourceDir)
		observability.StoreObjectsTotal.WithLabelValues("extract", "exists").Inc()
		return final, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", zerr.Wrap(err, "create extracted directory")
	}

	if err := publishTree(sourceDir, final); err != nil {
		return "", zerr.With(err, "digest", digest)
	}
	return final, nil
}

// publishTree renames sourceDir to final. Renaming a directory onto an
// existing non-empty directory fails, so a concurrent winner is kept and
// sourceDir is discarded.
func publishTree(sourceDir, final string) error {
	if err := os.Rename(sourceDir, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			_ = os.RemoveAll(sourceDir)
			observability.StoreObjectsTotal.WithLabelValues("extract", "exists").Inc()
			return nil
		}
		return zerr.Wrap(err, "publish extracted tree")
	}
	observability.StoreObjectsTotal.WithLabelValues("extract", "new").Inc()
	return nil
}

// Verify rehashes the blob with digest. Corruption is an IntegrityViolation.
func (s *Store) Verify(digest string) error {
	rc, err := s.Open(digest)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	h := sha512.New()
	if _, err := io.Copy(h, rc); err != nil {
		return zerr.With(zerr.Wrap(err, "read blob"), "digest", digest)
	}
	if actual := hex.EncodeToString(h.Sum(nil)); actual != digest {
		return &core.Error{Kind: core.IntegrityViolation, Path: s.objectPath(contentDir, digest),
			Expected: digest, Actual: actual}
	}
	return nil
}

// List returns every stored blob sorted by digest.
func (s *Store) List() ([]Object, error) {
	root := filepath.Join(s.dir, contentDir)
	var objects []Object

	prefixes, err := os.ReadDir(root)
	if err != nil {
		return nil, zerr.Wrap(err, "list store")
	}
	for _, p := range prefixes {
		if !p.IsDir() || len(p.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, p.Name()))
		if err != nil {
			return nil, zerr.Wrap(err, "list store")
		}
		for _, e := range entries {
			digest := p.Name() + e.Name()
			if validDigest(digest) != nil {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			obj := Object{Digest: digest, Size: info.Size(), LastUsed: info.ModTime()}
			if ext := s.objectPath(extractedDir, digest); dirExists(ext) {
				obj.Extracted = true
				obj.ExtractedSize = treeSize(ext)
			}
			objects = append(objects, obj)
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Digest < objects[j].Digest })
	return objects, nil
}

// Evict removes the blob and extracted tree of digest.
func (s *Store) Evict(digest string) error {
	if err := validDigest(digest); err != nil {
		return err
	}
	ext := s.objectPath(extractedDir, digest)
	if dirExists(ext) {
		// Move aside first so the tree disappears atomically for readers.
		graveyard, err := s.TempDir("evict-*")
		if err != nil {
			return err
		}
		if err := os.Rename(ext, filepath.Join(graveyard, "tree")); err != nil {
			_ = os.RemoveAll(graveyard)
			return zerr.With(zerr.Wrap(err, "evict extracted tree"), "digest", digest)
		}
		if err := os.RemoveAll(graveyard); err != nil {
			return zerr.Wrap(err, "remove evicted tree")
		}
	}
	if err := os.Remove(s.objectPath(contentDir, digest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return zerr.With(zerr.Wrap(err, "evict blob"), "digest", digest)
	}
	observability.StoreObjectsTotal.WithLabelValues("evict", "ok").Inc()
	return nil
}

// Prune evicts least recently used objects until the store holds at most
// maxSize bytes. It returns the evicted digests and the bytes freed.
func (s *Store) Prune(maxSize int64) ([]string, int64, error) {
	objects, err := s.List()
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, o := range objects {
		total += o.Size + o.ExtractedSize
	}
	sort.SliceStable(objects, func(i, j int) bool { return objects[i].LastUsed.Before(objects[j].LastUsed) })

	var evicted []string
	var freed int64
	for _, o := range objects {
		if total <= maxSize {
			break
		}
		if err := s.Evict(o.Digest); err != nil {
			return evicted, freed, err
		}
		size := o.Size + o.ExtractedSize
		total -= size
		freed += size
		evicted = append(evicted, o.Digest)
	}
	return evicted, freed, nil
}

// Clean removes every object, extracted tree, temp file and cached
// metadata document.
func (s *Store) Clean() error {
	for _, sub := range []string{contentDir, extractedDir, tmpDir, metadataDir, indexDir} {
		path := filepath.Join(s.dir, sub)
		if err := os.RemoveAll(path); err != nil {
			return zerr.Wrap(err, "clean store")
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return zerr.Wrap(err, "clean store")
		}
	}
	return nil
}

// touch records a use for least-recently-used pruning.
func (s *Store) touch(path string) {
	now := s.now()
	_ = os.Chtimes(path, now, now)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func treeSize(root string) int64 {
	var size int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}
