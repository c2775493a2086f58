package store

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justbytecode/velocity/core"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGet(t *testing.T) {
	s := openStore(t)
	data := []byte("tarball bytes")

	digest, err := s.PutBytes(data)
	require.NoError(t, err)
	assert.Equal(t, Digest(data), digest)
	assert.True(t, s.Has(digest))

	got, err := s.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	again, err := s.Put(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files are cleaned up")
}

func TestGet_NotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(Digest([]byte("absent")))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("not-a-digest")
	assert.Error(t, err)
	assert.False(t, s.Has("../../etc/passwd"))
}

func TestPut_Concurrent(t *testing.T) {
	s := openStore(t)
	data := bytes.Repeat([]byte("x"), 1<<16)

	var wg sync.WaitGroup
	digests := make([]string, 16)
	for i := range digests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.PutBytes(data)
			assert.NoError(t, err)
			digests[i] = d
		}()
	}
	wg.Wait()

	for _, d := range digests {
		assert.Equal(t, Digest(data), d)
	}
	got, err := s.Get(Digest(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreExtracted(t *testing.T) {
	s := openStore(t)
	digest, err := s.PutBytes([]byte("pkg"))
	require.NoError(t, err)

	_, err = s.ExtractedPath(digest)
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := s.TempDir("extract-*")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(first, "index.js"), []byte("first"), 0o644))

	path, err := s.StoreExtracted(digest, first)
	require.NoError(t, err)

	got, err := s.ExtractedPath(digest)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	// A second publisher loses and its tree is discarded.
	second, err := s.TempDir("extract-*")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(second, "index.js"), []byte("second"), 0o644))

	path2, err := s.StoreExtracted(digest, second)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	content, err := os.ReadFile(filepath.Join(path, "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))
	assert.NoDirExists(t, second)
}

func TestStoreExtracted_Concurrent(t *testing.T) {
	s := openStore(t)
	digest, err := s.PutBytes([]byte("pkg"))
	require.NoError(t, err)

	sources := make([]string, 16)
	for i := range sources {
		dir, err := s.TempDir("extract-*")
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "index.js"), []byte(strconv.Itoa(i)), 0o644))
		sources[i] = dir
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	paths := make([]string, len(sources))
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p, err := s.StoreExtracted(digest, src)
			assert.NoError(t, err)
			paths[i] = p
		}()
	}
	close(start)
	wg.Wait()

	want, err := s.ExtractedPath(digest)
	require.NoError(t, err)
	for _, p := range paths {
		assert.Equal(t, want, p)
	}
	content, err := os.ReadFile(filepath.Join(want, "lib", "index.js"))
	require.NoError(t, err)
	n := mustAtoi(t, string(content))
	assert.True(t, n >= 0 && n < len(sources), "one whole tree won")

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "losing trees are discarded")
}

func TestPublishTree_LosesRace(t *testing.T) {
	s := openStore(t)
	final := filepath.Join(s.Dir(), "extracted", "winner")
	require.NoError(t, os.MkdirAll(final, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(final, "index.js"), []byte("winner"), 0o644))

	loser, err := s.TempDir("extract-*")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(loser, "index.js"), []byte("loser"), 0o644))

	require.NoError(t, publishTree(loser, final))
	assert.NoDirExists(t, loser)
	content, err := os.ReadFile(filepath.Join(final, "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "winner", string(content))

	other, err := s.TempDir("extract-*")
	require.NoError(t, err)
	assert.Error(t, publishTree(other, filepath.Join(s.Dir(), "missing", "parent", "tree")))
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func TestLookup_Alias(t *testing.T) {
	s := openStore(t)
	data := []byte("legacy tarball")
	digest, err := s.PutBytes(data)
	require.NoError(t, err)

	sum := sha1.Sum(data)
	sri := "sha1-" + base64.StdEncoding.EncodeToString(sum[:])
	_, ok := s.Lookup(sri)
	assert.False(t, ok, "unindexed sha1 value")

	require.NoError(t, s.Alias(sri, digest))
	got, ok := s.Lookup(sri)
	require.True(t, ok)
	assert.Equal(t, digest, got)

	sum512 := sha512.Sum512(data)
	got, ok = s.Lookup("sha512-" + base64.StdEncoding.EncodeToString(sum512[:]))
	require.True(t, ok)
	assert.Equal(t, digest, got)

	assert.Error(t, s.Alias(sri, "not-a-digest"))

	require.NoError(t, s.Evict(digest))
	_, ok = s.Lookup(sri)
	assert.False(t, ok, "index entries for evicted blobs miss")
}

func TestVerify_DetectsCorruption(t *testing.T) {
	s := openStore(t)
	digest, err := s.PutBytes([]byte("original"))
	require.NoError(t, err)
	require.NoError(t, s.Verify(digest))

	path := s.objectPath(contentDir, digest)
	require.NoError(t, os.Chmod(path, 0o644))
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	err = s.Verify(digest)
	assert.ErrorIs(t, err, core.IntegrityViolation)
}

func TestListEvictPrune(t *testing.T) {
	s := openStore(t)
	base := time.Unix(1_700_000_000, 0)

	var digests []string
	for i, body := range []string{"aaaa", "bbbbbbbb", "cc"} {
		d, err := s.PutBytes([]byte(body))
		require.NoError(t, err)
		used := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(s.objectPath(contentDir, d), used, used))
		digests = append(digests, d)
	}

	objects, err := s.List()
	require.NoError(t, err)
	require.Len(t, objects, 3)

	evicted, freed, err := s.Prune(10)
	require.NoError(t, err)
	assert.Equal(t, []string{digests[0]}, evicted, "least recently used goes first")
	assert.Equal(t, int64(4), freed)
	assert.False(t, s.Has(digests[0]))

	require.NoError(t, s.Evict(digests[1]))
	objects, err = s.List()
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, digests[2], objects[0].Digest)

	require.NoError(t, s.Clean())
	objects, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestDigestFromIntegrity(t *testing.T) {
	data := []byte("content")
	sum := sha512.Sum512(data)
	sri := "sha512-" + base64.StdEncoding.EncodeToString(sum[:])

	digest, ok := DigestFromIntegrity(sri)
	require.True(t, ok)
	assert.Equal(t, Digest(data), digest)

	_, ok = DigestFromIntegrity("sha1-AAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	assert.False(t, ok)
}
