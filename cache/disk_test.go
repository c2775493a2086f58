package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskCache_RoundTrip(t *testing.T) {
	dc, err := NewDiskCache(filepath.Join(t.TempDir(), "metadata"))
	require.NoError(t, err)

	require.NoError(t, dc.Set("@babel/core", []byte(`{"name":"@babel/core"}`)))
	assert.Equal(t, "@babel%2Fcore.json", filepath.Base(dc.Path("@babel/core")))

	got, ok, err := dc.Get("@babel/core", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"name":"@babel/core"}`, string(got))

	_, ok, err = dc.Get("missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskCache_ExpiryByModTime(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, dc.Set("lodash", []byte("{}")))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dc.Path("lodash"), old, old))

	_, ok, err := dc.Get("lodash", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = dc.Get("lodash", AnyAge)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDiskCache_OverwriteAndClear(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, dc.Set("a", []byte("1")))
	require.NoError(t, dc.Set("a", []byte("2")))
	got, _, err := dc.Get("a", AnyAge)
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	entries, err := os.ReadDir(dc.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, dc.Delete("a"))
	require.NoError(t, dc.Delete("a"))
	require.NoError(t, dc.Set("b", []byte("1")))
	require.NoError(t, dc.Clear())
	entries, err = os.ReadDir(dc.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
