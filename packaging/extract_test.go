package packaging

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/registry/registrytest"
)

func TestExtract(t *testing.T) {
	tgz := registrytest.Tarball([]registrytest.Entry{
		{Name: "package/", Typeflag: tar.TypeDir},
		{Name: "package/package.json", Body: `{"name":"demo"}`},
		{Name: "package/lib/index.js", Body: "module.exports = 1"},
		{Name: "package/bin/cli.js", Body: "#!/usr/bin/env node", Mode: 0o755},
		{Name: "package/lib/alias.js", Typeflag: tar.TypeSymlink, Linkname: "index.js"},
	})

	dest := t.TempDir()
	stats, err := Extract(bytes.NewReader(tgz), dest)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 1, stats.Links)

	content, err := os.ReadFile(filepath.Join(dest, "lib", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "module.exports = 1", string(content))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dest, "bin", "cli.js"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

		info, err = os.Stat(filepath.Join(dest, "package.json"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	}
}

func TestExtract_NonStandardTopDirectory(t *testing.T) {
	tgz := registrytest.Tarball([]registrytest.Entry{
		{Name: "node-demo-1.0.0/package.json", Body: "{}"},
	})
	dest := t.TempDir()
	_, err := Extract(bytes.NewReader(tgz), dest)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "package.json"))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	tests := []struct {
		name  string
		entry registrytest.Entry
	}{
		{name: "parent segment", entry: registrytest.Entry{Name: "package/../../evil.js", Body: "x"}},
		{name: "absolute", entry: registrytest.Entry{Name: "/etc/evil", Body: "x"}},
		{name: "windows drive", entry: registrytest.Entry{Name: "C:/evil", Body: "x"}},
		{name: "backslash parent", entry: registrytest.Entry{Name: `package\..\..\evil`, Body: "x"}},
		{name: "symlink escape", entry: registrytest.Entry{Name: "package/link", Typeflag: tar.TypeSymlink, Linkname: "../../outside"}},
		{name: "absolute symlink", entry: registrytest.Entry{Name: "package/link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		{name: "hardlink escape", entry: registrytest.Entry{Name: "package/hl", Typeflag: tar.TypeLink, Linkname: "../outside"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			dest := filepath.Join(root, "dest")
			tgz := registrytest.Tarball([]registrytest.Entry{
				{Name: "package/package.json", Body: "{}"},
				tt.entry,
			})

			_, err := Extract(bytes.NewReader(tgz), dest)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.PathTraversal)
			assert.NoFileExists(t, filepath.Join(root, "evil.js"))
		})
	}
}

func TestExtract_RejectsWriteThroughSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	tgz := registrytest.Tarball([]registrytest.Entry{
		{Name: "package/self", Typeflag: tar.TypeSymlink, Linkname: "."},
		{Name: "package/self/self/../x", Body: "x"},
	})
	_, err := Extract(bytes.NewReader(tgz), t.TempDir())
	assert.ErrorIs(t, err, core.PathTraversal)

	tgz = registrytest.Tarball([]registrytest.Entry{
		{Name: "package/self", Typeflag: tar.TypeSymlink, Linkname: "."},
		{Name: "package/self/file", Body: "x"},
	})
	_, err = Extract(bytes.NewReader(tgz), t.TempDir())
	assert.ErrorIs(t, err, core.PathTraversal)
}

func TestExtract_NotGzip(t *testing.T) {
	_, err := Extract(bytes.NewReader([]byte("plain text")), t.TempDir())
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.PathTraversal)
}

func TestEntryPath(t *testing.T) {
	rel, err := entryPath("package/a/./b.js")
	require.NoError(t, err)
	assert.Equal(t, "a/b.js", rel)

	rel, err = entryPath("package")
	require.NoError(t, err)
	assert.Equal(t, "", rel)

	_, err = entryPath("package/a\x00b")
	assert.ErrorIs(t, err, core.PathTraversal)
}
