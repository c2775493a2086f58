package packaging

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestLinkTree(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"package.json": "{}", "lib/index.js": "1"})

	dst := filepath.Join(t.TempDir(), "node_modules", "demo")
	stats, err := LinkTree(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Linked+stats.Copied)

	content, err := os.ReadFile(filepath.Join(dst, "lib", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(content))

	if stats.Linked == 2 {
		a, err := os.Stat(filepath.Join(src, "lib", "index.js"))
		require.NoError(t, err)
		b, err := os.Stat(filepath.Join(dst, "lib", "index.js"))
		require.NoError(t, err)
		assert.True(t, os.SameFile(a, b), "hardlinked files share an inode")
	}
}

func TestReplaceTree(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"new.js": "new"})

	dst := filepath.Join(t.TempDir(), "pkg")
	writeTree(t, dst, map[string]string{"old.js": "old"})

	_, err := ReplaceTree(src, dst)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dst, "new.js"))
	assert.NoFileExists(t, filepath.Join(dst, "old.js"))

	siblings, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, siblings, 1, "staging directory removed")
}

func TestCopyFallback(t *testing.T) {
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))
	dst := filepath.Join(t.TempDir(), "g")

	require.NoError(t, copyFile(src, dst, 0o644))
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(content))
	assert.Error(t, copyFile(src, dst, 0o644), "never overwrites")
}

func TestLinkBin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shims differ on windows")
	}
	root := t.TempDir()
	target := filepath.Join(root, "node_modules", "tool", "bin", "cli.js")
	writeTree(t, root, map[string]string{"node_modules/tool/bin/cli.js": "#!/usr/bin/env node"})

	binDir := filepath.Join(root, "node_modules", ".bin")
	require.NoError(t, LinkBin(binDir, "tool", target))

	resolved, err := filepath.EvalSymlinks(filepath.Join(binDir, "tool"))
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o111)

	assert.Error(t, LinkBin(binDir, "../escape", target))
}

func TestLinkBin_LeavesSharedFileAlone(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("execute bits do not apply on windows")
	}
	store := t.TempDir()
	writeTree(t, store, map[string]string{"bin/cli.js": "#!/usr/bin/env node"})
	shared := filepath.Join(store, "bin", "cli.js")
	require.NoError(t, os.Chmod(shared, 0o644))

	pkg := filepath.Join(t.TempDir(), "node_modules", "tool")
	_, err := LinkTree(store, pkg)
	require.NoError(t, err)

	target := filepath.Join(pkg, "bin", "cli.js")
	require.NoError(t, LinkBin(filepath.Join(filepath.Dir(pkg), ".bin"), "tool", target))

	info, err := os.Stat(shared)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm(), "store copy unchanged")

	linked, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o111), linked.Mode().Perm()&0o111)
	assert.False(t, os.SameFile(info, linked))

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "#!/usr/bin/env node", string(content))
}

func TestLinkLocal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	writeTree(t, root, map[string]string{"packages/ui/package.json": `{"name":"ui"}`})

	link := filepath.Join(root, "node_modules", "ui")
	require.NoError(t, LinkLocal(filepath.Join(root, "packages", "ui"), link))
	assert.FileExists(t, filepath.Join(link, "package.json"))

	dest, err := os.Readlink(link)
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(dest))
}
