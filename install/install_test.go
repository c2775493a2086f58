package install_test

import (
	"archive/tar"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justbytecode/velocity/config"
	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/core/resolver"
	vhttp "github.com/justbytecode/velocity/http"
	"github.com/justbytecode/velocity/install"
	"github.com/justbytecode/velocity/lockfile"
	"github.com/justbytecode/velocity/registry"
	"github.com/justbytecode/velocity/registry/registrytest"
	"github.com/justbytecode/velocity/store"
)

type fixture struct {
	t     *testing.T
	srv   *registrytest.Server
	store *store.Store
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Cache.Dir = st.Dir()
	return &fixture{t: t, srv: registrytest.New(t), store: st, cfg: cfg}
}

func (f *fixture) installer(dir string, mutate ...func(*install.Options)) *install.Installer {
	f.t.Helper()
	hc := vhttp.DefaultConfig()
	hc.Retry.MaxRetries = 0
	client, err := vhttp.NewClient(hc)
	require.NoError(f.t, err)

	opts := install.Options{
		Dir:      dir,
		Config:   f.cfg,
		Store:    f.store,
		Registry: registry.NewClient(client, registry.Config{URL: f.srv.URL}, nil, nil),
		Platform: resolver.Platform{OS: "linux", CPU: "x64"},
	}
	for _, m := range mutate {
		m(&opts)
	}
	inst, err := install.New(opts)
	require.NoError(f.t, err)
	return inst
}

func (f *fixture) run(dir string, mutate ...func(*install.Options)) (*install.Result, error) {
	f.t.Helper()
	return f.installer(dir, mutate...).Run(context.Background())
}

func writeManifest(t *testing.T, dir string, m map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, core.ManifestFile), data, 0o644))
}

func project(t *testing.T, deps map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	writeManifest(t, dir, map[string]any{"name": "app", "version": "1.0.0", "dependencies": deps})
	return dir
}

func hasWarning(res *install.Result, substr string) bool {
	for _, w := range res.Warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func installedVersion(t *testing.T, dir, path string) string {
	t.Helper()
	m, err := core.LoadManifest(filepath.Join(dir, filepath.FromSlash(path), core.ManifestFile))
	require.NoError(t, err)
	return m.Version
}

func TestRun_NestedConflict(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", map[string]string{"c": "^1.0.0"}, nil)
	f.srv.Publish("b", "1.0.0", map[string]string{"c": "^2.0.0"}, nil)
	f.srv.Publish("c", "1.0.0", nil, nil)
	f.srv.Publish("c", "2.0.0", nil, nil)

	dir := project(t, map[string]string{"a": "^1.0.0", "b": "^1.0.0"})
	res, err := f.run(dir)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Installed)
	assert.Equal(t, 4, res.Packages)
	assert.Equal(t, "1.0.0", installedVersion(t, dir, "node_modules/c"))
	assert.Equal(t, "2.0.0", installedVersion(t, dir, "node_modules/b/node_modules/c"))
	assert.NoDirExists(t, filepath.Join(dir, "node_modules", "a", "node_modules"))
}

func TestRun_Dedup(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", map[string]string{"c": "^1.0.0"}, nil)
	f.srv.Publish("b", "1.0.0", map[string]string{"c": "^1.1.0"}, nil)
	f.srv.Publish("c", "1.2.0", nil, nil)

	dir := project(t, map[string]string{"a": "1.0.0", "b": "1.0.0"})
	res, err := f.run(dir)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Installed)
	assert.Equal(t, int64(3), f.srv.TarballRequests())
	assert.Equal(t, "1.2.0", installedVersion(t, dir, "node_modules/c"))
	assert.NoDirExists(t, filepath.Join(dir, "node_modules", "b", "node_modules"))

	lf, _, err := lockfile.Load(filepath.Join(dir, lockfile.FileName), lockfile.LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, lf.Find("c@1.2.0"))
	assert.Equal(t, []string{"node_modules/c"}, lf.Find("c@1.2.0").Paths)
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", map[string]string{"b": "^1.0.0"}, nil)
	f.srv.Publish("b", "1.0.0", nil, nil)

	dir := project(t, map[string]string{"a": "^1.0.0"})
	first, err := f.run(dir)
	require.NoError(t, err)
	assert.False(t, first.UpToDate)
	assert.Equal(t, 2, first.Downloaded)
	lockBefore, err := os.ReadFile(filepath.Join(dir, lockfile.FileName))
	require.NoError(t, err)

	requests := f.srv.Requests()
	second, err := f.run(dir)
	require.NoError(t, err)

	assert.True(t, second.UpToDate)
	assert.Zero(t, second.Downloaded)
	assert.Zero(t, second.Installed)
	assert.Equal(t, requests, f.srv.Requests(), "no network on a no-op install")
	lockAfter, err := os.ReadFile(filepath.Join(dir, lockfile.FileName))
	require.NoError(t, err)
	assert.Equal(t, lockBefore, lockAfter)
}

func TestRun_ForceReusesStore(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	dir := project(t, map[string]string{"a": "^1.0.0"})

	_, err := f.run(dir)
	require.NoError(t, err)
	tarballs := f.srv.TarballRequests()

	res, err := f.run(dir, func(o *install.Options) { o.Force = true })
	require.NoError(t, err)
	assert.False(t, res.UpToDate)
	assert.Zero(t, res.Installed, "unchanged packages are not relinked")
	assert.Equal(t, tarballs, f.srv.TarballRequests())
}

func TestRun_RepairsMissingPath(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	dir := project(t, map[string]string{"a": "^1.0.0"})

	_, err := f.run(dir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "node_modules", "a")))

	res, err := f.run(dir)
	require.NoError(t, err)
	assert.False(t, res.UpToDate)
	assert.Equal(t, 1, res.Installed)
	assert.Equal(t, 1, res.Cached)
	assert.Equal(t, int64(1), f.srv.TarballRequests())
	assert.FileExists(t, filepath.Join(dir, "node_modules", "a", "package.json"))
}

func TestRun_DeterministicLockfile(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", map[string]string{"shared": "^1.0.0", "x": "^1.0.0"}, nil)
	f.srv.Publish("b", "1.0.0", map[string]string{"shared": "^2.0.0"}, nil)
	f.srv.Publish("shared", "1.0.0", nil, nil)
	f.srv.Publish("shared", "2.0.0", nil, nil)
	f.srv.Publish("x", "1.0.0", map[string]string{"shared": "^2.0.0"}, nil)
	deps := map[string]string{"a": "^1.0.0", "b": "^1.0.0"}

	one := project(t, deps)
	f.srv.SetDelay(func(name string) time.Duration {
		if name == "a" {
			return 30 * time.Millisecond
		}
		return 0
	})
	_, err := f.run(one)
	require.NoError(t, err)

	two := project(t, deps)
	f.srv.SetDelay(func(name string) time.Duration {
		if name == "shared" || name == "b" {
			return 30 * time.Millisecond
		}
		return 0
	})
	_, err = f.run(two)
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(one, lockfile.FileName))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(two, lockfile.FileName))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_IntegrityMismatchFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("good", "1.0.0", nil, nil)
	f.srv.Publish("evil", "1.0.0", nil, nil)
	f.srv.Update("evil", "1.0.0", func(vm *registry.VersionMetadata) {
		vm.Dist.Integrity = registrytest.Integrity([]byte("something else"))
	})

	dir := project(t, map[string]string{"good": "1.0.0", "evil": "1.0.0"})
	res, err := f.run(dir)
	require.Error(t, err)

	assert.ErrorIs(t, err, core.IntegrityViolation)
	assert.Equal(t, err, res.Err)
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "evil", ce.Package)
	assert.NotEmpty(t, ce.Expected)
	assert.NotEmpty(t, ce.Actual)

	assert.NoDirExists(t, filepath.Join(dir, "node_modules", "evil"))
	assert.NoFileExists(t, filepath.Join(dir, lockfile.FileName))
	assert.NoFileExists(t, install.StatePath(dir))

	evil, ok := store.DigestFromIntegrity(registrytest.Integrity([]byte("something else")))
	require.True(t, ok)
	assert.False(t, f.store.Has(evil))
}

func TestRun_MissingIntegrity(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	f.srv.Update("a", "1.0.0", func(vm *registry.VersionMetadata) {
		vm.Dist.Integrity = ""
		vm.Dist.Shasum = ""
	})
	dir := project(t, map[string]string{"a": "1.0.0"})

	_, err := f.run(dir)
	assert.ErrorIs(t, err, core.IntegrityViolation)

	f.cfg.Security.RequireIntegrity = false
	res, err := f.run(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Installed)
}

func TestRun_ShasumOnlyHitsStore(t *testing.T) {
	f := newFixture(t)
	tgz := registrytest.Tarball([]registrytest.Entry{
		{Name: "package/package.json", Body: `{"name":"legacy","version":"0.1.0"}`},
	})
	f.srv.PublishTarball(&registry.VersionMetadata{Name: "legacy", Version: "0.1.0"}, tgz)
	sum := sha1.Sum(tgz)
	f.srv.Update("legacy", "0.1.0", func(vm *registry.VersionMetadata) {
		vm.Dist.Integrity = ""
		vm.Dist.Shasum = hex.EncodeToString(sum[:])
	})

	res, err := f.run(project(t, map[string]string{"legacy": "0.1.0"}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Installed)
	assert.Equal(t, int64(1), f.srv.TarballRequests())

	other := project(t, map[string]string{"legacy": "0.1.0"})
	res, err = f.run(other)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cached)
	assert.Equal(t, int64(1), f.srv.TarballRequests(), "second project reuses the stored blob")
	assert.FileExists(t, filepath.Join(other, "node_modules", "legacy", "package.json"))
}

func publishTraversal(srv *registrytest.Server) {
	tgz := registrytest.Tarball([]registrytest.Entry{
		{Name: "package/package.json", Body: `{"name":"evil","version":"1.0.0"}`},
		{Name: "package/../../escape.txt", Body: "pwned"},
	})
	srv.PublishTarball(&registry.VersionMetadata{Name: "evil", Version: "1.0.0"}, tgz)
}

func TestRun_PathTraversalStrict(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("good", "1.0.0", nil, nil)
	publishTraversal(f.srv)

	dir := project(t, map[string]string{"good": "1.0.0", "evil": "1.0.0"})
	_, err := f.run(dir)
	require.Error(t, err)

	assert.ErrorIs(t, err, core.PathTraversal)
	assert.NoDirExists(t, filepath.Join(dir, "node_modules", "evil"))
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(f.store.Dir(), "escape.txt"))
}

func TestRun_PathTraversalPermissive(t *testing.T) {
	f := newFixture(t)
	f.cfg.Security.StrictExtraction = false
	f.srv.Publish("good", "1.0.0", nil, nil)
	publishTraversal(f.srv)

	dir := project(t, map[string]string{"good": "1.0.0", "evil": "1.0.0"})
	res, err := f.run(dir)
	require.NoError(t, err)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "evil", res.Failed[0].Package)
	assert.ErrorIs(t, res.Failed[0].Err, core.PathTraversal)
	assert.FileExists(t, filepath.Join(dir, "node_modules", "good", "package.json"))
	assert.NoDirExists(t, filepath.Join(dir, "node_modules", "evil"))
}

func TestRun_PrunesRemovedPackages(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	f.srv.Publish("b", "1.0.0", map[string]string{"c": "^1.0.0"}, nil)
	f.srv.Publish("c", "1.0.0", nil, nil)

	dir := project(t, map[string]string{"a": "^1.0.0", "b": "^1.0.0"})
	_, err := f.run(dir)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(dir, "node_modules", "c"))

	writeManifest(t, dir, map[string]any{"name": "app", "dependencies": map[string]string{"a": "^1.0.0"}})
	res, err := f.run(dir)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Removed)
	assert.Zero(t, res.Installed)
	assert.Zero(t, res.Downloaded)
	assert.DirExists(t, filepath.Join(dir, "node_modules", "a"))
	assert.NoDirExists(t, filepath.Join(dir, "node_modules", "b"))
	assert.NoDirExists(t, filepath.Join(dir, "node_modules", "c"))
}

func TestRun_UpgradeRelinks(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	dir := project(t, map[string]string{"a": "^1.0.0"})
	_, err := f.run(dir)
	require.NoError(t, err)

	f.srv.Publish("a", "2.0.0", nil, nil)
	writeManifest(t, dir, map[string]any{"name": "app", "dependencies": map[string]string{"a": "^2.0.0"}})
	res, err := f.run(dir)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Installed)
	assert.Zero(t, res.Removed, "the path is reused by the new version")
	assert.Equal(t, "2.0.0", installedVersion(t, dir, "node_modules/a"))
}

func TestRun_PrefersLockedVersion(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	dir := project(t, map[string]string{"a": "^1.0.0"})
	_, err := f.run(dir)
	require.NoError(t, err)

	f.srv.Publish("a", "1.5.0", nil, nil)
	res, err := f.run(dir, func(o *install.Options) { o.Force = true })
	require.NoError(t, err)
	assert.Zero(t, res.Installed)
	assert.Equal(t, "1.0.0", installedVersion(t, dir, "node_modules/a"))

	fresh := project(t, map[string]string{"a": "^1.0.0"})
	_, err = f.run(fresh)
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", installedVersion(t, fresh, "node_modules/a"))
}

func TestRun_Update(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	f.srv.Publish("b", "1.0.0", nil, nil)
	dir := project(t, map[string]string{"a": "^1.0.0", "b": "^1.0.0"})
	_, err := f.run(dir)
	require.NoError(t, err)

	f.srv.Publish("a", "1.5.0", nil, nil)
	f.srv.Publish("b", "1.2.0", nil, nil)

	res, err := f.run(dir, func(o *install.Options) { o.Update = []string{"a", "ghost"} })
	require.NoError(t, err)
	assert.False(t, res.UpToDate, "an update skips the up-to-date check")
	assert.Equal(t, "1.5.0", installedVersion(t, dir, "node_modules/a"))
	assert.Equal(t, "1.0.0", installedVersion(t, dir, "node_modules/b"), "other packages stay locked")
	assert.True(t, hasWarning(res, "ghost is not a dependency"), "%v", res.Warnings)

	lf, _, err := lockfile.Load(filepath.Join(dir, lockfile.FileName), lockfile.LoadOptions{})
	require.NoError(t, err)
	assert.NotNil(t, lf.Find("a@1.5.0"))
	assert.NotNil(t, lf.Find("b@1.0.0"))

	_, err = f.run(dir, func(o *install.Options) { o.UpdateAll = true })
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", installedVersion(t, dir, "node_modules/b"))
}

func TestRun_FrozenLockfile(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	dir := project(t, map[string]string{"a": "^1.0.0"})

	_, err := f.run(dir, func(o *install.Options) { o.FrozenLockfile = true })
	require.Error(t, err)
	assert.ErrorIs(t, err, core.LockfileTampered)
	assert.ErrorIs(t, err, install.ErrFrozenLockfile)
	assert.Zero(t, f.srv.TarballRequests())

	_, err = f.run(dir)
	require.NoError(t, err)
	_, err = f.run(dir, func(o *install.Options) { o.FrozenLockfile = true; o.Force = true })
	require.NoError(t, err)
}

func TestRun_TamperedLockfile(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	dir := project(t, map[string]string{"a": "^1.0.0"})
	_, err := f.run(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, lockfile.FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, []byte("\n# edited\n[[package]]\nname = \"x\"\nversion = \"1.0.0\"\nresolved = \"\"\npaths = []\n")...), 0o644))

	_, err = f.run(dir)
	assert.ErrorIs(t, err, core.LockfileTampered)

	f.cfg.Security.AllowTamperedLockfile = true
	res, err := f.run(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warnings)
}

func TestRun_Bins(t *testing.T) {
	f := newFixture(t)
	vm := f.srv.Publish("tool", "1.0.0", nil, map[string]string{
		"package.json": `{"name":"tool","version":"1.0.0","bin":{"tool":"cli.js"}}`,
		"cli.js":       "#!/usr/bin/env node\n",
	})
	f.srv.Update("tool", vm.Version, func(vm *registry.VersionMetadata) {
		vm.Bin = core.BinField{"tool": "cli.js"}
	})

	dir := project(t, map[string]string{"tool": "^1.0.0"})
	_, err := f.run(dir)
	require.NoError(t, err)

	_, err = os.Lstat(filepath.Join(dir, "node_modules", ".bin", "tool"))
	assert.NoError(t, err)
}

func TestRun_ScriptPolicy(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("native", "1.0.0", nil, nil)
	f.srv.Publish("@trusted/native", "1.0.0", nil, nil)
	for _, name := range []string{"native", "@trusted/native"} {
		f.srv.Update(name, "1.0.0", func(vm *registry.VersionMetadata) {
			vm.Scripts = map[string]string{"postinstall": "node build.js"}
		})
	}
	f.cfg.Security.TrustedScopes = []string{"@trusted"}

	dir := project(t, map[string]string{"native": "1.0.0", "@trusted/native": "1.0.0"})
	res, err := f.run(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"native@1.0.0"}, res.ScriptsBlocked)
	assert.Equal(t, []string{"@trusted/native@1.0.0"}, res.ScriptsAllowed)
	assert.FileExists(t, filepath.Join(dir, "node_modules", "@trusted", "native", "package.json"))
}

func TestRun_Permissions(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("net", "1.0.0", nil, nil)
	f.srv.Update("net", "1.0.0", func(vm *registry.VersionMetadata) {
		vm.Permissions = []string{"filesystem", "network"}
	})
	dir := project(t, map[string]string{"net": "1.0.0"})

	res, err := f.run(dir)
	require.NoError(t, err)
	assert.True(t, hasWarning(res, "capabilities not allowed: network"), "%v", res.Warnings)

	// Tightening the policy must not be masked by the up-to-date check.
	f.cfg.Security.StrictPermissions = true
	_, err = f.run(dir)
	assert.ErrorIs(t, err, core.PermissionDenied)
	assert.NoFileExists(t, install.StatePath(dir))

	f.cfg.Security.Permissions = map[string][]string{"net": {"network", "filesystem"}}
	res, err = f.run(dir)
	require.NoError(t, err)
	assert.False(t, res.UpToDate)
	assert.False(t, hasWarning(res, "capabilities not allowed"), "%v", res.Warnings)

	res, err = f.run(dir)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
}

func TestRun_NameWarnings(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("lodahs", "1.0.0", nil, nil)
	f.srv.Publish("billing-internal", "1.0.0", nil, nil)

	res, err := f.run(project(t, map[string]string{"lodahs": "1.0.0", "billing-internal": "1.0.0"}))
	require.NoError(t, err)
	assert.True(t, hasWarning(res, `popular package "lodash"`), "%v", res.Warnings)
	assert.True(t, hasWarning(res, "dependency confusion"), "%v", res.Warnings)
}

func TestRun_DownloadFailure(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("gone", "1.0.0", nil, nil)
	f.srv.Update("gone", "1.0.0", func(vm *registry.VersionMetadata) {
		vm.Dist.Tarball = f.srv.URL + "/gone/-/missing-1.0.0.tgz"
	})

	_, err := f.run(project(t, map[string]string{"gone": "1.0.0"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.DownloadFailed)
	assert.Equal(t, 6, core.ExitCode(err))

	dir := t.TempDir()
	writeManifest(t, dir, map[string]any{"name": "app", "optionalDependencies": map[string]string{"gone": "1.0.0"}})
	res, err := f.run(dir)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "gone", res.Failed[0].Package)

	again, err := f.run(dir)
	require.NoError(t, err)
	assert.True(t, again.UpToDate, "a skipped optional package does not invalidate the tree")
}

func TestRun_WorkspaceCycleBeforeNetwork(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeManifest(t, root, map[string]any{"name": "mono", "workspaces": []string{"packages/*"}})
	writeManifest(t, filepath.Join(root, "packages", "x"), map[string]any{
		"name": "x", "version": "1.0.0", "dependencies": map[string]string{"y": "workspace:*", "left-pad": "^1.0.0"},
	})
	writeManifest(t, filepath.Join(root, "packages", "y"), map[string]any{
		"name": "y", "version": "1.0.0", "dependencies": map[string]string{"x": "workspace:*"},
	})

	_, err := f.run(root)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.WorkspaceCycle)
	assert.Equal(t, 5, core.ExitCode(err))
	assert.Zero(t, f.srv.Requests())
}

func TestRun_Workspace(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("left-pad", "1.0.0", nil, nil)
	f.srv.Publish("react", "18.2.0", nil, nil)

	root := t.TempDir()
	writeManifest(t, root, map[string]any{
		"name": "mono", "workspaces": []string{"packages/*"},
		"devDependencies": map[string]string{"react": "^18.0.0"},
	})
	writeManifest(t, filepath.Join(root, "packages", "lib"), map[string]any{
		"name": "lib", "version": "0.1.0", "dependencies": map[string]string{"left-pad": "^1.0.0"},
	})
	writeManifest(t, filepath.Join(root, "packages", "app"), map[string]any{
		"name": "app", "version": "0.1.0", "dependencies": map[string]string{"lib": "workspace:*"},
	})

	res, err := f.run(root)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Packages)

	assert.FileExists(t, filepath.Join(root, "node_modules", "react", "package.json"))
	assert.FileExists(t, filepath.Join(root, "packages", "lib", "node_modules", "left-pad", "package.json"))
	link, err := os.Readlink(filepath.Join(root, "packages", "app", "node_modules", "lib"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "..", "lib"), link)

	lf, _, err := lockfile.Load(filepath.Join(root, lockfile.FileName), lockfile.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "lib", lf.Workspaces["packages/lib"].Name)
	require.NotNil(t, lf.Find("left-pad@1.0.0"))
	assert.Equal(t, []string{"packages/lib/node_modules/left-pad"}, lf.Find("left-pad@1.0.0").Paths)
	assert.NoFileExists(t, filepath.Join(root, "packages", "lib", lockfile.FileName))

	again, err := f.run(root)
	require.NoError(t, err)
	assert.True(t, again.UpToDate)
}

func TestRun_WorkspacePerMemberLockfiles(t *testing.T) {
	f := newFixture(t)
	f.cfg.Workspace.SharedLockfile = false
	f.srv.Publish("left-pad", "1.0.0", nil, nil)

	root := t.TempDir()
	writeManifest(t, root, map[string]any{"name": "mono", "workspaces": []string{"packages/*"}})
	writeManifest(t, filepath.Join(root, "packages", "lib"), map[string]any{
		"name": "lib", "version": "0.1.0", "dependencies": map[string]string{"left-pad": "^1.0.0"},
	})

	_, err := f.run(root)
	require.NoError(t, err)

	lf, _, err := lockfile.Load(filepath.Join(root, "packages", "lib", lockfile.FileName), lockfile.LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, lf.Find("left-pad@1.0.0"))
	assert.Equal(t, []string{"node_modules/left-pad"}, lf.Find("left-pad@1.0.0").Paths)
	assert.FileExists(t, filepath.Join(root, lockfile.FileName))
}

func TestRun_Production(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("a", "1.0.0", nil, nil)
	f.srv.Publish("jest", "29.0.0", nil, nil)
	dir := t.TempDir()
	writeManifest(t, dir, map[string]any{
		"name":            "app",
		"dependencies":    map[string]string{"a": "^1.0.0"},
		"devDependencies": map[string]string{"jest": "^29.0.0"},
	})

	_, err := f.run(dir, func(o *install.Options) { o.Production = true })
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "node_modules", "a"))
	assert.NoDirExists(t, filepath.Join(dir, "node_modules", "jest"))

	res, err := f.run(dir)
	require.NoError(t, err)
	assert.False(t, res.UpToDate, "switching modes reinstalls")
	assert.DirExists(t, filepath.Join(dir, "node_modules", "jest"))
}

func TestRun_SymlinkInsideTarball(t *testing.T) {
	f := newFixture(t)
	tgz := registrytest.Tarball([]registrytest.Entry{
		{Name: "package/package.json", Body: `{"name":"linky","version":"1.0.0"}`},
		{Name: "package/lib/index.js", Body: "module.exports = 1\n"},
		{Name: "package/index.js", Typeflag: tar.TypeSymlink, Linkname: "lib/index.js"},
	})
	f.srv.PublishTarball(&registry.VersionMetadata{Name: "linky", Version: "1.0.0"}, tgz)

	dir := project(t, map[string]string{"linky": "1.0.0"})
	_, err := f.run(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "node_modules", "linky", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "module.exports = 1\n", string(data))
}
