// Package install materializes a project's dependency tree.
//
// An install runs per lockfile unit: the whole workspace when the lockfile
// is shared, otherwise each member and the root project separately. Each
// unit is resolved, diffed against its previous lockfile, fetched into the
// content-addressable store, verified, extracted once per digest and then
// linked into node_modules. Workspace members are linked to each other
// last, after every unit is in place.
package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/justbytecode/velocity/cache"
	"github.com/justbytecode/velocity/config"
	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/core/resolver"
	vhttp "github.com/justbytecode/velocity/http"
	"github.com/justbytecode/velocity/lockfile"
	"github.com/justbytecode/velocity/observability"
	"github.com/justbytecode/velocity/packaging"
	"github.com/justbytecode/velocity/registry"
	"github.com/justbytecode/velocity/resilience"
	"github.com/justbytecode/velocity/security"
	"github.com/justbytecode/velocity/store"
	"github.com/justbytecode/velocity/workspace"
)

// ErrFrozenLockfile is wrapped in the LockfileTampered error returned when
// a frozen install would change the lockfile.
var ErrFrozenLockfile = errors.New("lockfile is out of date and must not be changed")

// Installer installs the dependencies of one project.
type Installer struct {
	opts     Options
	dir      string
	cfg      *config.Config
	store    *store.Store
	registry Registry
	policy   *security.Policy
	platform resolver.Platform
	logger   observability.Logger
	console  Console

	cpu        *semaphore.Weighted
	extracting singleflight.Group
}

// New creates an installer. Missing collaborators are built from the
// configuration.
func New(opts Options) (*Installer, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	logger := observability.OrNull(opts.Logger)

	st := opts.Store
	if st == nil {
		if st, err = store.Open(cfg.Cache.Dir); err != nil {
			return nil, err
		}
	}

	reg := opts.Registry
	if reg == nil {
		client, err := NewRegistryClient(cfg, st, logger)
		if err != nil {
			return nil, err
		}
		reg = client
	}

	platform := opts.Platform
	if platform == (resolver.Platform{}) {
		platform = resolver.CurrentPlatform()
	}
	console := opts.Console
	if console == nil {
		console = nullConsole{}
	}

	return &Installer{
		opts:     opts,
		dir:      dir,
		cfg:      cfg,
		store:    st,
		registry: reg,
		policy:   policy,
		platform: platform,
		logger:   logger.ForContext("Project", dir),
		console:  console,
		cpu:      semaphore.NewWeighted(int64(runtime.NumCPU())),
	}, nil
}

// NewRegistryClient builds the registry client described by cfg, with its
// metadata cache inside st.
func NewRegistryClient(cfg *config.Config, st *store.Store, logger observability.Logger) (*registry.Client, error) {
	hc, err := cfg.HTTPConfig()
	if err != nil {
		return nil, err
	}
	hc.Logger = logger
	hc.Breakers = resilience.NewBreakers(resilience.DefaultConfig())
	client, err := vhttp.NewClient(hc)
	if err != nil {
		return nil, err
	}
	disk, err := cache.NewDiskCache(st.MetadataDir())
	if err != nil {
		return nil, err
	}
	metadata := cache.NewMultiTierCache(cache.NewMemoryCache(2000, 128<<20), disk)
	return registry.NewClient(client, cfg.RegistryConfig(), metadata, logger), nil
}

// Store returns the content store the installer writes to.
func (i *Installer) Store() *store.Store {
	return i.store
}

// importer is a directory with its own package.json whose dependencies are
// installed into its own node_modules.
type importer struct {
	name     string
	dir      string
	rel      string // relative to the unit directory, "" for the unit root
	manifest *core.Manifest
}

// unit is a set of importers sharing one lockfile.
type unit struct {
	dir       string
	rel       string // relative to the workspace root
	importers []*importer
	links     []localLink
}

func (u *unit) lockPath() string {
	return filepath.Join(u.dir, lockfile.FileName)
}

// localLink is a dependency on a workspace package found while resolving
// an importer.
type localLink struct {
	resolver.LocalLink
	base string // directory file: and link: paths are relative to
}

// Run installs the project. The returned Result is never nil; on failure
// its Err is set to the returned error.
func (i *Installer) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	ctx, span := observability.StartInstallSpan(ctx, i.dir)
	err := i.run(ctx, res)
	observability.EndSpanWithError(span, err)

	res.Duration = time.Since(start)
	sort.Strings(res.ScriptsAllowed)
	sort.Strings(res.ScriptsBlocked)
	if err != nil {
		res.Err = err
		i.logger.ErrorContext(ctx, "Install failed: {Error}", err)
		return res, err
	}
	if !res.UpToDate {
		i.logger.InfoContext(ctx, "Installed {Installed} paths, {Downloaded} downloaded, {Cached} cached, {Removed} removed in {Elapsed}",
			res.Installed, res.Downloaded, res.Cached, res.Removed, res.Duration)
	}
	return res, nil
}

func (i *Installer) run(ctx context.Context, res *Result) error {
	// The workspace graph is checked before anything touches the network.
	ws, err := workspace.Load(i.dir, i.cfg.Workspace.Packages)
	if err != nil {
		return err
	}
	order, err := ws.Order()
	if err != nil {
		return err
	}

	lock, err := packaging.AcquireLock(ctx, filepath.Join(ws.Root, "node_modules", LockName))
	if err != nil {
		return fmt.Errorf("lock project: %w", err)
	}
	defer lock.Unlock()

	units := i.units(ws, order)
	fp, err := i.fingerprint(ws, units)
	if err != nil {
		return err
	}
	if !i.opts.Force && !i.opts.Reverify && !i.updating() && UpToDate(ws.Root, fp) {
		res.UpToDate = true
		i.logger.DebugContext(ctx, "Install state matches fingerprint {Fingerprint}", fp)
		return nil
	}
	// A failed run must not leave a state file vouching for the tree.
	_ = os.Remove(StatePath(ws.Root))

	cc := cache.NewContext()
	cc.MaxAge = i.cfg.Cache.MetadataTTL.Duration
	cc.Offline = i.cfg.Cache.Offline
	ctx = cache.WithContext(ctx, cc)

	keys := make(map[string]bool)
	var paths []string
	for _, u := range units {
		installed, err := i.installUnit(ctx, ws, u, res, keys)
		if err != nil {
			return err
		}
		for _, p := range installed {
			paths = append(paths, path.Join(u.rel, p))
		}
	}
	res.Packages = len(keys)
	i.checkUpdated(keys, res)

	links, err := i.linkLocal(ws, units)
	if err != nil {
		return err
	}
	paths = append(paths, links...)
	sort.Strings(paths)

	fp, err = i.fingerprint(ws, units)
	if err != nil {
		return err
	}
	state := &State{Version: StateVersion, Fingerprint: fp, Success: true, Paths: paths}
	return state.Save(StatePath(ws.Root))
}

// units groups the importers by lockfile. Members come first in
// dependency order; the root project is last.
func (i *Installer) units(ws *workspace.Workspace, order []*workspace.Member) []*unit {
	rootName := ws.Manifest.Name
	if rootName == "" {
		rootName = "project"
	}
	root := &importer{name: rootName, dir: ws.Root, manifest: ws.Manifest}

	if len(order) == 0 || i.cfg.Workspace.SharedLockfile {
		u := &unit{dir: ws.Root}
		for _, m := range order {
			u.importers = append(u.importers, &importer{name: m.Name, dir: m.Dir, rel: m.Path, manifest: m.Manifest})
		}
		u.importers = append(u.importers, root)
		return []*unit{u}
	}

	units := make([]*unit, 0, len(order)+1)
	for _, m := range order {
		units = append(units, &unit{
			dir:       m.Dir,
			rel:       m.Path,
			importers: []*importer{{name: m.Name, dir: m.Dir, manifest: m.Manifest}},
		})
	}
	return append(units, &unit{dir: ws.Root, importers: []*importer{root}})
}

// fingerprint hashes every manifest and lockfile the install reads, plus
// the options that change its outcome.
func (i *Installer) fingerprint(ws *workspace.Workspace, units []*unit) (string, error) {
	files := []string{filepath.Join(ws.Root, core.ManifestFile)}
	for _, m := range ws.Members {
		files = append(files, filepath.Join(m.Dir, core.ManifestFile))
	}
	for _, u := range units {
		files = append(files, u.lockPath())
	}
	sec, err := i.securityFlag()
	if err != nil {
		return "", err
	}
	return fingerprint(files,
		"production="+strconv.FormatBool(i.opts.Production),
		"hoist="+strconv.FormatBool(i.cfg.Workspace.Hoist),
		"shared="+strconv.FormatBool(i.cfg.Workspace.SharedLockfile),
		"platform="+i.platform.OS+"/"+i.platform.CPU,
		"registry="+i.cfg.Registry.URL,
		sec,
	)
}

// securityFlag encodes the security settings canonically, so a policy
// change invalidates an otherwise unchanged install.
func (i *Installer) securityFlag() (string, error) {
	sec := i.cfg.Security
	sec.TrustedScopes = sortedCopy(sec.TrustedScopes)
	sec.TrustedPackages = sortedCopy(sec.TrustedPackages)
	if len(sec.Permissions) > 0 {
		perms := make(map[string][]string, len(sec.Permissions))
		for name, caps := range sec.Permissions {
			perms[name] = sortedCopy(caps)
		}
		sec.Permissions = perms
	}
	data, err := json.Marshal(struct {
		Security config.SecurityConfig `json:"security"`
		Scopes   map[string]string     `json:"scopes"`
	}{sec, i.cfg.Registry.Scopes})
	if err != nil {
		return "", fmt.Errorf("encode security settings: %w", err)
	}
	return "security=" + string(data), nil
}

func sortedCopy(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// installUnit brings one unit's node_modules trees in line with its
// manifests and returns the install paths relative to the unit directory.
func (i *Installer) installUnit(ctx context.Context, ws *workspace.Workspace, u *unit, res *Result, keys map[string]bool) ([]string, error) {
	old, warnings, err := lockfile.Load(u.lockPath(), lockfile.LoadOptions{
		AllowTampered: i.cfg.Security.AllowTamperedLockfile,
	})
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		res.warn(w)
	}

	graph, err := i.resolve(ctx, ws, u, old)
	if err != nil {
		return nil, err
	}
	for _, w := range graph.Warnings {
		res.warn(w)
	}

	next := lockfile.FromGraph(graph, workspaceTable(u))
	if i.opts.FrozenLockfile && !lockfile.Equal(old, next) {
		return nil, &core.Error{Kind: core.LockfileTampered, Path: u.lockPath(), Err: ErrFrozenLockfile}
	}

	if err := i.checkSecurity(graph, res); err != nil {
		return nil, err
	}

	plan := lockfile.Diff(old, next)
	i.report(plan)

	todo := i.pending(u, graph, plan)
	digests, err := i.fetch(ctx, todo, res)
	if err != nil {
		return nil, err
	}

	skipped, err := i.link(u, todo, digests, res)
	if err != nil {
		return nil, err
	}

	removed, err := prune(u.dir, lockfile.StalePaths(old, next))
	if err != nil {
		return nil, err
	}
	res.Removed += removed

	if !lockfile.Equal(old, next) {
		if err := next.Save(u.lockPath()); err != nil {
			return nil, err
		}
	}

	var paths []string
	for _, n := range graph.Nodes {
		keys[n.Key()] = true
		if !skipped[n.Path] {
			paths = append(paths, n.Path)
		}
	}
	return paths, nil
}

func (i *Installer) updating() bool {
	return i.opts.UpdateAll || len(i.opts.Update) > 0
}

// checkUpdated warns about update targets that are not in the tree.
func (i *Installer) checkUpdated(keys map[string]bool, res *Result) {
	if len(i.opts.Update) == 0 {
		return
	}
	names := make(map[string]bool, len(keys))
	for key := range keys {
		if id, err := core.ParseKey(key); err == nil {
			names[id.Name] = true
		}
	}
	for _, name := range i.opts.Update {
		if !names[name] {
			res.warn(fmt.Sprintf("%s is not a dependency of this project", name))
		}
	}
}

// pins returns the locked versions the resolver should prefer, minus the
// packages being updated.
func (i *Installer) pins(old *lockfile.Lockfile) map[string][]string {
	if i.opts.UpdateAll {
		return nil
	}
	pins := old.Pins()
	for _, name := range i.opts.Update {
		delete(pins, name)
	}
	return pins
}

// resolve resolves every importer of u and merges the trees, prefixing
// node paths with the importer's directory.
func (i *Installer) resolve(ctx context.Context, ws *workspace.Workspace, u *unit, old *lockfile.Lockfile) (*resolver.Graph, error) {
	r := resolver.New(i.registry,
		resolver.WithConcurrency(i.cfg.Network.Concurrency),
		resolver.WithHoist(i.cfg.Workspace.Hoist),
		resolver.WithPlatform(i.platform),
		resolver.WithLogger(i.logger),
	)
	pins := i.pins(old)
	local := ws.Local()

	merged := &resolver.Graph{Root: make(map[string]*resolver.Node)}
	u.links = nil
	for _, imp := range u.importers {
		i.console.Printf("Resolving %s\n", imp.name)
		g, err := r.Resolve(ctx, resolver.Request{
			Dependencies: imp.manifest.Specs(!i.opts.Production),
			Pins:         pins,
			Local:        local,
		})
		if err != nil {
			return nil, err
		}
		merged.Steps += g.Steps

		for _, n := range g.Nodes {
			if imp.rel == "" {
				merged.Nodes = append(merged.Nodes, n)
				continue
			}
			c := *n
			c.Path = imp.rel + "/" + n.Path
			merged.Nodes = append(merged.Nodes, &c)
		}
		if imp.rel == "" {
			for name, n := range g.Root {
				merged.Root[name] = n
			}
		}
		for _, l := range g.Local {
			l.From = path.Join(imp.rel, l.From)
			u.links = append(u.links, localLink{LocalLink: l, base: imp.dir})
		}
		for _, w := range g.Warnings {
			if imp.rel != "" {
				w = imp.name + ": " + w
			}
			merged.Warnings = append(merged.Warnings, w)
		}
	}
	sort.Slice(merged.Nodes, func(a, b int) bool { return merged.Nodes[a].Path < merged.Nodes[b].Path })
	return merged, nil
}

// workspaceTable describes the members installed by u.
func workspaceTable(u *unit) map[string]lockfile.Workspace {
	var table map[string]lockfile.Workspace
	for _, imp := range u.importers {
		if imp.rel == "" {
			continue
		}
		if table == nil {
			table = make(map[string]lockfile.Workspace)
		}
		var deps []string
		for _, s := range imp.manifest.Specs(true) {
			deps = append(deps, s.Name+"@"+s.Constraint)
		}
		table[imp.rel] = lockfile.Workspace{Name: imp.manifest.Name, Version: imp.manifest.Version, Dependencies: deps}
	}
	return table
}

// checkSecurity applies the name, script and permission policies to every
// resolved package.
func (i *Installer) checkSecurity(g *resolver.Graph, res *Result) error {
	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		if seen[n.Key()] {
			continue
		}
		seen[n.Key()] = true

		for _, w := range i.policy.CheckName(n.Name) {
			res.warn(w.String())
		}

		switch i.policy.ScriptDecision(n.Name, n.HasScripts) {
		case security.ScriptsAllowed:
			res.ScriptsAllowed = append(res.ScriptsAllowed, n.Key())
		case security.ScriptsBlocked:
			res.ScriptsBlocked = append(res.ScriptsBlocked, n.Key())
			i.logger.Debug("Lifecycle scripts of {Package}@{Version} blocked", n.Name, n.Version)
		}

		if err := i.policy.CheckPermissions(n.Name, n.Permissions); err != nil {
			if ce := (*core.Error)(nil); errors.As(err, &ce) {
				ce.Version = n.Version
			}
			if i.policy.StrictPermissions {
				return err
			}
			res.warn(err.Error())
		}
	}
	return nil
}

func (i *Installer) report(plan lockfile.Plan) {
	for _, p := range plan.Added {
		i.console.Printf("  + %s\n", p.Key())
	}
	for _, c := range plan.Changed {
		if c.From != nil && c.From.Key() != c.To.Key() {
			i.console.Printf("  ~ %s -> %s\n", c.From.Key(), c.To.Version)
		}
	}
	for _, p := range plan.Removed {
		i.console.Printf("  - %s\n", p.Key())
	}
}

// pending returns the nodes to link: added and changed packages, nodes
// whose install path is missing, and every node below one being relinked.
// With Reverify every node is pending.
func (i *Installer) pending(u *unit, g *resolver.Graph, plan lockfile.Plan) []*resolver.Node {
	dirty := make(map[string]bool, len(plan.Added)+len(plan.Changed))
	for _, p := range plan.Added {
		dirty[p.Key()] = true
	}
	for _, c := range plan.Changed {
		dirty[c.To.Key()] = true
	}

	relink := make(map[string]bool)
	var out []*resolver.Node
	for _, n := range g.Nodes {
		need := i.opts.Reverify || dirty[n.Key()] || underAny(n.Path, relink)
		if !need {
			_, err := os.Lstat(filepath.Join(u.dir, filepath.FromSlash(n.Path)))
			need = err != nil
		}
		if need {
			relink[n.Path] = true
			out = append(out, n)
		}
	}
	return out
}
