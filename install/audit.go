package install

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/lockfile"
	"github.com/justbytecode/velocity/security"
	"github.com/justbytecode/velocity/workspace"
)

// ErrNoLockfile means there is nothing to audit yet.
var ErrNoLockfile = errors.New("no lockfile found; run install first")

// Audit checks.
const (
	CheckName        = "name"
	CheckScripts     = "scripts"
	CheckPermissions = "permissions"
	CheckMetadata    = "metadata"
)

// Finding is one policy observation about a locked package.
type Finding struct {
	Package string
	Version string
	Check   string
	Message string

	// Blocking is set when the same observation fails an install.
	Blocking bool
}

// AuditReport applies the security policy to the locked packages without
// installing anything.
type AuditReport struct {
	// Packages is the number of distinct locked packages.
	Packages int

	Findings []Finding

	// ScriptsAllowed and ScriptsBlocked list "name@version" keys of
	// packages with lifecycle scripts by policy decision.
	ScriptsAllowed []string
	ScriptsBlocked []string
}

// Blocking reports whether any finding would fail an install.
func (r *AuditReport) Blocking() bool {
	for _, f := range r.Findings {
		if f.Blocking {
			return true
		}
	}
	return false
}

// Audit reports the name, lifecycle script and capability decisions for
// every package in the project's lockfiles. Declared capabilities come
// from registry metadata, which the metadata cache usually serves.
func (i *Installer) Audit(ctx context.Context) (*AuditReport, error) {
	ws, err := workspace.Load(i.dir, i.cfg.Workspace.Packages)
	if err != nil {
		return nil, err
	}
	order, err := ws.Order()
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]lockfile.Package)
	found := false
	for _, u := range i.units(ws, order) {
		lf, _, err := lockfile.Load(u.lockPath(), lockfile.LoadOptions{
			AllowTampered: i.cfg.Security.AllowTamperedLockfile,
		})
		if err != nil {
			return nil, err
		}
		if lf == nil {
			continue
		}
		found = true
		for _, p := range lf.Packages {
			byKey[p.Key()] = p
		}
	}
	if !found {
		return nil, ErrNoLockfile
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	declared, err := i.declaredPermissions(ctx, byKey)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{Packages: len(keys)}
	for _, key := range keys {
		p := byKey[key]
		for _, w := range i.policy.CheckName(p.Name) {
			report.Findings = append(report.Findings, Finding{
				Package: p.Name, Version: p.Version, Check: CheckName, Message: w.String(),
			})
		}

		switch i.policy.ScriptDecision(p.Name, p.HasScripts) {
		case security.ScriptsAllowed:
			report.ScriptsAllowed = append(report.ScriptsAllowed, key)
		case security.ScriptsBlocked:
			report.ScriptsBlocked = append(report.ScriptsBlocked, key)
			report.Findings = append(report.Findings, Finding{
				Package: p.Name, Version: p.Version, Check: CheckScripts,
				Message: "lifecycle scripts will not run (not trusted)",
			})
		}

		perms, ok := declared[key]
		if !ok {
			report.Findings = append(report.Findings, Finding{
				Package: p.Name, Version: p.Version, Check: CheckMetadata,
				Message: "registry metadata unavailable; capabilities not checked",
			})
			continue
		}
		if err := i.policy.CheckPermissions(p.Name, perms); err != nil {
			msg := err.Error()
			if ce := (*core.Error)(nil); errors.As(err, &ce) && ce.Err != nil {
				msg = ce.Err.Error()
			}
			report.Findings = append(report.Findings, Finding{
				Package: p.Name, Version: p.Version, Check: CheckPermissions,
				Message: msg, Blocking: i.policy.StrictPermissions,
			})
		}
	}
	return report, nil
}

// declaredPermissions looks up the capabilities each locked package
// declares. Packages whose metadata cannot be fetched are left out.
func (i *Installer) declaredPermissions(ctx context.Context, pkgs map[string]lockfile.Package) (map[string][]string, error) {
	names := make(map[string]bool)
	for _, p := range pkgs {
		names[p.Name] = true
	}

	type result struct {
		name     string
		versions map[string][]string
	}
	results := make(chan result, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Network.Concurrency)
	for name := range names {
		g.Go(func() error {
			meta, err := i.registry.FetchMetadata(gctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				i.logger.WarnContext(gctx, "Metadata for {Package} unavailable: {Error}", name, err)
				return nil
			}
			r := result{name: name, versions: make(map[string][]string, len(meta.Versions))}
			for v, vm := range meta.Versions {
				r.versions[v] = vm.Permissions
			}
			results <- r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	close(results)

	declared := make(map[string][]string, len(pkgs))
	byName := make(map[string]map[string][]string)
	for r := range results {
		byName[r.name] = r.versions
	}
	for key, p := range pkgs {
		versions, ok := byName[p.Name]
		if !ok {
			continue
		}
		if perms, ok := versions[p.Version]; ok {
			declared[key] = perms
		}
	}
	return declared, nil
}
