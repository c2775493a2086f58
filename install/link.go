package install

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/core/resolver"
	"github.com/justbytecode/velocity/lockfile"
	"github.com/justbytecode/velocity/packaging"
	"github.com/justbytecode/velocity/workspace"
)

const modulesSegment = "/node_modules/"

// link places the pending nodes under root, shallow paths first, and links
// their bins. Nodes without a digest, and every node below one, are
// skipped; the skipped paths are returned.
func (i *Installer) link(u *unit, nodes []*resolver.Node, digests map[string]string, res *Result) (map[string]bool, error) {
	ordered := append([]*resolver.Node(nil), nodes...)
	sort.SliceStable(ordered, func(a, b int) bool {
		da, db := ordered[a].Depth(), ordered[b].Depth()
		if da != db {
			return da < db
		}
		return ordered[a].Path < ordered[b].Path
	})

	skipped := make(map[string]bool)
	for _, n := range ordered {
		digest, ok := digests[n.Key()]
		if !ok || underAny(n.Path, skipped) {
			skipped[n.Path] = true
			continue
		}
		src, err := i.store.ExtractedPath(digest)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(u.dir, filepath.FromSlash(n.Path))
		stats, err := packaging.ReplaceTree(src, dst)
		if err != nil {
			return nil, err
		}
		res.Installed++
		i.logger.Verbose("Linked {Package}@{Version} at {Path} ({Linked} linked, {Copied} copied)",
			n.Name, n.Version, n.Path, stats.Linked, stats.Copied)

		for _, w := range linkBins(u.dir, n) {
			res.warn(w)
		}
	}
	return skipped, nil
}

// linkBins exposes the bins of n in the .bin directory of the node_modules
// holding it. Problems are returned as warnings.
func linkBins(root string, n *resolver.Node) []string {
	if len(n.Bin) == 0 {
		return nil
	}
	pkgDir := filepath.Join(root, filepath.FromSlash(n.Path))
	binDir := filepath.Join(root, filepath.FromSlash(modulesDir(n.Path)), ".bin")

	names := make([]string, 0, len(n.Bin))
	for name := range n.Bin {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []string
	for _, name := range names {
		target := filepath.Join(pkgDir, filepath.FromSlash(n.Bin[name]))
		if !within(pkgDir, target) {
			warnings = append(warnings, fmt.Sprintf("%s: bin %q points outside the package", n.Key(), name))
			continue
		}
		if err := packaging.LinkBin(binDir, name, target); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: bin %q: %v", n.Key(), name, err))
		}
	}
	return warnings
}

// prune removes stale install paths, deepest first, and any bin links
// left dangling by them.
func prune(root string, stale []string) (int, error) {
	lockfile.SortDeepestFirst(stale)
	binDirs := make(map[string]bool)
	for _, p := range stale {
		if err := packaging.RemoveTree(filepath.Join(root, filepath.FromSlash(p))); err != nil {
			return 0, err
		}
		binDirs[filepath.Join(root, filepath.FromSlash(modulesDir(p)), ".bin")] = true
	}
	for dir := range binDirs {
		if err := removeDanglingLinks(dir); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func removeDanglingLinks(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			if err := os.Remove(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// linkLocal symlinks workspace dependencies into the node_modules of their
// requesters and returns the link paths relative to the workspace root.
func (i *Installer) linkLocal(ws *workspace.Workspace, units []*unit) ([]string, error) {
	var paths []string
	for _, u := range units {
		for _, l := range u.links {
			target, err := localTarget(ws, l)
			if err != nil {
				return nil, err
			}
			rel := path.Join(l.From, "node_modules", l.Name)
			if err := packaging.LinkLocal(target, filepath.Join(u.dir, filepath.FromSlash(rel))); err != nil {
				return nil, err
			}
			i.logger.Debug("Linked workspace package {Package} at {Path}", l.Name, rel)
			paths = append(paths, path.Join(u.rel, rel))
		}
	}
	return paths, nil
}

// localTarget returns the directory a local dependency points at.
func localTarget(ws *workspace.Workspace, l localLink) (string, error) {
	for _, prefix := range []string{"file:", "link:"} {
		if p, ok := strings.CutPrefix(l.Constraint, prefix); ok {
			if filepath.IsAbs(p) {
				return filepath.Clean(p), nil
			}
			return filepath.Join(l.base, filepath.FromSlash(p)), nil
		}
	}
	if m := ws.Member(l.Name); m != nil {
		return m.Dir, nil
	}
	return "", &core.Error{Kind: core.InvalidManifest, Package: l.Name,
		Err: fmt.Errorf("%q refers to a workspace package that does not exist", l.Constraint)}
}

// modulesDir returns the node_modules directory holding the install path p.
func modulesDir(p string) string {
	if i := strings.LastIndex(p, modulesSegment); i >= 0 {
		return p[:i+len(modulesSegment)-1]
	}
	return "node_modules"
}

// underAny reports whether an ancestor install path of p is in set.
func underAny(p string, set map[string]bool) bool {
	if len(set) == 0 {
		return false
	}
	for i := strings.Index(p, modulesSegment); i >= 0; {
		if set[p[:i]] {
			return true
		}
		next := strings.Index(p[i+1:], modulesSegment)
		if next < 0 {
			break
		}
		i += 1 + next
	}
	return false
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
