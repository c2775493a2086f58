// Package workspace discovers the member packages of a multi-package
// project and orders them for installation.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/justbytecode/velocity/core"
)

// Member is one workspace package.
type Member struct {
	Name    string
	Version string

	// Dir is the absolute member directory.
	Dir string

	// Path is Dir relative to the workspace root, with forward slashes.
	Path string

	Manifest *core.Manifest
}

// Workspace is a project and its member packages.
type Workspace struct {
	// Root is the absolute project directory.
	Root     string
	Manifest *core.Manifest

	// Members are sorted by path.
	Members []*Member

	// Detection describes where the member patterns came from.
	Detection *DetectionResult

	byName map[string]*Member
}

// Load reads the project at root and its members. Members are declared in
// package.json or velocity-workspace.yaml; when neither declares any,
// fallback patterns are used.
func Load(root string, fallback []string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	manifest, err := core.LoadManifest(filepath.Join(abs, core.ManifestFile))
	if err != nil {
		return nil, err
	}

	det, err := NewDetector(abs).Detect()
	if err != nil {
		return nil, err
	}
	patterns := det.Patterns
	if !det.Found {
		patterns = fallback
	}

	dirs, err := Expand(abs, patterns)
	if err != nil {
		return nil, fmt.Errorf("expanding workspace patterns: %w", err)
	}

	ws := &Workspace{
		Root:      abs,
		Manifest:  manifest,
		Detection: det,
		byName:    make(map[string]*Member, len(dirs)),
	}
	for _, rel := range dirs {
		dir := filepath.Join(abs, filepath.FromSlash(rel))
		path := filepath.Join(dir, core.ManifestFile)
		m, err := core.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if m.Name == "" {
			return nil, &core.Error{Kind: core.InvalidManifest, Path: path, Err: fmt.Errorf("workspace package has no name")}
		}
		if prev, ok := ws.byName[m.Name]; ok {
			return nil, &core.Error{
				Kind:    core.InvalidManifest,
				Package: m.Name,
				Path:    path,
				Err:     fmt.Errorf("workspace package name also used by %s", prev.Path),
			}
		}
		member := &Member{Name: m.Name, Version: m.Version, Dir: dir, Path: rel, Manifest: m}
		ws.Members = append(ws.Members, member)
		ws.byName[m.Name] = member
	}
	return ws, nil
}

// Member returns the member named name, or nil.
func (w *Workspace) Member(name string) *Member {
	return w.byName[name]
}

// Local maps member names to their versions.
func (w *Workspace) Local() map[string]string {
	if len(w.Members) == 0 {
		return nil
	}
	local := make(map[string]string, len(w.Members))
	for _, m := range w.Members {
		local[m.Name] = m.Version
	}
	return local
}

// LocalDependencies returns the names of members that m depends on,
// sorted.
func (w *Workspace) LocalDependencies(m *core.Manifest) []string {
	var names []string
	for _, spec := range m.Specs(true) {
		if _, ok := w.byName[spec.Name]; ok {
			names = append(names, spec.Name)
		}
	}
	for _, spec := range m.Peers() {
		if _, ok := w.byName[spec.Name]; ok {
			names = append(names, spec.Name)
		}
	}
	sort.Strings(names)
	return dedupe(names)
}

// Order returns the members with every member after the members it
// depends on. Ties are broken by name. A dependency cycle among members
// is WorkspaceCycle, naming the edges of the cycle.
func (w *Workspace) Order() ([]*Member, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(w.Members))
	var (
		order []*Member
		stack []string
	)

	var visit func(m *Member) error
	visit = func(m *Member) error {
		switch state[m.Name] {
		case done:
			return nil
		case visiting:
			return cycleError(stack, m.Name)
		}
		state[m.Name] = visiting
		stack = append(stack, m.Name)
		for _, dep := range w.LocalDependencies(m.Manifest) {
			if err := visit(w.byName[dep]); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[m.Name] = done
		order = append(order, m)
		return nil
	}

	members := append([]*Member(nil), w.Members...)
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	for _, m := range members {
		if err := visit(m); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cycleError reports the cycle that closes at name.
func cycleError(stack []string, name string) error {
	start := 0
	for i, s := range stack {
		if s == name {
			start = i
			break
		}
	}
	cycle := append(append([]string(nil), stack[start:]...), name)
	edges := make([]string, 0, len(cycle)-1)
	for i := 0; i+1 < len(cycle); i++ {
		edges = append(edges, cycle[i]+" -> "+cycle[i+1])
	}
	return &core.Error{Kind: core.WorkspaceCycle, Package: name, Edges: edges}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
