// Package lockfile reads and writes velocity.lock, the record of an exact
// resolved dependency tree.
//
// The file is TOML. Entries are sorted by name and version so that the same
// tree always serializes to the same bytes. The integrity field holds a
// SHA-256 digest of the file serialized with that field empty; a mismatch
// on load means the file was edited by hand or corrupted.
package lockfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"go.trai.ch/zerr"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/core/resolver"
	"github.com/justbytecode/velocity/security"
	"github.com/justbytecode/velocity/version"
)

// FileName is the lockfile name inside a project.
const FileName = "velocity.lock"

// FormatVersion is the lockfile format this package writes.
const FormatVersion = 1

// Lockfile is the decoded content of velocity.lock.
type Lockfile struct {
	Version   int    `toml:"version"`
	Integrity string `toml:"integrity,omitempty"`

	// Dependencies are the project's direct dependencies as
	// "name@version" keys.
	Dependencies []string `toml:"dependencies,omitempty"`

	// Workspaces maps a member's path relative to the project root to
	// its description.
	Workspaces map[string]Workspace `toml:"workspaces,omitempty"`

	Packages []Package `toml:"package"`
}

// Workspace describes one workspace member.
type Workspace struct {
	Name    string `toml:"name"`
	Version string `toml:"version,omitempty"`

	// Dependencies are the member's declared dependencies as
	// "name@constraint".
	Dependencies []string `toml:"dependencies,omitempty"`
}

// Package is one resolved package version.
type Package struct {
	Name      string `toml:"name"`
	Version   string `toml:"version"`
	Resolved  string `toml:"resolved"`
	Integrity string `toml:"integrity,omitempty"`

	// Dependencies are the resolved "name@version" keys of the package's
	// dependencies, across every path it is installed at.
	Dependencies []string `toml:"dependencies,omitempty"`

	// Paths are the install paths relative to the project root.
	Paths []string `toml:"paths"`

	Optional   bool     `toml:"optional,omitempty"`
	HasScripts bool     `toml:"has_scripts,omitempty"`
	OS         []string `toml:"os,omitempty"`
	CPU        []string `toml:"cpu,omitempty"`
}

// Key returns "name@version".
func (p Package) Key() string {
	return p.Name + "@" + p.Version
}

// LoadOptions controls Load.
type LoadOptions struct {
	// AllowTampered downgrades a digest mismatch to a warning.
	AllowTampered bool
}

// FromGraph builds the lockfile of a resolved graph.
func FromGraph(g *resolver.Graph, workspaces map[string]Workspace) *Lockfile {
	byKey := make(map[string]*Package)
	deps := make(map[string]map[string]bool)

	for _, n := range g.Nodes {
		key := n.Key()
		p, ok := byKey[key]
		if !ok {
			p = &Package{
				Name:       n.Name,
				Version:    n.Version,
				Resolved:   n.Resolved,
				Integrity:  IntegrityOf(n),
				Optional:   true,
				HasScripts: n.HasScripts,
				OS:         n.OS,
				CPU:        n.CPU,
			}
			byKey[key] = p
			deps[key] = make(map[string]bool)
		}
		p.Paths = append(p.Paths, n.Path)
		p.Optional = p.Optional && n.Optional
		for _, dep := range n.Dependencies {
			deps[key][dep.Key()] = true
		}
	}

	lf := &Lockfile{Version: FormatVersion}
	for key, p := range byKey {
		p.Dependencies = sortedKeys(deps[key])
		sort.Strings(p.Paths)
		lf.Packages = append(lf.Packages, *p)
	}
	lf.sort()

	root := make(map[string]bool, len(g.Root))
	for _, n := range g.Root {
		root[n.Key()] = true
	}
	lf.Dependencies = sortedKeys(root)

	if len(workspaces) > 0 {
		lf.Workspaces = make(map[string]Workspace, len(workspaces))
		for path, ws := range workspaces {
			ws.Dependencies = append([]string(nil), ws.Dependencies...)
			sort.Strings(ws.Dependencies)
			lf.Workspaces[filepath.ToSlash(path)] = ws
		}
	}
	return lf
}

// IntegrityOf returns the integrity of n, preferring the SRI string and
// falling back to the legacy SHA-1 shasum.
func IntegrityOf(n *resolver.Node) string {
	if n.Integrity != "" {
		return n.Integrity
	}
	if n.Shasum != "" {
		if sri, err := security.FromShasum(n.Shasum); err == nil {
			return sri
		}
	}
	return ""
}

func (l *Lockfile) sort() {
	sort.SliceStable(l.Packages, func(i, j int) bool {
		a, b := l.Packages[i], l.Packages[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return compareVersions(a.Version, b.Version) < 0
	})
}

// compareVersions orders by semver precedence. Unparseable versions sort
// after valid ones, by string.
func compareVersions(a, b string) int {
	va, errA := version.Parse(a)
	vb, errB := version.Parse(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// Digest returns the SHA-256 digest of the lockfile serialized with an
// empty integrity field, as "sha256-<hex>".
func (l *Lockfile) Digest() (string, error) {
	data, err := l.body()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256-" + hex.EncodeToString(sum[:]), nil
}

func (l *Lockfile) body() ([]byte, error) {
	c := *l
	c.Integrity = ""
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, zerr.Wrap(err, "encode lockfile")
	}
	return buf.Bytes(), nil
}

// Encode writes the lockfile with its integrity digest filled in.
func (l *Lockfile) Encode(w io.Writer) error {
	l.sort()
	digest, err := l.Digest()
	if err != nil {
		return err
	}
	l.Integrity = digest
	if err := toml.NewEncoder(w).Encode(l); err != nil {
		return zerr.Wrap(err, "encode lockfile")
	}
	return nil
}

// Bytes returns the encoded lockfile.
func (l *Lockfile) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := l.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the lockfile to path atomically.
func (l *Lockfile) Save(path string) error {
	data, err := l.Bytes()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

// WriteFileAtomic writes data to a temporary file beside path, syncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return zerr.With(zerr.Wrap(err, "create temp file"), "path", path)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return zerr.With(zerr.Wrap(err, "write temp file"), "path", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return zerr.With(zerr.Wrap(err, "sync temp file"), "path", path)
	}
	if err := tmp.Close(); err != nil {
		return zerr.With(zerr.Wrap(err, "close temp file"), "path", path)
	}
	if err := os.Chmod(name, perm); err != nil {
		return zerr.With(zerr.Wrap(err, "chmod temp file"), "path", path)
	}
	if err := os.Rename(name, path); err != nil {
		return zerr.With(zerr.Wrap(err, "rename temp file"), "path", path)
	}
	return nil
}

// Load reads the lockfile at path. A missing file returns a nil lockfile
// and no error.
//
// A file that cannot be decoded, has an unsupported version or whose
// digest does not match its content is LockfileTampered. With
// AllowTampered the problem is returned as a warning instead, together
// with whatever could be decoded.
func Load(path string, opts LoadOptions) (*Lockfile, []string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, zerr.With(zerr.Wrap(err, "read lockfile"), "path", path)
	}
	return Parse(path, data, opts)
}

// Parse decodes lockfile content read from path.
func Parse(path string, data []byte, opts LoadOptions) (*Lockfile, []string, error) {
	var warnings []string
	fail := func(lf *Lockfile, e *core.Error) (*Lockfile, []string, error) {
		if opts.AllowTampered {
			return lf, append(warnings, e.Error()), nil
		}
		return nil, nil, e
	}

	var lf Lockfile
	if _, err := toml.Decode(string(data), &lf); err != nil {
		return fail(nil, &core.Error{Kind: core.LockfileTampered, Path: path, Err: err})
	}
	if lf.Version != FormatVersion {
		return fail(nil, &core.Error{
			Kind: core.LockfileTampered,
			Path: path,
			Err:  fmt.Errorf("unsupported lockfile version %d", lf.Version),
		})
	}

	actual, err := lf.Digest()
	if err != nil {
		return nil, nil, err
	}
	lf.sort()
	if lf.Integrity != actual {
		return fail(&lf, &core.Error{
			Kind:     core.LockfileTampered,
			Path:     path,
			Expected: lf.Integrity,
			Actual:   actual,
		})
	}
	return &lf, warnings, nil
}

// Find returns the entry for key, or nil.
func (l *Lockfile) Find(key string) *Package {
	id, err := core.ParseKey(key)
	if err != nil {
		return nil
	}
	i := sort.Search(len(l.Packages), func(i int) bool {
		p := l.Packages[i]
		if p.Name != id.Name {
			return p.Name >= id.Name
		}
		return p.Version >= id.Version
	})
	if i < len(l.Packages) && l.Packages[i].Key() == key {
		return &l.Packages[i]
	}
	return nil
}

// Pins returns the locked versions of each package name, used to prefer
// them when resolving again.
func (l *Lockfile) Pins() map[string][]string {
	if l == nil {
		return nil
	}
	pins := make(map[string][]string)
	for _, p := range l.Packages {
		pins[p.Name] = append(pins[p.Name], p.Version)
	}
	return pins
}

// Paths returns every install path in the lockfile.
func (l *Lockfile) Paths() []string {
	if l == nil {
		return nil
	}
	var paths []string
	for _, p := range l.Packages {
		paths = append(paths, p.Paths...)
	}
	sort.Strings(paths)
	return paths
}

// Equal reports whether two lockfiles describe the same tree.
func Equal(a, b *Lockfile) bool {
	if a == nil || b == nil {
		return a == b
	}
	da, errA := a.Digest()
	db, errB := b.Digest()
	return errA == nil && errB == nil && da == db
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
