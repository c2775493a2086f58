// Package core provides the package identity, manifest and error types shared
// by every stage of an install.
//
// It defines PackageIdentity for uniquely identifying a resolved package,
// PackageSpec for a declared dependency, and Manifest for a project's
// package.json.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.trai.ch/zerr"
)

// ManifestFile is the file name of a project manifest.
const ManifestFile = "package.json"

// PackageIdentity represents a unique package identifier.
type PackageIdentity struct {
	// Name is the package name, including its scope if any
	Name string

	// Version is the exact package version
	Version string
}

// NewPackageIdentity creates a new package identity.
func NewPackageIdentity(name, ver string) PackageIdentity {
	return PackageIdentity{Name: name, Version: ver}
}

// Key returns the "name@version" form used in lockfiles and logs.
func (p PackageIdentity) Key() string {
	return p.Name + "@" + p.Version
}

// String returns a string representation of the package identity.
func (p PackageIdentity) String() string {
	return p.Key()
}

// ParseKey splits a "name@version" key. Scoped names keep their leading "@".
func ParseKey(key string) (PackageIdentity, error) {
	i := strings.LastIndex(key, "@")
	if i <= 0 {
		return PackageIdentity{}, fmt.Errorf("invalid package key %q", key)
	}
	return PackageIdentity{Name: key[:i], Version: key[i+1:]}, nil
}

// Scope returns the "@scope" part of a scoped package name, or "".
func Scope(name string) string {
	if !strings.HasPrefix(name, "@") {
		return ""
	}
	if i := strings.Index(name, "/"); i > 0 {
		return name[:i]
	}
	return ""
}

// DependencyKind says which manifest section a dependency came from.
type DependencyKind int

const (
	// DependencyRegular is a "dependencies" entry.
	DependencyRegular DependencyKind = iota
	// DependencyDev is a "devDependencies" entry.
	DependencyDev
	// DependencyOptional is an "optionalDependencies" entry.
	DependencyOptional
	// DependencyPeer is a "peerDependencies" entry.
	DependencyPeer
)

// String returns the manifest section name.
func (k DependencyKind) String() string {
	switch k {
	case DependencyDev:
		return "dev"
	case DependencyOptional:
		return "optional"
	case DependencyPeer:
		return "peer"
	default:
		return "prod"
	}
}

// PackageSpec represents a declared dependency on another package.
type PackageSpec struct {
	// Name is the dependency package name
	Name string

	// Constraint is the raw version range expression
	Constraint string

	// Kind is the manifest section the dependency was declared in
	Kind DependencyKind

	// Registry overrides the registry URL for this dependency, if set
	Registry string
}

// IsLocal reports whether the spec refers to a workspace package.
func (s PackageSpec) IsLocal() bool {
	return strings.HasPrefix(s.Constraint, "workspace:") ||
		strings.HasPrefix(s.Constraint, "file:") ||
		strings.HasPrefix(s.Constraint, "link:")
}

// Manifest is the subset of package.json an install needs.
type Manifest struct {
	Name                 string            `json:"name,omitempty"`
	Version              string            `json:"version,omitempty"`
	Private              bool              `json:"private,omitempty"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	Workspaces           Workspaces        `json:"workspaces,omitempty"`
	Bin                  BinField          `json:"bin,omitempty"`
	Scripts              map[string]string `json:"scripts,omitempty"`
}

// Workspaces accepts both the array and the {"packages": [...]} forms.
type Workspaces []string

// UnmarshalJSON implements json.Unmarshaler.
func (w *Workspaces) UnmarshalJSON(data []byte) error {
	var patterns []string
	if err := json.Unmarshal(data, &patterns); err == nil {
		*w = patterns
		return nil
	}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("workspaces: expected array or object: %w", err)
	}
	*w = obj.Packages
	return nil
}

// BinField accepts both the string and the map forms of "bin".
// A string form is keyed by the unscoped package name once resolved via Normalize.
type BinField map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (b *BinField) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*b = BinField{"": single}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("bin: expected string or object: %w", err)
	}
	*b = m
	return nil
}

// Normalize returns the bin map with the string form keyed by the
// package's unscoped name.
func (b BinField) Normalize(pkgName string) map[string]string {
	if len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(b))
	for name, target := range b {
		if name == "" {
			name = pkgName
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
		}
		out[name] = target
	}
	return out
}

// installScripts are the lifecycle hooks run on install.
var installScripts = []string{"preinstall", "install", "postinstall", "prepare"}

// HasInstallScripts reports whether the scripts map declares a lifecycle hook.
func HasInstallScripts(scripts map[string]string) bool {
	for _, s := range installScripts {
		if _, ok := scripts[s]; ok {
			return true
		}
	}
	return false
}

// LoadManifest reads and parses a package.json file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "read manifest"), "path", path)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, &Error{Kind: InvalidManifest, Path: path, Err: err}
	}
	return m, nil
}

// ParseManifest parses package.json content.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Specs returns every declared dependency sorted by name. Dev dependencies
// are included when dev is true. When a name appears in more than one
// section, the optional and then regular sections win over dev.
func (m *Manifest) Specs(dev bool) []PackageSpec {
	byName := make(map[string]PackageSpec)
	add := func(deps map[string]string, kind DependencyKind) {
		for name, c := range deps {
			byName[name] = PackageSpec{Name: name, Constraint: c, Kind: kind}
		}
	}
	if dev {
		add(m.DevDependencies, DependencyDev)
	}
	add(m.Dependencies, DependencyRegular)
	add(m.OptionalDependencies, DependencyOptional)

	specs := make([]PackageSpec, 0, len(byName))
	for _, s := range byName {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Peers returns the declared peer dependencies sorted by name.
func (m *Manifest) Peers() []PackageSpec {
	specs := make([]PackageSpec, 0, len(m.PeerDependencies))
	for name, c := range m.PeerDependencies {
		specs = append(specs, PackageSpec{Name: name, Constraint: c, Kind: DependencyPeer})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
