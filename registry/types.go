package registry

import (
	"sort"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/version"
)

// PackageMetadata is a registry packument: every published version of one
// package. Values returned by the client are shared and must not be mutated.
type PackageMetadata struct {
	Name     string                      `json:"name"`
	DistTags map[string]string           `json:"dist-tags"`
	Versions map[string]*VersionMetadata `json:"versions"`
	Modified string                      `json:"modified,omitempty"`
}

// VersionMetadata is the manifest of one published version.
type VersionMetadata struct {
	Name                 string              `json:"name"`
	Version              string              `json:"version"`
	Dependencies         map[string]string   `json:"dependencies,omitempty"`
	OptionalDependencies map[string]string   `json:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string   `json:"peerDependencies,omitempty"`
	PeerDependenciesMeta map[string]PeerMeta `json:"peerDependenciesMeta,omitempty"`
	Bin                  core.BinField       `json:"bin,omitempty"`
	Scripts              map[string]string   `json:"scripts,omitempty"`
	HasInstallScript     bool                `json:"hasInstallScript,omitempty"`
	OS                   []string            `json:"os,omitempty"`
	CPU                  []string            `json:"cpu,omitempty"`
	Permissions          []string            `json:"permissions,omitempty"`
	Deprecated           string              `json:"deprecated,omitempty"`
	Dist                 Dist                `json:"dist"`
}

// PeerMeta carries per-peer flags.
type PeerMeta struct {
	Optional bool `json:"optional,omitempty"`
}

// Dist describes the published tarball.
type Dist struct {
	Tarball      string `json:"tarball"`
	Integrity    string `json:"integrity,omitempty"`
	Shasum       string `json:"shasum,omitempty"`
	UnpackedSize int64  `json:"unpackedSize,omitempty"`
}

// VersionList returns the published versions, newest first. Unparseable
// versions are skipped.
func (m *PackageMetadata) VersionList() []*version.Version {
	raw := make([]string, 0, len(m.Versions))
	for v := range m.Versions {
		raw = append(raw, v)
	}
	return version.ParseAll(raw)
}

// Latest returns the "latest" dist-tag, or "".
func (m *PackageMetadata) Latest() string {
	return m.DistTags["latest"]
}

// Version returns the manifest of ver, or nil.
func (m *PackageMetadata) Version(ver string) *VersionMetadata {
	return m.Versions[ver]
}

// HasScripts reports whether installing this version would run a lifecycle hook.
func (v *VersionMetadata) HasScripts() bool {
	return v.HasInstallScript || core.HasInstallScripts(v.Scripts)
}

// Specs returns the version's dependencies sorted by name. Entries listed in
// optionalDependencies are marked optional even when they also appear in
// dependencies.
func (v *VersionMetadata) Specs() []core.PackageSpec {
	byName := make(map[string]core.PackageSpec, len(v.Dependencies)+len(v.OptionalDependencies))
	for name, c := range v.Dependencies {
		byName[name] = core.PackageSpec{Name: name, Constraint: c, Kind: core.DependencyRegular}
	}
	for name, c := range v.OptionalDependencies {
		byName[name] = core.PackageSpec{Name: name, Constraint: c, Kind: core.DependencyOptional}
	}
	return sortedSpecs(byName)
}

// PeerSpecs returns the declared peers sorted by name.
func (v *VersionMetadata) PeerSpecs() []core.PackageSpec {
	byName := make(map[string]core.PackageSpec, len(v.PeerDependencies))
	for name, c := range v.PeerDependencies {
		byName[name] = core.PackageSpec{Name: name, Constraint: c, Kind: core.DependencyPeer}
	}
	return sortedSpecs(byName)
}

// PeerOptional reports whether the peer name is marked optional.
func (v *VersionMetadata) PeerOptional(name string) bool {
	return v.PeerDependenciesMeta[name].Optional
}

func sortedSpecs(byName map[string]core.PackageSpec) []core.PackageSpec {
	specs := make([]core.PackageSpec, 0, len(byName))
	for _, s := range byName {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
