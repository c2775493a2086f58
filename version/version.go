// Package version provides npm-style semantic version parsing and comparison.
//
// It is a thin layer over github.com/Masterminds/semver/v3 that adds the
// range spellings npm accepts and deterministic candidate ordering.
//
// Example:
//
//	v, err := version.Parse("1.2.3-beta.1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(v.Major(), v.Minor(), v.Patch()) // 1 2 3
package version

import (
	"fmt"
	"sort"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Version represents a published package version.
type Version struct {
	v *mm.Version
}

// Parse parses a version string.
//
// A leading "v" or "=" is accepted, as npm does.
func Parse(s string) (*Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "=")
	if s == "" {
		return nil, fmt.Errorf("version string cannot be empty")
	}
	v, err := mm.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return &Version{v: v}, nil
}

// MustParse parses a version string and panics on error.
// Use this only when you know the version string is valid.
func MustParse(s string) *Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as published.
func (v *Version) String() string {
	return v.v.Original()
}

// Major returns the major component.
func (v *Version) Major() uint64 { return v.v.Major() }

// Minor returns the minor component.
func (v *Version) Minor() uint64 { return v.v.Minor() }

// Patch returns the patch component.
func (v *Version) Patch() uint64 { return v.v.Patch() }

// IsPrerelease reports whether the version has a prerelease label.
func (v *Version) IsPrerelease() bool {
	return v.v.Prerelease() != ""
}

// Compare returns -1, 0 or 1. Build metadata is ignored, so ties are
// broken on the original string to keep ordering total.
func (v *Version) Compare(other *Version) int {
	if c := v.v.Compare(other.v); c != 0 {
		return c
	}
	return strings.Compare(v.String(), other.String())
}

// GreaterThan reports whether v sorts after other.
func (v *Version) GreaterThan(other *Version) bool {
	return v.Compare(other) > 0
}

// ParseAll parses every string, skipping entries that are not valid
// semantic versions. The result is sorted newest first.
func ParseAll(versions []string) []*Version {
	out := make([]*Version, 0, len(versions))
	for _, s := range versions {
		v, err := Parse(s)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	SortDescending(out)
	return out
}

// SortDescending sorts versions newest first.
func SortDescending(versions []*Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Compare(versions[j]) > 0
	})
}
