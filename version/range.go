package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Range represents a range of acceptable versions.
//
// Syntax follows npm:
//
//	^1.2.3        - >=1.2.3 <2.0.0
//	~1.2.3        - >=1.2.3 <1.3.0
//	1.x, 1.2.*    - wildcards
//	>=1.0.0 <2    - space separated intersection
//	1.0.0 - 2.0.0 - inclusive hyphen range
//	^1 || ^2      - union
//	*, "", latest - any release version
//
// A prerelease version only satisfies an alternative that names a
// prerelease of the same major.minor.patch, as npm does.
type Range struct {
	raw  string
	alts []alternative
}

type alternative struct {
	c *mm.Constraints
	// pre holds the major.minor.patch tuples written with a prerelease tag.
	pre map[[3]uint64]bool
}

var prereleaseComparator = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)-[0-9A-Za-z.-]+`)

// ParseRange parses a range expression.
func ParseRange(s string) (*Range, error) {
	raw := s
	norm := normalizeRange(s)
	if strings.ContainsAny(norm, ":/") {
		return nil, fmt.Errorf("unsupported version range %q", raw)
	}
	r := &Range{raw: raw}
	for _, part := range strings.Split(norm, "||") {
		part = strings.TrimSpace(part)
		c, err := mm.NewConstraint(part)
		if err != nil {
			return nil, fmt.Errorf("invalid version range %q: %w", raw, err)
		}
		r.alts = append(r.alts, alternative{c: c, pre: prereleaseTuples(part)})
	}
	return r, nil
}

func prereleaseTuples(s string) map[[3]uint64]bool {
	var pre map[[3]uint64]bool
	for _, m := range prereleaseComparator.FindAllStringSubmatch(s, -1) {
		var t [3]uint64
		for i := range t {
			n, err := strconv.ParseUint(m[i+1], 10, 64)
			if err != nil {
				return pre
			}
			t[i] = n
		}
		if pre == nil {
			pre = make(map[[3]uint64]bool)
		}
		pre[t] = true
	}
	return pre
}

// MustParseRange parses a version range string and panics on error.
// Use this only when you know the range string is valid.
func MustParseRange(s string) *Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

// normalizeRange maps npm-only spellings onto forms the constraint parser
// accepts.
func normalizeRange(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "latest", "x", "*":
		return "*"
	}
	// Empty alternatives in a union are dropped.
	parts := strings.Split(s, "||")
	kept := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return "*"
	}
	return strings.Join(kept, " || ")
}

// Satisfies returns true if the version satisfies this range.
func (r *Range) Satisfies(v *Version) bool {
	if v == nil || r == nil {
		return false
	}
	for _, a := range r.alts {
		if !a.c.Check(v.v) {
			continue
		}
		if v.IsPrerelease() && !a.pre[[3]uint64{v.Major(), v.Minor(), v.Patch()}] {
			continue
		}
		return true
	}
	return false
}

// FindBestMatch finds the highest version that satisfies this range.
//
// Returns nil if no version satisfies the range.
func (r *Range) FindBestMatch(versions []*Version) *Version {
	var best *Version

	for _, v := range versions {
		if r.Satisfies(v) {
			if best == nil || v.GreaterThan(best) {
				best = v
			}
		}
	}

	return best
}

// Candidates returns the versions satisfying the range, ordered for
// resolution: the preferred version first when it satisfies the range,
// then newest to oldest.
func (r *Range) Candidates(versions []*Version, preferred string) []*Version {
	matching := make([]*Version, 0, len(versions))
	var pinned *Version
	for _, v := range versions {
		if !r.Satisfies(v) {
			continue
		}
		if preferred != "" && v.String() == preferred {
			pinned = v
			continue
		}
		matching = append(matching, v)
	}
	SortDescending(matching)
	if pinned != nil {
		matching = append([]*Version{pinned}, matching...)
	}
	return matching
}

// String returns the range as written.
func (r *Range) String() string {
	return r.raw
}
