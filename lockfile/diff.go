package lockfile

import (
	"slices"
	"sort"
	"strings"
)

// Change is a package whose resolution changed between two lockfiles. From
// is nil when the name gained an additional version.
type Change struct {
	From *Package
	To   Package
}

// Plan is the difference between a previous and a new lockfile.
type Plan struct {
	Added     []Package
	Removed   []Package
	Changed   []Change
	Unchanged []Package
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Added) == 0 && len(p.Removed) == 0 && len(p.Changed) == 0
}

// Diff compares two lockfiles by (name, version). A key present in both
// with the same integrity and install paths is unchanged. A new key whose
// name was already locked is a change, paired with an old version of that
// name that is no longer locked. A new name is added; old keys left
// unpaired are removed. old may be nil.
func Diff(old, next *Lockfile) Plan {
	var plan Plan

	oldByKey := make(map[string]Package)
	oldOnly := make(map[string][]Package)
	if old != nil {
		for _, p := range old.Packages {
			oldByKey[p.Key()] = p
		}
	}
	newKeys := make(map[string]bool, len(next.Packages))
	for _, p := range next.Packages {
		newKeys[p.Key()] = true
	}
	if old != nil {
		for _, p := range old.Packages {
			if !newKeys[p.Key()] {
				oldOnly[p.Name] = append(oldOnly[p.Name], p)
			}
		}
	}
	oldNames := make(map[string]bool, len(oldByKey))
	for _, p := range oldByKey {
		oldNames[p.Name] = true
	}

	for _, p := range next.Packages {
		prev, ok := oldByKey[p.Key()]
		switch {
		case ok && prev.Integrity == p.Integrity && slices.Equal(prev.Paths, p.Paths):
			plan.Unchanged = append(plan.Unchanged, p)
		case ok:
			plan.Changed = append(plan.Changed, Change{From: &prev, To: p})
		case oldNames[p.Name]:
			c := Change{To: p}
			if rest := oldOnly[p.Name]; len(rest) > 0 {
				c.From = &rest[0]
				oldOnly[p.Name] = rest[1:]
			}
			plan.Changed = append(plan.Changed, c)
		default:
			plan.Added = append(plan.Added, p)
		}
	}

	for _, rest := range oldOnly {
		plan.Removed = append(plan.Removed, rest...)
	}
	sort.Slice(plan.Removed, func(i, j int) bool {
		a, b := plan.Removed[i], plan.Removed[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
	return plan
}

// StalePaths returns install paths locked in old that next no longer uses,
// deepest first.
func StalePaths(old, next *Lockfile) []string {
	if old == nil {
		return nil
	}
	keep := make(map[string]bool)
	for _, path := range next.Paths() {
		keep[path] = true
	}
	var stale []string
	for _, path := range old.Paths() {
		if !keep[path] {
			stale = append(stale, path)
		}
	}
	SortDeepestFirst(stale)
	return stale
}

// SortDeepestFirst orders install paths so nested paths come before their
// parents.
func SortDeepestFirst(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		di, dj := depth(paths[i]), depth(paths[j])
		if di != dj {
			return di > dj
		}
		return paths[i] < paths[j]
	})
}

// SortShallowFirst orders install paths so parents come before the paths
// nested in them.
func SortShallowFirst(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		di, dj := depth(paths[i]), depth(paths[j])
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
}

func depth(path string) int {
	return strings.Count(path, "node_modules")
}
