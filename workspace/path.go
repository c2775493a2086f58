package workspace

import (
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// NormalizePath converts a declared member path to forward slashes with
// duplicate and trailing slashes and a leading "./" removed.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized != "/" {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// Expand returns the member directories matched by patterns, relative to
// root with forward slashes, sorted. Patterns prefixed with "!" exclude.
// "**" matches any number of directories. Only directories containing a
// package.json are members; node_modules is never searched.
func Expand(root string, patterns []string) ([]string, error) {
	var include, exclude []string
	for _, p := range patterns {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			exclude = append(exclude, NormalizePath(neg))
			continue
		}
		include = append(include, NormalizePath(p))
	}
	if len(include) == 0 {
		return nil, nil
	}

	matched := make(map[string]bool)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != root && errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if p != root && (name == "node_modules" || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matchAny(include, rel) && !matchAny(exclude, rel) && fileExists(filepath.Join(p, "package.json")) {
			matched[rel] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	dirs := make([]string, 0, len(matched))
	for d := range matched {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if Match(p, rel) {
			return true
		}
	}
	return false
}

// Match reports whether the slash-separated path rel matches pattern.
// Segments match with path.Match; a "**" segment matches zero or more
// segments.
func Match(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}
