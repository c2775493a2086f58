package config

import (
	"os"
	"path/filepath"
)

// DefaultCacheDir returns the per-user store location.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "velocity")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".velocity", "cache")
	}
	return filepath.Join(os.TempDir(), "velocity")
}

// UserConfigPath returns the user-level velocity.toml path, or "".
func UserConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "velocity", FileName)
}

// FindProjectRoot walks up from startDir to the nearest directory holding a
// velocity.toml or package.json, returning startDir when none does.
func FindProjectRoot(startDir string) string {
	dir := startDir
	for {
		for _, name := range []string{FileName, "package.json"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}
