package install

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/zerr"

	"github.com/justbytecode/velocity/lockfile"
)

const (
	// StateFileName is written into node_modules after a successful install.
	StateFileName = ".velocity-state"

	// StateVersion is bumped when the state format or fingerprint inputs change.
	StateVersion = 1

	// LockName is the project lock inside node_modules.
	LockName = ".velocity.lock"
)

// State records what the last successful install was computed from.
type State struct {
	Version int `json:"version"`

	// Fingerprint is the xxhash of the manifests, lockfiles and install
	// flags the tree was built from.
	Fingerprint string `json:"fingerprint"`

	Success bool `json:"success"`

	// Paths are the install paths relative to the project root that must
	// exist for the tree to be considered intact.
	Paths []string `json:"paths"`
}

// IsValid reports whether the state was written by this version after a
// successful install.
func (s *State) IsValid() bool {
	return s.Version == StateVersion && s.Success && s.Fingerprint != ""
}

// StatePath returns the state file of the project at root.
func StatePath(root string) string {
	return filepath.Join(root, "node_modules", StateFileName)
}

// LoadState reads a state file. A missing or unreadable file yields an
// invalid state, never an error.
func LoadState(path string) *State {
	data, err := os.ReadFile(path)
	if err != nil {
		return &State{}
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return &State{}
	}
	return &s
}

// Save writes the state atomically.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return zerr.Wrap(err, "encode install state")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return zerr.Wrap(err, "create node_modules")
	}
	return lockfile.WriteFileAtomic(path, data, 0o644)
}

// Intact reports whether every recorded install path exists under root.
func (s *State) Intact(root string) bool {
	for _, p := range s.Paths {
		if _, err := os.Lstat(filepath.Join(root, filepath.FromSlash(p))); err != nil {
			return false
		}
	}
	return true
}

// UpToDate reports whether the state at path matches fingerprint and the
// tree it describes is still on disk.
func UpToDate(root, fingerprint string) bool {
	s := LoadState(StatePath(root))
	return s.IsValid() && s.Fingerprint == fingerprint && s.Intact(root)
}

// fingerprint hashes the inputs of an install. files are read in sorted
// order; a missing file hashes as absent, distinct from an empty one.
func fingerprint(files []string, flags ...string) (string, error) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	h := xxhash.New()
	_, _ = h.WriteString("velocity-state\x00" + strconv.Itoa(StateVersion) + "\x00")
	for _, f := range flags {
		_, _ = h.WriteString(f + "\x00")
	}
	for _, f := range sorted {
		_, _ = h.WriteString(filepath.ToSlash(f) + "\x00")
		data, err := os.ReadFile(f)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			_, _ = h.WriteString("absent\x00")
			continue
		case err != nil:
			return "", zerr.With(zerr.Wrap(err, "read fingerprint input"), "path", f)
		}
		_, _ = h.WriteString(strconv.Itoa(len(data)) + "\x00")
		_, _ = h.Write(data)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
