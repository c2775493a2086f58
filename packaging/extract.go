package packaging

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.trai.ch/zerr"

	"github.com/justbytecode/velocity/core"
)

// MaxEntrySize caps a single extracted file.
const MaxEntrySize = 1 << 30

// ExtractStats summarizes an extraction.
type ExtractStats struct {
	Files int
	Dirs  int
	Links int
	Bytes int64
}

// Extract unpacks a gzip-compressed package tarball into dest, dropping the
// archive's top-level directory ("package/" for npm tarballs).
//
// Every entry is validated before anything is written for it: absolute
// paths, ".." segments, NUL bytes, and symlinks or hardlinks that resolve
// outside dest are rejected with a PathTraversal error. dest should be a
// scratch directory; on error its contents are undefined.
func Extract(r io.Reader, dest string) (*ExtractStats, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, zerr.Wrap(err, "open gzip stream")
	}
	defer func() { _ = gz.Close() }()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, zerr.Wrap(err, "create extraction root")
	}

	stats := &ExtractStats{}
	symlinks := make(map[string]bool)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return nil, traversal(hdr.Name)
		}
		if err != nil {
			return nil, zerr.Wrap(err, "read tar entry")
		}

		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}

		rel, err := entryPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if rel == "" {
			continue
		}
		// Writing through a link from this archive could land anywhere.
		if throughSymlink(rel, symlinks) {
			return nil, traversal(hdr.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, zerr.Wrap(err, "create directory")
			}
			stats.Dirs++

		case tar.TypeReg, tar.TypeRegA:
			if hdr.Size > MaxEntrySize {
				return nil, fmt.Errorf("entry %s exceeds %d bytes", hdr.Name, MaxEntrySize)
			}
			n, err := writeFile(target, tr, fileMode(hdr.Mode))
			if err != nil {
				return nil, err
			}
			stats.Files++
			stats.Bytes += n

		case tar.TypeSymlink:
			if err := checkSymlink(rel, hdr.Linkname); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, zerr.Wrap(err, "create directory")
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, zerr.With(zerr.Wrap(err, "create symlink"), "entry", hdr.Name)
			}
			symlinks[rel] = true
			stats.Links++

		case tar.TypeLink:
			linkRel, err := entryPath(hdr.Linkname)
			if err != nil || linkRel == "" || throughSymlink(linkRel, symlinks) || symlinks[linkRel] {
				return nil, traversal(hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, zerr.Wrap(err, "create directory")
			}
			_ = os.Remove(target)
			if err := os.Link(filepath.Join(dest, filepath.FromSlash(linkRel)), target); err != nil {
				return nil, zerr.With(zerr.Wrap(err, "create hardlink"), "entry", hdr.Name)
			}
			stats.Links++

		default:
			// Devices, fifos and other special files are never materialized.
		}
	}
}

// entryPath validates a tar entry name and returns it relative to the
// extraction root with the top-level directory removed.
func entryPath(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", traversal(name)
	}
	slashed := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) || hasDriveLetter(slashed) {
		return "", traversal(name)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", traversal(name)
		}
	}

	clean := path.Clean(slashed)
	if clean == "." {
		return "", nil
	}
	_, rest, ok := strings.Cut(clean, "/")
	if !ok {
		return "", nil
	}
	return rest, nil
}

// checkSymlink rejects link targets that leave the extraction root.
func checkSymlink(rel, linkname string) error {
	if strings.ContainsRune(linkname, 0) {
		return traversal(linkname)
	}
	l := strings.ReplaceAll(linkname, "\\", "/")
	if strings.HasPrefix(l, "/") || filepath.IsAbs(linkname) || hasDriveLetter(l) {
		return traversal(linkname)
	}
	resolved := path.Clean(path.Join(path.Dir(rel), l))
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return traversal(linkname)
	}
	return nil
}

// throughSymlink reports whether a proper parent of rel is a symlink.
func throughSymlink(rel string, symlinks map[string]bool) bool {
	if len(symlinks) == 0 {
		return false
	}
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' && symlinks[rel[:i]] {
			return true
		}
	}
	return false
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

func traversal(name string) error {
	return &core.Error{Kind: core.PathTraversal, Path: name}
}

// fileMode normalizes archive modes: executable if any execute bit is set.
func fileMode(mode int64) os.FileMode {
	if mode&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func writeFile(target string, r io.Reader, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, zerr.Wrap(err, "create directory")
	}
	// Entries may repeat; the last one wins.
	_ = os.Remove(target)

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "create file"), "path", target)
	}
	n, err := io.Copy(f, io.LimitReader(r, MaxEntrySize))
	if err != nil {
		_ = f.Close()
		return n, zerr.With(zerr.Wrap(err, "write file"), "path", target)
	}
	if err := f.Close(); err != nil {
		return n, zerr.Wrap(err, "close file")
	}
	// The umask may have masked bits.
	return n, os.Chmod(target, mode)
}
