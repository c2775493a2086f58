package packaging

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.trai.ch/zerr"
)

// LinkStats counts how files were materialized.
type LinkStats struct {
	Linked int
	Copied int
}

// LinkTree populates dst from the tree at src. Regular files are
// hardlinked, falling back to a byte copy when the filesystem refuses the
// link. Symlinks are recreated as-is. dst must not exist.
func LinkTree(src, dst string) (LinkStats, error) {
	var stats LinkStats
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)

		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)

		case d.Type().IsRegular():
			if err := os.Link(p, target); err == nil {
				stats.Linked++
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := copyFile(p, target, info.Mode().Perm()); err != nil {
				return err
			}
			stats.Copied++
			return nil
		}
		return nil
	})
	if err != nil {
		return stats, zerr.With(zerr.Wrap(err, "link tree"), "dest", dst)
	}
	return stats, nil
}

// ReplaceTree links src into a sibling scratch directory of dst and then
// swaps it into place, so dst is never observed half-populated.
func ReplaceTree(src, dst string) (LinkStats, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return LinkStats{}, zerr.Wrap(err, "create parent directory")
	}
	staging := dst + ".velocity-" + randomSuffix()
	stats, err := LinkTree(src, staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return stats, err
	}
	if err := RemoveTree(dst); err != nil {
		_ = os.RemoveAll(staging)
		return stats, err
	}
	if err := os.Rename(staging, dst); err != nil {
		_ = os.RemoveAll(staging)
		return stats, zerr.With(zerr.Wrap(err, "swap tree into place"), "dest", dst)
	}
	return stats, nil
}

// RemoveTree removes path, which may be a directory, file or symlink.
// A missing path is not an error.
func RemoveTree(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return zerr.With(zerr.Wrap(err, "remove tree"), "path", path)
	}
	return nil
}

// LinkBin exposes target, a file inside a package, as binDir/name.
// A relative symlink is used where supported; otherwise a shell shim is
// written.
func LinkBin(binDir, name, target string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid bin name %q", name)
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return zerr.Wrap(err, "create bin directory")
	}
	if err := makeExecutable(target); err != nil {
		return err
	}

	link := filepath.Join(binDir, name)
	_ = os.Remove(link)

	rel, err := filepath.Rel(binDir, target)
	if err != nil {
		rel = target
	}
	if runtime.GOOS != "windows" {
		if err := os.Symlink(rel, link); err == nil {
			return nil
		}
	}
	return writeShim(link, rel)
}

// makeExecutable sets the execute bits on target. The file may be
// hardlinked to the content store, so it is replaced by a private copy
// rather than changed in place.
func makeExecutable(target string) error {
	info, err := os.Lstat(target)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0o111 {
		return nil
	}
	tmp := target + ".velocity-" + randomSuffix()
	if err := copyFile(target, tmp, info.Mode().Perm()|0o111); err != nil {
		_ = os.Remove(tmp)
		return zerr.With(zerr.Wrap(err, "copy bin target"), "path", target)
	}
	// The create mode is subject to the umask.
	if err := os.Chmod(tmp, info.Mode().Perm()|0o111); err != nil {
		_ = os.Remove(tmp)
		return zerr.With(zerr.Wrap(err, "chmod bin target"), "path", target)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return zerr.With(zerr.Wrap(err, "replace bin target"), "path", target)
	}
	return nil
}

func writeShim(link, rel string) error {
	if runtime.GOOS == "windows" {
		shim := "@node \"%~dp0\\" + filepath.FromSlash(rel) + "\" %*\r\n"
		return os.WriteFile(link+".cmd", []byte(shim), 0o755)
	}
	shim := "#!/bin/sh\nexec node \"$(dirname \"$0\")/" + filepath.ToSlash(rel) + "\" \"$@\"\n"
	return os.WriteFile(link, []byte(shim), 0o755)
}

// LinkLocal points link at the directory target with a relative symlink,
// replacing whatever is at link.
func LinkLocal(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return zerr.Wrap(err, "create parent directory")
	}
	if err := RemoveTree(link); err != nil {
		return err
	}
	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		rel = target
	}
	if err := os.Symlink(rel, link); err != nil {
		return zerr.With(zerr.Wrap(err, "link workspace package"), "path", link)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func randomSuffix() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
