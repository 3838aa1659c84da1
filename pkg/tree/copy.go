// Package tree copies, stages and fingerprints extracted directory trees.
package tree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	cp "github.com/otiai10/copy"
	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
)

// Copy replicates src into dst keeping permissions, ownership, times,
// symlinks, special files and extended attributes. Excluded paths (relative to
// src) are created as empty directories, their content is left out.
func Copy(src, dst string, excludes []string) error {
	opts := cp.Options{
		OnSymlink: func(string) cp.SymlinkAction {
			return cp.Shallow
		},
		OnDirExists: func(string, string) cp.DirExistsAction {
			return cp.Merge
		},
		Skip: func(_ os.FileInfo, path, _ string) (bool, error) {
			return insideExcluded(src, path, excludes), nil
		},
		Specials:      true,
		PreserveTimes: true,
		PreserveOwner: true,
	}
	if err := cp.Copy(src, dst, opts); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return copyXattrs(src, dst, excludes)
}

// insideExcluded reports whether path lives below one of the excluded dirs.
func insideExcluded(root, path string, excludes []string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, e := range excludes {
		e = strings.Trim(e, "/")
		if e != "" && strings.HasPrefix(rel, e+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func copyXattrs(src, dst string, excludes []string) error {
	warned := false
	return filepath.WalkDir(src, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if insideExcluded(src, path, excludes) {
			return nil
		}
		names, err := xattr.LList(path)
		if err != nil {
			if unsupported(err) {
				return nil
			}
			return fmt.Errorf("listing xattrs of %s: %w", path, err)
		}
		rel, _ := filepath.Rel(src, path)
		target := filepath.Join(dst, rel)
		for _, name := range names {
			value, err := xattr.LGet(path, name)
			if err != nil {
				return fmt.Errorf("reading xattr %s of %s: %w", name, path, err)
			}
			if err := xattr.LSet(target, name, value); err != nil {
				if unsupported(err) || errors.Is(err, unix.EPERM) {
					if !warned {
						utils.Log.Warn().Err(err).Str("path", target).Msg("Destination does not take extended attributes, some are dropped")
						warned = true
					}
					continue
				}
				return fmt.Errorf("setting xattr %s on %s: %w", name, target, err)
			}
		}
		return nil
	})
}

func unsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP)
}

// Stage materializes src without the excluded content in a temporary
// directory, for encoders that cannot skip paths themselves.
func Stage(src, workDir string, excludes []string) (string, func(), error) {
	dir, err := os.MkdirTemp(workDir, "superimage-stage-")
	if err != nil {
		return "", func() {}, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	if err := Copy(src, dir, excludes); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return dir, cleanup, nil
}
