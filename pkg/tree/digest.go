package tree

import (
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"syscall"

	"github.com/opencontainers/go-digest"
	vfs "github.com/twpayne/go-vfs/v4"
)

// Digest fingerprints a tree: relative path, mode, ownership, size, link
// target and file content of every entry, walked in lexical order. Excluded
// directories are left out entirely, they belong to another role.
func Digest(fsys vfs.FS, root string, excludes []string) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()

	err := vfs.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() && rel != "." && excludedDir(rel, excludes) {
			return filepath.SkipDir
		}
		fmt.Fprintf(h, "%s\x00%o\x00", rel, info.Mode())
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			fmt.Fprintf(h, "%d:%d\x00", st.Uid, st.Gid)
		}
		switch mode := info.Mode(); {
		case mode.IsRegular():
			fmt.Fprintf(h, "%d\x00", info.Size())
			f, err := fsys.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
		case mode&fs.ModeSymlink != 0:
			target, err := fsys.Readlink(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00", target)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digesting %s: %w", root, err)
	}
	return d.Digest(), nil
}

func excludedDir(rel string, excludes []string) bool {
	for _, e := range excludes {
		if filepath.Clean(e) == rel {
			return true
		}
	}
	return false
}
