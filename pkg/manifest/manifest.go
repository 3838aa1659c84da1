// Package manifest persists what an extraction produced so a later repack
// knows where each role came from.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Suffix ends the name of the manifest. It lives next to the extracted tree,
// never inside it, so it cannot end up in a rebuilt root filesystem.
const Suffix = ".superimage-manifest.yaml"

// Version of the manifest layout.
const Version = 1

type Manifest struct {
	Version int       `yaml:"version"`
	Created time.Time `yaml:"created"`
	Source  Source    `yaml:"source"`
	Roles   []Role    `yaml:"roles"`
}

type Source struct {
	Path      string `yaml:"path"`
	Size      int64  `yaml:"size"`
	DiskGUID  string `yaml:"disk_guid"`
	BlockSize int64  `yaml:"block_size"`
}

// Role records one extracted role.
type Role struct {
	Role      schema.Role          `yaml:"role"`
	Slot      schema.Slot          `yaml:"slot"`
	Format    schema.PayloadFormat `yaml:"format"`
	Size      int64                `yaml:"size"`
	Capacity  int64                `yaml:"capacity"`
	Partition Partition            `yaml:"partition"`
	Path      string               `yaml:"path"`
	Digest    string               `yaml:"digest"`
	// DefaultedSlot is set when no active slot signal was available.
	DefaultedSlot bool    `yaml:"defaulted_slot,omitempty"`
	Nested        *Nested `yaml:"nested,omitempty"`
}

type Partition struct {
	Index int    `yaml:"index"`
	Name  string `yaml:"name"`
	GUID  string `yaml:"guid"`
}

// Nested describes an image file inside the partition that held the real tree.
type Nested struct {
	Name   string               `yaml:"name"`
	Format schema.PayloadFormat `yaml:"format"`
	Size   int64                `yaml:"size"`
}

// Path returns the manifest path of the tree at dir: .<base>.superimage-manifest.yaml
// in the parent of dir.
func Path(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}
	return filepath.Join(filepath.Dir(abs), "."+filepath.Base(abs)+Suffix)
}

// Role returns the record of role r.
func (m *Manifest) Role(r schema.Role) (Role, bool) {
	for _, rr := range m.Roles {
		if rr.Role == r {
			return rr, true
		}
	}
	return Role{}, false
}

// Write stores the manifest of the tree at dir. The file appears under its
// final name only once fully written.
func Write(dir string, m *Manifest) error {
	if m.Version == 0 {
		m.Version = Version
	}
	if abs, err := filepath.Abs(dir); err == nil && filepath.Dir(abs) == abs {
		return fmt.Errorf("cannot keep a manifest next to %s, extract into a subdirectory", dir)
	}
	path := Path(dir)
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the manifest of the tree at dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no manifest in %s, extract first", schema.ErrMissingManifest, dir)
	}
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", schema.ErrMissingManifest, Path(dir), err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", schema.ErrMissingManifest, m.Version)
	}
	return m, nil
}

// CheckSource rejects a manifest extracted from another disk.
func (m *Manifest) CheckSource(diskGUID string) error {
	if m.Source.DiskGUID != diskGUID {
		return fmt.Errorf("%w: manifest is stale, extracted from disk %s but image is %s",
			schema.ErrMissingManifest, m.Source.DiskGUID, diskGUID)
	}
	return nil
}
