// Package config loads the optional superimage configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/capacity"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/encode"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/slot"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// DefaultPath is read when no --config is given. A missing file is fine.
const DefaultPath = "/etc/superimage/config.toml"

type Config struct {
	Mount struct {
		Retries    uint          `toml:"retries" default:"3" validate:"min=1,max=20"`                    // Attempts for loop attach and mount before giving up
		RetryDelay time.Duration `toml:"retry_delay" default:"200ms" validate:"min=0"`                 // Initial backoff between attempts, doubled each time
		WorkDir    string        `toml:"work_dir" default:"/var/tmp/superimage" validate:"required"` // Mount points, staging trees and payloads live here
	} `toml:"mount"`

	Encode struct {
		SquashfsBackend string `toml:"squashfs_backend" default:"mksquashfs" validate:"oneof=mksquashfs diskfs"` // diskfs does not carry device nodes
		Compression     string `toml:"compression" default:"xz" validate:"oneof=xz gzip zstd lz4 lzo lzma"`
		Mksquashfs      string `toml:"mksquashfs" default:"mksquashfs" validate:"required"` // Binary name or path
		Mke2fs          string `toml:"mke2fs" default:"mke2fs" validate:"required"`         // Binary name or path
	} `toml:"encode"`

	// Capacity calibration. Raising the overheads makes the pre-check stricter,
	// lowering them risks failing after the expensive encode.
	Capacity struct {
		BlockSize       int64   `toml:"block_size" default:"4096" validate:"oneof=1024 2048 4096"`
		InodeOverhead   int64   `toml:"inode_overhead" default:"256" validate:"min=128"`
		DirentOverhead  int64   `toml:"dirent_overhead" default:"64" validate:"min=8"`
		MetadataPercent float64 `toml:"metadata_percent" default:"1.0" validate:"min=0,max=50"`
	} `toml:"capacity"`

	Slot struct {
		Bootconf    string `toml:"bootconf" default:""`                                  // KEY=VALUE file holding the active slot, empty for none
		BootconfKey string `toml:"bootconf_key" default:"ACTIVE_SLOT" validate:"required"` // Key read from bootconf
	} `toml:"slot"`
}

// Load applies defaults, overlays path when it exists and validates.
// An empty path means DefaultPath.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return nil, fmt.Errorf("decode toml %s: %w", path, err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	c := &Config{}
	_ = defaults.Set(c)
	return c
}

func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// Planner builds a capacity planner with the configured calibration.
func (c *Config) Planner() *capacity.Planner {
	p := capacity.New()
	p.BlockSize = c.Capacity.BlockSize
	p.InodeOverhead = c.Capacity.InodeOverhead
	p.DirentOverhead = c.Capacity.DirentOverhead
	p.MetadataPercent = c.Capacity.MetadataPercent
	return p
}

// Encoders builds the encoder registry.
func (c *Config) Encoders() encode.Registry {
	return encode.NewRegistry(encode.Options{
		WorkDir:         c.Mount.WorkDir,
		SquashfsBackend: c.Encode.SquashfsBackend,
		Compression:     c.Encode.Compression,
		Mksquashfs:      c.Encode.Mksquashfs,
		Mke2fs:          c.Encode.Mke2fs,
	})
}

// SlotQuery returns the active slot source, nil when none is configured.
func (c *Config) SlotQuery() slot.Query {
	if c.Slot.Bootconf == "" {
		return nil
	}
	return slot.EnvFile{Path: c.Slot.Bootconf, Key: c.Slot.BootconfKey}
}
