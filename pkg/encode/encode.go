// Package encode turns directory trees back into partition payloads.
package encode

import (
	"context"
	"fmt"
	"os"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
)

// Source is the tree to encode.
type Source struct {
	Dir string
	// Excludes are paths relative to Dir whose content belongs to other roles.
	Excludes []string
	Label    string
}

// Payload is an encoded image waiting to be written into a partition.
type Payload struct {
	Path   string
	Size   int64
	Format schema.PayloadFormat
	// Keep marks payloads the engine does not own, such as user supplied images.
	Keep bool
}

// Open opens the payload for reading.
func (p *Payload) Open() (*os.File, error) {
	return os.Open(p.Path)
}

// Remove deletes the payload file unless it is kept.
func (p *Payload) Remove() error {
	if p == nil || p.Keep {
		return nil
	}
	return utils.IgnoreNotExist(os.Remove(p.Path))
}

// Encoder encodes a tree for a partition of the given capacity.
type Encoder interface {
	Encode(ctx context.Context, src Source, capacity int64) (*Payload, error)
}

// Registry dispatches on the payload format.
type Registry map[schema.PayloadFormat]Encoder

// For returns the encoder registered for f.
func (r Registry) For(f schema.PayloadFormat) (Encoder, error) {
	e, ok := r[f]
	if !ok || e == nil {
		return nil, fmt.Errorf("%w: no encoder for %s", schema.ErrUnsupportedFormat, f)
	}
	return e, nil
}

// Options selects and configures the encoders of a Registry.
type Options struct {
	WorkDir         string
	SquashfsBackend string
	Compression     string
	Mksquashfs      string
	Mke2fs          string
}

// NewRegistry builds the default registry.
func NewRegistry(o Options) Registry {
	r := Registry{
		schema.FormatExt4: &Mke2fs{Binary: o.Mke2fs, WorkDir: o.WorkDir},
	}
	switch o.SquashfsBackend {
	case "diskfs":
		r[schema.FormatSquashfs] = &DiskfsSquashfs{Compression: o.Compression, WorkDir: o.WorkDir}
	default:
		r[schema.FormatSquashfs] = &Mksquashfs{Binary: o.Mksquashfs, Compression: o.Compression, WorkDir: o.WorkDir}
	}
	return r
}

func tempPayload(workDir, pattern string) (string, error) {
	f, err := os.CreateTemp(workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}

func finish(path string, f schema.PayloadFormat) (*Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Payload{Path: path, Size: info.Size(), Format: f}, nil
}
