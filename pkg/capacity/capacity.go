// Package capacity estimates how much room a directory tree needs once it is
// encoded into a payload, and checks that against a partition's size.
package capacity

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/dustin/go-humanize"
	vfs "github.com/twpayne/go-vfs/v4"
)

// Defaults follow the mke2fs ext4 profile: 4KiB blocks, 256 byte inodes and
// one inode per 16KiB of capacity. Directory entries are 8 bytes plus the name
// rounded to 4; 64 covers names up to 56 characters.
const (
	DefaultBlockSize       = 4096
	DefaultInodeOverhead   = 256
	DefaultDirentOverhead  = 64
	DefaultMetadataPercent = 1.0

	inodeRatio    = 16384
	inodeSize     = 256
	fastSymlinkSz = 60
)

// Planner holds the calibration used by the estimates.
type Planner struct {
	FS              vfs.FS
	BlockSize       int64
	InodeOverhead   int64
	DirentOverhead  int64
	MetadataPercent float64
}

// New returns a Planner on the host filesystem with the default calibration.
func New() *Planner {
	return &Planner{
		FS:              vfs.OSFS,
		BlockSize:       DefaultBlockSize,
		InodeOverhead:   DefaultInodeOverhead,
		DirentOverhead:  DefaultDirentOverhead,
		MetadataPercent: DefaultMetadataPercent,
	}
}

// Estimate is the outcome of walking a tree for a target format.
type Estimate struct {
	Format    schema.PayloadFormat
	DataBytes int64
	Files     int64
	Dirs      int64
	Symlinks  int64
	Others    int64
	// Bytes is the estimated encoded size before fixed filesystem overhead.
	Bytes int64
}

// Inodes is the number of filesystem objects found.
func (e Estimate) Inodes() int64 {
	return e.Files + e.Dirs + e.Symlinks + e.Others
}

// Estimate walks root, skipping the content of excluded relative paths, and
// sizes it for format.
func (p *Planner) Estimate(root string, format schema.PayloadFormat, excludes []string) (Estimate, error) {
	est := Estimate{Format: format}
	if format != schema.FormatExt4 && format != schema.FormatSquashfs {
		return est, fmt.Errorf("%w: %s", schema.ErrUnsupportedFormat, format)
	}
	bs := p.blockSize()
	var blocks int64

	err := vfs.Walk(p.FS, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		switch mode := info.Mode(); {
		case mode.IsDir():
			est.Dirs++
			blocks++
			if rel != "." && excluded(rel, excludes) {
				return filepath.SkipDir
			}
		case mode.IsRegular():
			est.Files++
			est.DataBytes += info.Size()
			blocks += (info.Size() + bs - 1) / bs
		case mode&fs.ModeSymlink != 0:
			est.Symlinks++
			est.DataBytes += info.Size()
			if info.Size() > fastSymlinkSz {
				blocks++
			}
		default:
			est.Others++
		}
		return nil
	})
	if err != nil {
		return est, fmt.Errorf("walking %s: %w", root, err)
	}

	switch format {
	case schema.FormatExt4:
		// every object but the root is also a directory entry
		est.Bytes = blocks*bs + est.Inodes()*p.InodeOverhead + (est.Inodes()-1)*p.DirentOverhead
	case schema.FormatSquashfs:
		est.Bytes = est.DataBytes
	}
	return est, nil
}

func excluded(rel string, excludes []string) bool {
	for _, e := range excludes {
		e = strings.Trim(e, "/")
		if rel == e {
			return true
		}
	}
	return false
}

// Block is the filesystem block size estimates are rounded to.
func (p *Planner) Block() int64 {
	return p.blockSize()
}

func (p *Planner) blockSize() int64 {
	if p.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return p.BlockSize
}

// Overhead is the space mke2fs claims on a filesystem of the given capacity
// regardless of content: inode tables, the journal, descriptors and bitmaps.
func (p *Planner) Overhead(capacity int64) int64 {
	inodeTables := capacity / inodeRatio * inodeSize
	meta := int64(float64(capacity) * p.MetadataPercent / 100)
	return inodeTables + JournalSize(capacity, p.blockSize()) + meta
}

// JournalSize mirrors the default journal sizing of mke2fs.
func JournalSize(capacity, blockSize int64) int64 {
	blocks := capacity / blockSize
	var j int64
	switch {
	case blocks < 2048:
		return 0
	case blocks < 32768:
		j = 1024
	case blocks < 256*1024:
		j = 4096
	case blocks < 512*1024:
		j = 8192
	case blocks < 4096*1024:
		j = 16384
	case blocks < 8192*1024:
		j = 32768
	case blocks < 16384*1024:
		j = 65536
	case blocks < 32768*1024:
		j = 131072
	default:
		j = 262144
	}
	return j * blockSize
}

// Required is what a tree needs on a partition of the given capacity.
func (p *Planner) Required(est Estimate, capacity int64) int64 {
	if est.Format == schema.FormatExt4 {
		return est.Bytes + p.Overhead(capacity)
	}
	return est.Bytes
}

// PreCheck runs before encoding. ext estimates are trusted and fail early;
// for squashfs the uncompressed size is only an upper bound, so exceeding the
// capacity is logged and the post-encode Check decides.
func (p *Planner) PreCheck(role schema.Role, slot schema.Slot, est Estimate, capacity int64) error {
	need := p.Required(est, capacity)
	l := utils.Log.With().Str("role", string(role)).Str("slot", slot.String()).
		Str("estimate", humanize.IBytes(uint64(need))).Str("capacity", humanize.IBytes(uint64(capacity))).Logger()
	switch est.Format {
	case schema.FormatExt4:
		if need > capacity {
			return &schema.InsufficientSpaceError{Role: role, Slot: slot, Required: need, Capacity: capacity}
		}
	case schema.FormatSquashfs:
		if need > capacity {
			l.Warn().Msg("Uncompressed tree is larger than the partition, compressed size decides")
			return nil
		}
	default:
		return schema.NewRoleError(role, slot, fmt.Errorf("%w: %s", schema.ErrUnsupportedFormat, est.Format))
	}
	l.Debug().Msg("Capacity pre-check passed")
	return nil
}

// Check compares an encoded payload against the partition. This is the
// authoritative check.
func (p *Planner) Check(role schema.Role, slot schema.Slot, size, capacity int64) error {
	if size > capacity {
		return &schema.InsufficientSpaceError{Role: role, Slot: slot, Required: size, Capacity: capacity}
	}
	return nil
}
