package encode

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/tree"
	befile "github.com/diskfs/go-diskfs/backend/file"
	sqfs "github.com/diskfs/go-diskfs/filesystem/squashfs"
)

// Mksquashfs encodes with squashfs-tools.
type Mksquashfs struct {
	Binary      string
	Compression string
	WorkDir     string
}

func (m *Mksquashfs) Encode(ctx context.Context, src Source, _ int64) (*Payload, error) {
	out, err := tempPayload(m.WorkDir, "superimage-*.squashfs")
	if err != nil {
		return nil, err
	}
	bin := m.Binary
	if bin == "" {
		bin = "mksquashfs"
	}
	comp := m.Compression
	if comp == "" {
		comp = "xz"
	}
	args := []string{src.Dir, out, "-noappend", "-comp", comp, "-no-progress"}
	if len(src.Excludes) > 0 {
		args = append(args, "-wildcards", "-e")
		for _, e := range src.Excludes {
			args = append(args, strings.Trim(e, "/")+"/*")
		}
	}
	if _, err := utils.SH(ctx, bin, args...); err != nil {
		_ = os.Remove(out)
		return nil, err
	}
	return finish(out, schema.FormatSquashfs)
}

// DiskfsSquashfs encodes in process with go-diskfs. Device nodes and fifos
// are not supported by that writer, trees holding them need Mksquashfs.
type DiskfsSquashfs struct {
	Compression string
	WorkDir     string
}

func (d *DiskfsSquashfs) Encode(_ context.Context, src Source, _ int64) (*Payload, error) {
	comp, err := compressor(d.Compression)
	if err != nil {
		return nil, err
	}
	out, err := tempPayload(d.WorkDir, "superimage-*.squashfs")
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Payload, error) {
		_ = os.Remove(out)
		return nil, err
	}
	b, err := befile.CreateFromPath(out, 0)
	if err != nil {
		return fail(err)
	}
	sfs, err := sqfs.Create(b, 0, 0, 0)
	if err != nil {
		return fail(err)
	}
	defer sfs.Close()

	ws := sfs.Workspace()
	if ws == "" {
		return fail(fmt.Errorf("squashfs: empty workspace"))
	}
	if err := tree.Copy(src.Dir, ws, src.Excludes); err != nil {
		return fail(err)
	}
	if err := sfs.Finalize(sqfs.FinalizeOptions{
		Compression: comp,
		Xattrs:      true,
	}); err != nil {
		return fail(fmt.Errorf("finalizing squashfs: %w", err))
	}
	return finish(out, schema.FormatSquashfs)
}

func compressor(name string) (sqfs.Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "xz":
		return &sqfs.CompressorXz{}, nil
	case "gzip":
		return &sqfs.CompressorGzip{}, nil
	case "zstd":
		return &sqfs.CompressorZstd{}, nil
	case "lz4":
		return &sqfs.CompressorLz4{}, nil
	case "lzo":
		return &sqfs.CompressorLzo{}, nil
	case "lzma":
		return &sqfs.CompressorLzma{}, nil
	default:
		return nil, fmt.Errorf("unknown squashfs compressor %q", name)
	}
}
