package encode

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/tree"
)

const maxLabel = 16

// Mke2fs formats an ext4 filesystem spanning the whole partition and
// populates it from the tree with mke2fs -d.
type Mke2fs struct {
	Binary  string
	WorkDir string
}

func (m *Mke2fs) Encode(ctx context.Context, src Source, capacity int64) (*Payload, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ext4 payload needs a capacity")
	}
	dir := src.Dir
	if len(src.Excludes) > 0 {
		staged, done, err := tree.Stage(src.Dir, m.WorkDir, src.Excludes)
		if err != nil {
			return nil, err
		}
		defer done()
		dir = staged
	}

	out, err := tempPayload(m.WorkDir, "superimage-*.ext4")
	if err != nil {
		return nil, err
	}
	if err := os.Truncate(out, capacity); err != nil {
		_ = os.Remove(out)
		return nil, err
	}

	bin := m.Binary
	if bin == "" {
		bin = "mke2fs"
	}
	args := []string{"-t", "ext4", "-F", "-q", "-m", "0",
		"-E", "lazy_itable_init=0,lazy_journal_init=0"}
	if src.Label != "" {
		label := src.Label
		if len(label) > maxLabel {
			label = label[:maxLabel]
		}
		args = append(args, "-L", label)
	}
	args = append(args, "-d", dir, out)

	if output, err := utils.SH(ctx, bin, args...); err != nil {
		_ = os.Remove(out)
		if outOfSpace(output) {
			return nil, fmt.Errorf("%w: tree does not fit in %d bytes: %w", schema.ErrInsufficientSpace, capacity, err)
		}
		return nil, err
	}
	return finish(out, schema.FormatExt4)
}

func outOfSpace(output string) bool {
	o := strings.ToLower(output)
	return strings.Contains(o, "could not allocate") || strings.Contains(o, "no space left")
}
