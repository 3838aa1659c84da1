package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	cnst "github.com/DigiJLinux/SteamOS-Extract/internal/constants"
	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/encode"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/gpt"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/mount"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/dustin/go-humanize"
	"github.com/spectrocloud-labs/herd"
	"golang.org/x/sys/unix"
)

const chunkSize = 4 << 20

// rangeCopier moves byte ranges between files, checking for cancellation
// between chunks. All zero chunks are skipped: the destination starts out
// truncated, so they already read back as zeros.
type rangeCopier struct {
	ctx  context.Context
	dst  io.WriterAt
	buf  []byte
	zero []byte
}

func newRangeCopier(ctx context.Context, dst io.WriterAt) *rangeCopier {
	return &rangeCopier{ctx: ctx, dst: dst, buf: make([]byte, chunkSize), zero: make([]byte, chunkSize)}
}

func (c *rangeCopier) copy(src io.ReaderAt, dstOff, srcOff, length int64) error {
	for done := int64(0); done < length; {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		n := int64(len(c.buf))
		if rest := length - done; rest < n {
			n = rest
		}
		got, err := src.ReadAt(c.buf[:n], srcOff+done)
		if err != nil && !(errors.Is(err, io.EOF) && int64(got) == n) {
			return fmt.Errorf("reading at %d: %w", srcOff+done, err)
		}
		if !bytes.Equal(c.buf[:n], c.zero[:n]) {
			if _, err := c.dst.WriteAt(c.buf[:n], dstOff+done); err != nil {
				return fmt.Errorf("writing at %d: %w", dstOff+done, err)
			}
		}
		done += n
	}
	return nil
}

// layout returns the table of the new image: the old one, relaid out when a
// partition grows.
func (s *RepackState) layout() (*gpt.Table, error) {
	old := s.Table()
	grow := map[int]uint64{}
	for _, role := range s.Plan.Selected() {
		j := s.job(role)
		if j == nil {
			continue
		}
		cur := old.ByteRange(j.binding.Entry).Length
		if j.capacity > cur {
			grow[j.binding.Entry.Index] = uint64((j.capacity + old.BlockSize - 1) / old.BlockSize)
		}
	}
	if len(grow) == 0 {
		return old.Clone(), nil
	}
	return old.Relayout(grow, uint64(cnst.PartitionAlign/old.BlockSize))
}

// WriteImageDagStep assembles the new image under a temporary name. It is the
// only op writing the output.
func (s *RepackState) WriteImageDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpWriteImage, append(opts, herd.WithCallback(s.step(cnst.OpWriteImage, s.writeImage)))...)
}

func (s *RepackState) writeImage(ctx context.Context) error {
	s.setPhase(PhaseWriting)
	if err := s.privileged(); err != nil {
		return err
	}
	old := s.Table()
	nt, err := s.layout()
	if err != nil {
		return err
	}

	src, err := os.Open(s.Image)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.CreateTemp(filepath.Dir(s.Plan.Output), "."+filepath.Base(s.Plan.Output)+".tmp-*")
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.temp = out.Name()
	s.mu.Unlock()
	defer out.Close()

	l := utils.Log.With().Str("to", out.Name()).Logger()
	l.Info().Str("size", humanize.IBytes(uint64(nt.DiskSize))).Msg("Writing image")
	if err := out.Truncate(nt.DiskSize); err != nil {
		return err
	}
	c := newRangeCopier(ctx, out)

	bs := old.BlockSize
	prefix := int64(old.Header.FirstUsableLBA) * bs
	if err := c.copy(src, 0, 0, prefix); err != nil {
		return err
	}
	oldEnd, newEnd := prefix, prefix
	for _, p := range old.Partitions() {
		or := old.ByteRange(p)
		ne, ok := nt.Entry(p.Index)
		if !ok {
			return fmt.Errorf("%w: partition %d lost in relayout", schema.ErrCorruptTable, p.Index)
		}
		nr := nt.ByteRange(ne)
		if gap := or.Offset - oldEnd; gap > 0 {
			if err := c.copy(src, newEnd, oldEnd, gap); err != nil {
				return err
			}
		}
		if j := s.jobForIndex(p.Index); j != nil {
			l.Info().Str("partition", p.Name).Str("range", nr.String()).Int64("payload", j.payload.Size).Msg("Writing payload")
			if err := writePayload(c, j.payload, nr); err != nil {
				return fmt.Errorf("partition %s: %w", p.Name, err)
			}
		} else {
			l.Debug().Str("partition", p.Name).Str("range", nr.String()).Msg("Copying partition")
			if err := c.copy(src, nr.Offset, or.Offset, or.Length); err != nil {
				return fmt.Errorf("partition %s: %w", p.Name, err)
			}
		}
		oldEnd, newEnd = or.End(), nr.End()
	}
	if tail := int64(old.BackupArrayLBA)*bs - oldEnd; tail > 0 {
		if room := int64(nt.BackupArrayLBA)*bs - newEnd; room < tail {
			tail = room
		}
		if err := c.copy(src, newEnd, oldEnd, tail); err != nil {
			return err
		}
	}

	if err := gpt.WriteTo(out, nt); err != nil {
		return err
	}
	return out.Sync()
}

func writePayload(c *rangeCopier, p *encode.Payload, r schema.ByteRange) error {
	if p.Size > r.Length {
		return fmt.Errorf("payload of %d bytes does not fit %s", p.Size, r)
	}
	f, err := p.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	return c.copy(f, r.Offset, 0, p.Size)
}

func (s *RepackState) jobForIndex(index int) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.binding.Entry.Index == index {
			return j
		}
	}
	return nil
}

// FinalizeDagStep checks the written table and moves the image to its name.
func (s *RepackState) FinalizeDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpFinalize, append(opts, herd.WithCallback(s.step(cnst.OpFinalize, s.finalize)))...)
}

func (s *RepackState) finalize(_ context.Context) error {
	s.setPhase(PhaseFinalizing)
	s.mu.Lock()
	temp := s.temp
	s.mu.Unlock()

	f, err := os.Open(temp)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	t, err := gpt.Parse(f, info.Size())
	f.Close()
	if err != nil {
		return fmt.Errorf("written image does not read back: %w", err)
	}
	if t.Degraded || !t.BackupValid {
		return fmt.Errorf("%w: written image has an inconsistent table", schema.ErrCorruptTable)
	}

	if err := os.Rename(temp, s.Plan.Output); err != nil {
		return err
	}
	s.mu.Lock()
	s.renamed = true
	s.mu.Unlock()
	syncDir(filepath.Dir(s.Plan.Output))
	s.setPhase(PhaseDone)
	utils.Log.Info().Str("to", s.Plan.Output).Msg("Repack complete")
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// encodeNested rebuilds a role whose partition carries its tree as an image
// file: the inner image is encoded, then swapped into a copy of the old
// partition, and that copy becomes the payload.
func (s *RepackState) encodeNested(ctx context.Context, role schema.Role, j *job) (*encode.Payload, error) {
	l := utils.Log.With().Str("role", string(role)).Str("image", j.nested.Name).Logger()
	enc, err := s.Encoders.For(j.format)
	if err != nil {
		return nil, err
	}
	innerCap := j.nested.Size
	if j.format == schema.FormatExt4 {
		est, err := s.Planner.Estimate(j.source, j.format, j.excludes)
		if err != nil {
			return nil, err
		}
		if need := s.Planner.Required(est, innerCap); need > innerCap {
			innerCap = (need + cnst.PartitionAlign - 1) / cnst.PartitionAlign * cnst.PartitionAlign
		}
	}
	inner, err := enc.Encode(ctx, encode.Source{Dir: j.source, Excludes: j.excludes, Label: j.label}, innerCap)
	if err != nil {
		return nil, err
	}
	defer func() { s.LogIfError(inner.Remove(), "removing inner payload") }()

	old := s.Table().ByteRange(j.binding.Entry)
	if err := utils.CreateIfNotExists(s.WorkDir); err != nil {
		return nil, err
	}
	staging, err := os.CreateTemp(s.WorkDir, "superimage-*.stage")
	if err != nil {
		return nil, err
	}
	payload := &encode.Payload{Path: staging.Name(), Size: old.Length, Format: j.outer}
	ok := false
	defer func() {
		if !ok {
			s.LogIfError(payload.Remove(), "removing staging file")
		}
	}()

	src, err := os.Open(s.Image)
	if err != nil {
		staging.Close()
		return nil, err
	}
	err = staging.Truncate(old.Length)
	if err == nil {
		err = newRangeCopier(ctx, staging).copy(src, 0, old.Offset, old.Length)
	}
	src.Close()
	if cerr := staging.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	m, err := s.Mounts.Acquire(ctx, mount.Request{
		Backing: payload.Path,
		Range:   schema.ByteRange{Length: old.Length},
		Format:  j.outer,
		Mode:    mount.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	defer func() { s.LogIfError(m.Release(), "releasing "+m.Target) }()

	var st unix.Statfs_t
	if err := unix.Statfs(m.Target, &st); err != nil {
		return nil, err
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	if inner.Size > free {
		return nil, &schema.InsufficientSpaceError{Role: role, Slot: j.binding.Slot, Required: inner.Size, Capacity: free}
	}
	if err := replaceFile(m.Target, j.nested.Name, inner); err != nil {
		return nil, err
	}
	l.Info().Int64("size", inner.Size).Msg("Inner image replaced")
	if err := m.Release(); err != nil {
		return nil, err
	}
	ok = true
	return payload, nil
}

// replaceFile writes p as dir/name through a temporary file and a rename.
func replaceFile(dir, name string, p *encode.Payload) error {
	in, err := p.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := io.Copy(tmp, in); err != nil {
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
	target := filepath.Join(dir, name)
	mode := os.FileMode(0o644)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
