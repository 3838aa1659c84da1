package state

import (
	"context"
	"fmt"
	"os"

	cnst "github.com/DigiJLinux/SteamOS-Extract/internal/constants"
	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/gpt"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/slot"
	"github.com/spectrocloud-labs/herd"
)

// Steps shared by extraction and repack

// step wraps an op callback so its failure is recorded on the state, and so
// it does not run at all once another op failed.
func (s *State) step(name string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if s.Err() != nil {
			return errEarlierFailure
		}
		if err := ctx.Err(); err != nil {
			s.record(err)
			return err
		}
		utils.Log.Debug().Str("op", name).Msg("running")
		if err := fn(ctx); err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			s.record(err)
			return err
		}
		return nil
	}
}

// ParseTableDagStep reads the GPT of the image.
func (s *State) ParseTableDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpParseTable, append(opts, herd.WithCallback(s.step(cnst.OpParseTable, s.parseTable)))...)
}

func (s *State) parseTable(_ context.Context) error {
	f, err := os.Open(s.Image)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	t, err := gpt.Parse(f, info.Size())
	if err != nil {
		return err
	}
	l := utils.Log.With().Str("image", s.Image).Int64("block_size", t.BlockSize).Str("disk", t.Header.DiskGUID.String()).Logger()
	if t.Degraded {
		l.Warn().Err(t.DegradedReason).Msg("Primary partition table unusable, using the backup")
	} else if !t.BackupValid {
		l.Warn().Msg("Backup partition table does not match the primary")
	}
	l.Info().Int("partitions", len(t.Partitions())).Msg("Partition table read")

	s.mu.Lock()
	s.table = t
	s.mu.Unlock()
	return nil
}

// ResolveSlotsDagStep binds the partitions to roles and slots.
func (s *State) ResolveSlotsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpResolveSlots, append(opts, herd.WithCallback(s.step(cnst.OpResolveSlots, s.resolveSlots)))...)
}

func (s *State) resolveSlots(_ context.Context) error {
	b, err := slot.Resolve(s.Table())
	if err != nil {
		return err
	}
	for _, bb := range b.All() {
		utils.Log.Debug().Str("role", string(bb.Role)).Str("slot", bb.Slot.String()).Str("partition", bb.Entry.Name).Int("index", bb.Entry.Index).Msg("Bound partition")
	}
	for _, e := range b.Unbound {
		utils.Log.Debug().Str("partition", e.Name).Int("index", e.Index).Msg("Partition carries no role, kept as is")
	}
	s.mu.Lock()
	s.bindings = b
	s.mu.Unlock()
	return nil
}
