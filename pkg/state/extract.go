package state

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	cnst "github.com/DigiJLinux/SteamOS-Extract/internal/constants"
	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/manifest"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/mount"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/slot"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/tree"
	"github.com/spectrocloud-labs/herd"
	vfs "github.com/twpayne/go-vfs/v4"
)

// ExtractState copies the active slot of every role into a directory tree.
type ExtractState struct {
	State
	Dest  string               // tree root, root role lands here
	Skip  map[schema.Role]bool // roles left out, e.g. --no-home
	Query slot.Query           // active slot source, nil for the default

	active    schema.Slot
	defaulted bool
	results   map[schema.Role]manifest.Role
}

// ExtractRoles are the roles extraction can produce, in order. ESP is never
// extracted.
var ExtractRoles = []schema.Role{schema.RoleRoot, schema.RoleVar, schema.RoleHome}

// Wanted reports whether role takes part in this extraction.
func (s *ExtractState) Wanted(role schema.Role) bool {
	return role != schema.RoleESP && (role == schema.RoleRoot || !s.Skip[role])
}

// ResolveSlotsDagStep binds the partitions and picks the active slot.
func (s *ExtractState) ResolveSlotsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpResolveSlots, append(opts, herd.WithCallback(s.step(cnst.OpResolveSlots, func(ctx context.Context) error {
		if err := s.resolveSlots(ctx); err != nil {
			return err
		}
		active, defaulted, err := slot.Active(s.Query)
		if err != nil {
			return err
		}
		if defaulted {
			utils.Log.Warn().Str("slot", active.String()).Msg("No active slot signal, using the default")
		} else {
			utils.Log.Info().Str("slot", active.String()).Msg("Active slot")
		}

		s.mu.Lock()
		s.active, s.defaulted = active, defaulted
		s.mu.Unlock()
		return nil
	})))...)
}

// ExtractRoleDagStep copies one role into its place in the tree.
func (s *ExtractState) ExtractRoleDagStep(g *herd.Graph, role schema.Role, opts ...herd.OpOption) error {
	name := cnst.OpExtract(role)
	return g.Add(name, append(opts, herd.WithCallback(s.step(name, func(ctx context.Context) error {
		return s.extractRole(ctx, role)
	})))...)
}

func (s *ExtractState) extractRole(ctx context.Context, role schema.Role) error {
	b := s.Bindings()
	if role != schema.RoleRoot && !b.Has(role) {
		utils.Log.Info().Str("role", string(role)).Msg("Image has no such partition, skipping")
		return nil
	}
	s.mu.Lock()
	active, defaulted := s.active, s.defaulted
	s.mu.Unlock()

	bound, err := slot.Select(b, role, active)
	if err != nil {
		return err
	}
	if err := s.privileged(); err != nil {
		return err
	}
	t := s.Table()
	r := t.ByteRange(bound.Entry)
	l := utils.Log.With().Str("role", string(role)).Str("slot", bound.Slot.String()).Str("partition", bound.Entry.Name).Logger()

	res, err := classify(s.Image, r)
	if err != nil {
		return schema.NewRoleError(role, bound.Slot, err)
	}
	if res.Format == schema.FormatUnknown {
		return schema.NewRoleError(role, bound.Slot, fmt.Errorf("%w: no known superblock at %s", schema.ErrUnsupportedFormat, r))
	}
	l.Info().Str("format", res.Format.String()).Str("range", r.String()).Msg("Extracting")

	m, err := s.Mounts.Acquire(ctx, mount.Request{Backing: s.Image, Range: r, Format: res.Format, Mode: mount.ReadOnly})
	if err != nil {
		return schema.NewRoleError(role, bound.Slot, err)
	}
	defer func() { s.LogIfError(m.Release(), "releasing "+m.Target) }()

	rec := manifest.Role{
		Role:     role,
		Slot:     bound.Slot,
		Format:   res.Format,
		Size:     res.Size,
		Capacity: r.Length,
		Partition: manifest.Partition{
			Index: bound.Entry.Index,
			Name:  bound.Entry.Name,
			GUID:  bound.Entry.UniqueGUID.String(),
		},
		Path:          role.TreePath(),
		DefaultedSlot: role.DualSlot() && defaulted,
	}
	if rec.Size == 0 {
		rec.Size = r.Length
	}

	src := m.Target
	if res.Format == schema.FormatExt4 {
		inner, err := findNested(m.Target, role)
		if err != nil {
			return schema.NewRoleError(role, bound.Slot, err)
		}
		if inner != nil {
			l.Info().Str("image", inner.Name).Str("format", inner.Format.String()).Msg("Partition holds an inner image, extracting that")
			nm, err := s.Mounts.Acquire(ctx, mount.Request{
				Backing: inner.Path,
				Range:   schema.ByteRange{Length: inner.Size},
				Format:  inner.Format,
				Mode:    mount.ReadOnly,
			})
			if err != nil {
				return schema.NewRoleError(role, bound.Slot, err)
			}
			defer func() { s.LogIfError(nm.Release(), "releasing "+nm.Target) }()
			src = nm.Target
			rec.Nested = &manifest.Nested{Name: inner.Name, Format: inner.Format, Size: inner.Size}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	dst := filepath.Join(s.Dest, role.TreePath())
	if err := utils.CreateIfNotExists(dst); err != nil {
		return err
	}
	excludes := nestedRolePaths(b, role)
	if err := tree.Copy(src, dst, excludes); err != nil {
		return schema.NewRoleError(role, bound.Slot, err)
	}
	d, err := tree.Digest(vfs.OSFS, dst, excludes)
	if err != nil {
		return schema.NewRoleError(role, bound.Slot, err)
	}
	rec.Digest = d.String()
	l.Info().Str("to", dst).Str("digest", rec.Digest).Msg("Extracted")

	s.mu.Lock()
	if s.results == nil {
		s.results = map[schema.Role]manifest.Role{}
	}
	s.results[role] = rec
	s.mu.Unlock()
	return nil
}

// WriteManifestDagStep persists the manifest once every role is in place.
func (s *ExtractState) WriteManifestDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpWriteManifest, append(opts, herd.WithCallback(s.step(cnst.OpWriteManifest, s.writeManifest)))...)
}

func (s *ExtractState) writeManifest(_ context.Context) error {
	t := s.Table()
	m := &manifest.Manifest{
		Version: manifest.Version,
		Created: time.Now().UTC(),
		Source: manifest.Source{
			Path:      s.Image,
			Size:      t.DiskSize,
			DiskGUID:  t.Header.DiskGUID.String(),
			BlockSize: t.BlockSize,
		},
	}
	if abs, err := filepath.Abs(s.Image); err == nil {
		m.Source.Path = abs
	}
	s.mu.Lock()
	for _, r := range ExtractRoles {
		if rec, ok := s.results[r]; ok {
			m.Roles = append(m.Roles, rec)
		}
	}
	s.mu.Unlock()
	if _, ok := m.Role(schema.RoleRoot); !ok {
		return schema.NewRoleError(schema.RoleRoot, schema.SlotNone, fmt.Errorf("%w: root was not extracted", schema.ErrMissingRole))
	}
	if err := manifest.Write(s.Dest, m); err != nil {
		return err
	}
	utils.Log.Info().Str("to", manifest.Path(s.Dest)).Int("roles", len(m.Roles)).Msg("Manifest written")
	return nil
}
