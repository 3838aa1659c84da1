package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	cnst "github.com/DigiJLinux/SteamOS-Extract/internal/constants"
	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/capacity"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/encode"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/manifest"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/slot"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/tree"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"
	vfs "github.com/twpayne/go-vfs/v4"
)

// Phase is where a repack run stands.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseValidating
	PhaseWriting
	PhaseFinalizing
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseValidating:
		return "validating"
	case PhaseWriting:
		return "writing"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// RepackPlan is what the user asked a repack to do.
type RepackPlan struct {
	Roles    map[schema.Role]bool                 // roles to regenerate
	Output   string                               // new superimage
	Capacity map[schema.Role]int64                // grown partition sizes
	Format   map[schema.Role]schema.PayloadFormat // forced payload formats
}

// NewRepackPlan selects root, var and home for output.
func NewRepackPlan(output string) RepackPlan {
	return RepackPlan{
		Roles:    map[schema.Role]bool{schema.RoleRoot: true, schema.RoleVar: true, schema.RoleHome: true},
		Output:   output,
		Capacity: map[schema.Role]int64{},
		Format:   map[schema.Role]schema.PayloadFormat{},
	}
}

// Selected returns the roles the plan regenerates, in order. ESP never is.
func (p RepackPlan) Selected() []schema.Role {
	var out []schema.Role
	for _, r := range ExtractRoles {
		if p.Roles[r] {
			out = append(out, r)
		}
	}
	return out
}

// job is one role being regenerated.
type job struct {
	binding  slot.Binding
	format   schema.PayloadFormat // payload format, the inner one for nested roles
	outer    schema.PayloadFormat // format of the partition itself
	capacity int64
	source   string
	excludes []string
	label    string
	image    bool // source is a ready image file
	edited   bool // tree differs from the extracted one
	nested   *manifest.Nested
	payload  *encode.Payload
}

// RepackState rebuilds a superimage from an extracted tree.
type RepackState struct {
	State
	Tree     string // extracted tree, holds the manifest
	Plan     RepackPlan
	Encoders encode.Registry
	Planner  *capacity.Planner
	WorkDir  string // staging files for nested roles

	phase    Phase
	manifest *manifest.Manifest
	jobs     map[schema.Role]*job
	temp     string
	renamed  bool
}

// Phase returns the current phase.
func (s *RepackState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *RepackState) setPhase(p Phase) {
	s.mu.Lock()
	from := s.phase
	s.phase = p
	s.mu.Unlock()
	if from != p {
		utils.Log.Info().Str("from", from.String()).Str("to", p.String()).Msg("Repack phase")
	}
}

// step marks the run failed as soon as an op fails.
func (s *RepackState) step(name string, fn func(context.Context) error) func(context.Context) error {
	inner := s.State.step(name, fn)
	return func(ctx context.Context) error {
		err := inner(ctx)
		if err != nil && !errors.Is(err, errEarlierFailure) {
			s.setPhase(PhaseFailed)
		}
		return err
	}
}

// LoadManifestDagStep reads the manifest of the tree.
func (s *RepackState) LoadManifestDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpLoadManifest, append(opts, herd.WithCallback(s.step(cnst.OpLoadManifest, func(context.Context) error {
		m, err := manifest.Load(s.Tree)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.manifest = m
		s.mu.Unlock()
		return nil
	})))...)
}

// ParseTableDagStep reads the GPT of the old image.
func (s *RepackState) ParseTableDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpParseTable, append(opts, herd.WithCallback(s.step(cnst.OpParseTable, s.parseTable)))...)
}

// ResolveSlotsDagStep binds the partitions of the old image.
func (s *RepackState) ResolveSlotsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpResolveSlots, append(opts, herd.WithCallback(s.step(cnst.OpResolveSlots, s.resolveSlots)))...)
}

// PlanDagStep decides, per selected role, what gets encoded into which partition.
func (s *RepackState) PlanDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPlan, append(opts, herd.WithCallback(s.step(cnst.OpPlan, s.plan)))...)
}

func (s *RepackState) plan(_ context.Context) error {
	s.setPhase(PhasePlanning)
	if err := s.privileged(); err != nil {
		return err
	}
	s.mu.Lock()
	m := s.manifest
	s.mu.Unlock()
	t := s.Table()
	b := s.Bindings()

	if err := m.CheckSource(t.Header.DiskGUID.String()); err != nil {
		return err
	}

	jobs := map[schema.Role]*job{}
	for _, role := range s.Plan.Selected() {
		j, err := s.planRole(m, b, role)
		if err != nil {
			return err
		}
		if j != nil {
			jobs[role] = j
		}
	}
	if len(jobs) == 0 {
		utils.Log.Warn().Msg("Nothing to regenerate, the output is a verbatim copy")
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

func (s *RepackState) planRole(m *manifest.Manifest, b slot.Bindings, role schema.Role) (*job, error) {
	l := utils.Log.With().Str("role", string(role)).Logger()
	rec, ok := m.Role(role)
	if !ok {
		if role == schema.RoleRoot {
			return nil, schema.NewRoleError(role, schema.SlotNone, fmt.Errorf("%w: root is not in the manifest", schema.ErrMissingManifest))
		}
		l.Warn().Msg("Role was not extracted, copying the partition as is")
		return nil, nil
	}
	bound, ok := b.Get(role, rec.Slot)
	if !ok {
		return nil, schema.NewRoleError(role, rec.Slot, schema.ErrMissingRole)
	}
	t := s.Table()
	r := t.ByteRange(bound.Entry)
	l = l.With().Str("slot", rec.Slot.String()).Str("partition", bound.Entry.Name).Logger()

	j := &job{
		binding:  bound,
		outer:    rec.Format,
		format:   rec.Format,
		capacity: r.Length,
		source:   filepath.Join(s.Tree, role.TreePath()),
		excludes: nestedRolePaths(b, role),
		label:    bound.Entry.Name,
		nested:   rec.Nested,
	}
	if old, err := classify(s.Image, r); err == nil && old.Label != "" {
		j.label = old.Label
	}
	if want, ok := s.Plan.Capacity[role]; ok && want > 0 {
		if want < r.Length {
			return nil, schema.NewRoleError(role, rec.Slot, fmt.Errorf("cannot shrink partition from %d to %d bytes", r.Length, want))
		}
		j.capacity = want
	}

	info, err := os.Stat(j.source)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.Warn().Str("path", j.source).Msg("Tree path missing, copying the partition as is")
		return nil, nil
	case err != nil:
		return nil, err
	case info.Mode().IsRegular():
		res, err := classify(j.source, schema.ByteRange{Length: info.Size()})
		if err != nil {
			return nil, err
		}
		if res.Format == schema.FormatUnknown {
			return nil, schema.NewRoleError(role, rec.Slot, fmt.Errorf("%w: %s", schema.ErrUnsupportedFormat, j.source))
		}
		if want, ok := s.Plan.Format[role]; ok && want != res.Format {
			return nil, schema.NewRoleError(role, rec.Slot, fmt.Errorf("%w: %s holds %s, asked for %s", schema.ErrUnsupportedFormat, j.source, res.Format, want))
		}
		j.image, j.format, j.outer, j.nested, j.edited = true, res.Format, res.Format, nil, true
		l.Info().Str("image", j.source).Str("format", res.Format.String()).Msg("Using image file as payload")
		return j, nil
	case !info.IsDir():
		return nil, schema.NewRoleError(role, rec.Slot, fmt.Errorf("%w: %s is neither a directory nor an image", schema.ErrUnsupportedFormat, j.source))
	}

	j.edited = drifted(l, j.source, j.excludes, rec.Digest)
	if j.nested != nil {
		j.format = j.nested.Format
	}
	if want, ok := s.Plan.Format[role]; ok && want != schema.FormatUnknown {
		j.format = want
		if j.nested == nil {
			j.outer = want
		}
	}

	if j.nested == nil {
		est, err := s.Planner.Estimate(j.source, j.format, j.excludes)
		if err != nil {
			return nil, schema.NewRoleError(role, rec.Slot, err)
		}
		if err := s.Planner.PreCheck(role, rec.Slot, est, j.capacity); err != nil {
			return nil, err
		}
	}
	l.Info().Str("format", j.format.String()).Int64("capacity", j.capacity).Msg("Planned")
	return j, nil
}

// drifted compares a tree against the digest recorded at extraction.
func drifted(l zerolog.Logger, dir string, excludes []string, recorded string) bool {
	if recorded == "" {
		l.Warn().Msg("Manifest has no digest for the role, treating the tree as edited")
		return true
	}
	d, err := tree.Digest(vfs.OSFS, dir, excludes)
	if err != nil {
		l.Warn().Err(err).Msg("Cannot fingerprint the tree, treating it as edited")
		return true
	}
	if d.String() == recorded {
		l.Info().Str("digest", recorded).Msg("Tree unchanged since extraction")
		return false
	}
	l.Info().Str("extracted", recorded).Str("now", d.String()).Msg("Tree edited since extraction")
	return true
}

// Edited reports whether a regenerated role's tree changed since it was
// extracted. ok is false for roles the plan copies as they are.
func (s *RepackState) Edited(role schema.Role) (edited, ok bool) {
	j := s.job(role)
	if j == nil {
		return false, false
	}
	return j.edited, true
}

func (s *RepackState) job(role schema.Role) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[role]
}

// EncodeDagStep encodes one role's tree into its payload.
func (s *RepackState) EncodeDagStep(g *herd.Graph, role schema.Role, opts ...herd.OpOption) error {
	name := cnst.OpEncode(role)
	return g.Add(name, append(opts, herd.WithCallback(s.step(name, func(ctx context.Context) error {
		return s.encodeRole(ctx, role)
	})))...)
}

func (s *RepackState) encodeRole(ctx context.Context, role schema.Role) error {
	j := s.job(role)
	if j == nil {
		return nil
	}
	l := utils.Log.With().Str("role", string(role)).Str("slot", j.binding.Slot.String()).Logger()

	var p *encode.Payload
	var err error
	switch {
	case j.image:
		info, serr := os.Stat(j.source)
		if serr != nil {
			return serr
		}
		p = &encode.Payload{Path: j.source, Size: info.Size(), Format: j.format, Keep: true}
	case j.nested != nil:
		p, err = s.encodeNested(ctx, role, j)
	default:
		var enc encode.Encoder
		if enc, err = s.Encoders.For(j.format); err != nil {
			return schema.NewRoleError(role, j.binding.Slot, err)
		}
		p, err = enc.Encode(ctx, encode.Source{Dir: j.source, Excludes: j.excludes, Label: j.label}, j.capacity)
	}
	if err != nil {
		return s.roleError(role, j, err)
	}
	s.mu.Lock()
	j.payload = p
	s.mu.Unlock()
	l.Info().Int64("size", p.Size).Int64("capacity", j.capacity).Msg("Encoded")
	return nil
}

func (s *RepackState) roleError(role schema.Role, j *job, err error) error {
	var space *schema.InsufficientSpaceError
	switch {
	case errors.As(err, &space):
		if space.Role == "" {
			space.Role, space.Slot = role, j.binding.Slot
		}
		return err
	case errors.Is(err, schema.ErrInsufficientSpace):
		return s.spaceError(role, j, err)
	}
	return schema.NewRoleError(role, j.binding.Slot, err)
}

// spaceError turns an encoder running out of room into a deficit. The
// estimate is used when it exceeds the partition; otherwise all that is known
// is that one more block was needed.
func (s *RepackState) spaceError(role schema.Role, j *job, cause error) error {
	need := j.capacity + s.Planner.Block()
	exact := false
	if est, err := s.Planner.Estimate(j.source, j.format, j.excludes); err == nil {
		if r := s.Planner.Required(est, j.capacity); r > j.capacity {
			need, exact = r, true
		}
	}
	return &schema.InsufficientSpaceError{
		Role:     role,
		Slot:     j.binding.Slot,
		Required: need,
		Capacity: j.capacity,
		AtLeast:  !exact,
		Err:      cause,
	}
}

// ValidateCapacityDagStep checks every payload against its partition.
func (s *RepackState) ValidateCapacityDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpValidateCapacity, append(opts, herd.WithCallback(s.step(cnst.OpValidateCapacity, s.validateCapacity)))...)
}

func (s *RepackState) validateCapacity(_ context.Context) error {
	s.setPhase(PhaseValidating)
	var result *multierror.Error
	for _, role := range s.Plan.Selected() {
		j := s.job(role)
		if j == nil {
			continue
		}
		if j.payload == nil {
			result = multierror.Append(result, schema.NewRoleError(role, j.binding.Slot, errors.New("no payload was encoded")))
			continue
		}
		if err := s.Planner.Check(role, j.binding.Slot, j.payload.Size, j.capacity); err != nil {
			utils.Log.Err(err).Str("role", string(role)).Msg("Payload does not fit")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Finish releases what the run still holds. On failure the temporary output
// is removed and the phase becomes failed; the final output name is never
// touched unless finalize renamed it.
func (s *RepackState) Finish(runErr error) error {
	var result *multierror.Error
	if runErr != nil || s.Err() != nil {
		s.setPhase(PhaseFailed)
	}
	s.mu.Lock()
	temp, renamed := s.temp, s.renamed
	jobs := s.jobs
	s.mu.Unlock()

	if temp != "" && !renamed {
		utils.Log.Debug().Str("what", temp).Msg("Removing temporary output")
		if err := utils.IgnoreNotExist(os.Remove(temp)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, j := range jobs {
		if err := j.payload.Remove(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.Mounts != nil {
		if err := s.Mounts.ReleaseAll(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
