package dag

import (
	cnst "github.com/DigiJLinux/SteamOS-Extract/internal/constants"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/state"
	"github.com/spectrocloud-labs/herd"
)

// RegisterRepack registers the repack graph. Encoding runs per role in
// parallel; validation, the image write and the final rename are serial.
func RegisterRepack(s *state.RepackState, g *herd.Graph) error {
	var err error

	s.LogIfError(s.LoadManifestDagStep(g), "load manifest")
	s.LogIfError(s.ParseTableDagStep(g), "parse table")
	s.LogIfError(s.ResolveSlotsDagStep(g, herd.WithDeps(cnst.OpParseTable)), "resolve slots")

	if err = s.LogIfErrorAndReturn(s.PlanDagStep(g, herd.WithDeps(cnst.OpLoadManifest, cnst.OpResolveSlots)), "plan"); err != nil {
		return err
	}

	validateDeps := []string{cnst.OpPlan}
	for _, r := range s.Plan.Selected() {
		if err = s.LogIfErrorAndReturn(s.EncodeDagStep(g, r, herd.WithDeps(cnst.OpPlan)), "encode "+string(r)); err != nil {
			return err
		}
		validateDeps = append(validateDeps, cnst.OpEncode(r))
	}

	if err = s.LogIfErrorAndReturn(s.ValidateCapacityDagStep(g, herd.WithDeps(validateDeps...)), "validate capacity"); err != nil {
		return err
	}
	if err = s.LogIfErrorAndReturn(s.WriteImageDagStep(g, herd.WithDeps(cnst.OpValidateCapacity)), "write image"); err != nil {
		return err
	}
	return s.LogIfErrorAndReturn(s.FinalizeDagStep(g, herd.WithDeps(cnst.OpWriteImage)), "finalize")
}
