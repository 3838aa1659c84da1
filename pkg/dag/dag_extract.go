package dag

import (
	cnst "github.com/DigiJLinux/SteamOS-Extract/internal/constants"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/state"
	"github.com/spectrocloud-labs/herd"
)

// RegisterExtraction registers the extraction graph: the table is read and
// bound, root is copied first as it becomes the top of the tree, then var and
// home in parallel below it. The manifest is written last and only when every
// copy succeeded.
func RegisterExtraction(s *state.ExtractState, g *herd.Graph) error {
	var err error

	if err = s.LogIfErrorAndReturn(s.ParseTableDagStep(g), "parse table"); err != nil {
		return err
	}
	if err = s.LogIfErrorAndReturn(s.ResolveSlotsDagStep(g, herd.WithDeps(cnst.OpParseTable)), "resolve slots"); err != nil {
		return err
	}
	if err = s.LogIfErrorAndReturn(s.ExtractRoleDagStep(g, schema.RoleRoot, herd.WithDeps(cnst.OpResolveSlots)), "extract root"); err != nil {
		return err
	}

	manifestDeps := []string{cnst.OpExtract(schema.RoleRoot)}
	for _, r := range []schema.Role{schema.RoleVar, schema.RoleHome} {
		if !s.Wanted(r) {
			continue
		}
		if err = s.LogIfErrorAndReturn(s.ExtractRoleDagStep(g, r, herd.WithDeps(cnst.OpExtract(schema.RoleRoot))), "extract "+string(r)); err != nil {
			return err
		}
		manifestDeps = append(manifestDeps, cnst.OpExtract(r))
	}

	return s.LogIfErrorAndReturn(s.WriteManifestDagStep(g, herd.WithDeps(manifestDeps...)), "write manifest")
}
