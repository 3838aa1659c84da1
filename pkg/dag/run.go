package dag

import (
	"context"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/spectrocloud-labs/herd"
)

type runner interface {
	WriteDAG(g *herd.Graph) string
	Err() error
}

// Run executes g, printing it before and after. Failures recorded by the ops
// take precedence over what the graph itself reports.
func Run(ctx context.Context, s runner, g *herd.Graph) error {
	utils.Log.Info().Msg(s.WriteDAG(g))
	err := g.Run(ctx)
	utils.Log.Info().Msg(s.WriteDAG(g))
	if serr := s.Err(); serr != nil {
		return serr
	}
	return err
}
