package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/DigiJLinux/SteamOS-Extract/internal/config"
	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/dag"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/gpt"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/mount"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/slot"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/sniff"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/state"
	"github.com/dustin/go-humanize"
	"github.com/spectrocloud-labs/herd"
	"github.com/urfave/cli/v2"
)

// GlobalFlags are shared by every command.
var GlobalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "debug",
		Usage:   "log at debug level",
		EnvVars: []string{"SUPERIMAGE_DEBUG"},
	},
	&cli.StringFlag{
		Name:    "config",
		Usage:   "configuration file",
		Value:   "",
		EnvVars: []string{"SUPERIMAGE_CONFIG"},
	},
}

var skipFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "no-var",
		Usage: "leave the var role out",
	},
	&cli.BoolFlag{
		Name:  "no-home",
		Usage: "leave the home role out",
	},
}

var Commands = []*cli.Command{
	{
		Name:      "extract",
		Usage:     "extract the active slot of every role into a directory",
		ArgsUsage: "<image> <dest>",
		Description: `
Copies root, var and home of the active slot into <dest> and records where
they came from in a manifest next to them. The ESP is never extracted.
`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "active-slot",
				Usage: "slot to extract (A or B), overrides the bootloader state",
			},
		}, skipFlags...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("extract needs an image and a destination", 2)
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			query := cfg.SlotQuery()
			if v := c.String("active-slot"); v != "" {
				s, err := schema.ParseSlot(v)
				if err != nil {
					return err
				}
				query = slot.Static(s)
			}

			s := &state.ExtractState{
				State: state.State{
					Image:      c.Args().Get(0),
					Mounts:     mount.NewManager(cfg.Mount.WorkDir, cfg.Mount.Retries, cfg.Mount.RetryDelay),
					Privileges: utils.RootPrivileges{},
				},
				Dest:  c.Args().Get(1),
				Skip:  skips(c),
				Query: query,
			}
			g := herd.DAG()
			if err := dag.RegisterExtraction(s, g); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			err = dag.Run(ctx, s, g)
			s.LogIfError(s.Mounts.ReleaseAll(), "releasing mounts")
			return err
		},
	},
	{
		Name:      "repack",
		Usage:     "rebuild an image from an edited extraction",
		ArgsUsage: "<image> <tree> <output>",
		Description: `
Encodes the selected roles from <tree> and writes a new image to <output>.
Partitions that are not selected are copied byte for byte. <output> is only
replaced once the new image has been written and checked.
`,
		Flags: append([]cli.Flag{
			&cli.StringSliceFlag{
				Name:  "grow",
				Usage: "grow a role's partition, e.g. root=6GiB",
			},
			&cli.StringSliceFlag{
				Name:  "format",
				Usage: "force a role's payload format, e.g. var=ext4",
			},
		}, skipFlags...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.Exit("repack needs an image, a tree and an output", 2)
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			plan, err := repackPlan(c)
			if err != nil {
				return err
			}

			s := &state.RepackState{
				State: state.State{
					Image:      c.Args().Get(0),
					Mounts:     mount.NewManager(cfg.Mount.WorkDir, cfg.Mount.Retries, cfg.Mount.RetryDelay),
					Privileges: utils.RootPrivileges{},
				},
				Tree:     c.Args().Get(1),
				Plan:     plan,
				Encoders: cfg.Encoders(),
				Planner:  cfg.Planner(),
				WorkDir:  cfg.Mount.WorkDir,
			}
			g := herd.DAG()
			if err := dag.RegisterRepack(s, g); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			err = dag.Run(ctx, s, g)
			s.LogIfError(s.Finish(err), "cleaning up")
			return err
		},
	},
	{
		Name:      "inspect",
		Usage:     "show the partitions of an image, their roles and payloads",
		ArgsUsage: "<image>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("inspect needs an image", 2)
			}
			return inspect(c.Args().Get(0), c.App.Writer)
		},
	},
}

func skips(c *cli.Context) map[schema.Role]bool {
	return map[schema.Role]bool{
		schema.RoleVar:  c.Bool("no-var"),
		schema.RoleHome: c.Bool("no-home"),
	}
}

func repackPlan(c *cli.Context) (state.RepackPlan, error) {
	plan := state.NewRepackPlan(c.Args().Get(2))
	for r, skip := range skips(c) {
		if skip {
			plan.Roles[r] = false
		}
	}
	for _, v := range c.StringSlice("grow") {
		role, size, err := roleValue(v)
		if err != nil {
			return plan, fmt.Errorf("--grow %s: %w", v, err)
		}
		b, err := humanize.ParseBytes(size)
		if err != nil {
			return plan, fmt.Errorf("--grow %s: %w", v, err)
		}
		plan.Capacity[role] = int64(b)
	}
	for _, v := range c.StringSlice("format") {
		role, name, err := roleValue(v)
		if err != nil {
			return plan, fmt.Errorf("--format %s: %w", v, err)
		}
		f, err := schema.ParseFormat(name)
		if err != nil {
			return plan, fmt.Errorf("--format %s: %w", v, err)
		}
		plan.Format[role] = f
	}
	return plan, nil
}

// roleValue splits role=value.
func roleValue(v string) (schema.Role, string, error) {
	k, val, ok := strings.Cut(v, "=")
	if !ok || val == "" {
		return "", "", fmt.Errorf("expected role=value")
	}
	role, err := schema.ParseRole(k)
	if err != nil {
		return "", "", err
	}
	if role == schema.RoleESP {
		return "", "", fmt.Errorf("the esp is never rebuilt")
	}
	return role, val, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func inspect(image string, w io.Writer) error {
	f, err := os.Open(image)
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
	if t.Degraded {
		utils.Log.Warn().Err(t.DegradedReason).Msg("Primary table is damaged, showing the backup")
	}
	b, err := slot.Resolve(t)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s: %s, block size %d, disk %s\n", filepath.Base(image), humanize.IBytes(uint64(t.DiskSize)), t.BlockSize, t.Header.DiskGUID)
	for _, e := range t.Partitions() {
		r := t.ByteRange(e)
		role := "-"
		if bound, ok := b.ByIndex(e.Index); ok {
			role = string(bound.Role)
			if bound.Slot != schema.SlotNone {
				role += "/" + bound.Slot.String()
			}
		}
		res, err := sniff.Classify(io.NewSectionReader(f, r.Offset, r.Length))
		if err != nil {
			return err
		}
		used := ""
		if res.Size > 0 {
			used = humanize.IBytes(uint64(res.Size)) + " used"
		}
		fmt.Fprintf(w, "%3d  %-12s %-8s %-22s %10s  %s\n", e.Index, e.Name, role, res.Format, humanize.IBytes(uint64(r.Length)), used)
	}
	return nil
}
