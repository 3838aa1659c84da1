package main

import (
	"fmt"
	"os"

	"github.com/DigiJLinux/SteamOS-Extract/internal/cmd"
	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/internal/version"
	"github.com/urfave/cli/v2"
)

// Extract and rebuild partitions of a superimage.
func main() {
	app := cli.NewApp()
	app.Name = "superimage"
	app.Usage = "extract and rebuild the partitions of an A/B superimage"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "SteamOS-Extract authors"}}
	app.Flags = cmd.GlobalFlags
	app.Before = func(c *cli.Context) error {
		utils.SetLogger(c.Bool("debug"))
		v := version.Get()
		utils.Log.Debug().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("superimage")
		return nil
	}
	app.Commands = append(cmd.Commands, &cli.Command{
		Name:  "version",
		Usage: "version",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, version.Get())
			return nil
		},
	})

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
