package main

import (
	"context"
	"fmt"
	"os"

	"github.com/capsuleos/capsuled/internal/cmd"
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/internal/version"
	"github.com/urfave/cli/v2"
)

// Activate capsule packages at boot and keep the mounted layout consistent.
func main() {
	app := cli.NewApp()
	app.Name = "capsuled"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "CapsuleOS authors"}}
	app.Copyright = "capsuleos authors"
	app.Usage = "capsule package activation daemon"
	app.Commands = cmd.Commands
	app.Action = func(c *cli.Context) error {
		utils.SetLogger()
		v := version.Get()
		utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("Capsuled")
		return cmd.Start(context.Background(), c.Bool("dry-run"))
	}
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name: "dry-run",
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
