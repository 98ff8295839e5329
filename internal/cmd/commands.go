package cmd

import (
	"context"
	"fmt"

	"github.com/spectrocloud-labs/herd"
	"github.com/urfave/cli/v2"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/internal/version"
	"github.com/capsuleos/capsuled/pkg/decompress"
	"github.com/capsuleos/capsuled/pkg/engine"
)

// Start runs the boot activation pipeline.
func Start(ctx context.Context, dryRun bool) error {
	c := engine.NewContext(false)
	applyConfig(c)

	if dryRun {
		g := herd.DAG()
		if err := c.RegisterStart(g); err != nil {
			return err
		}
		utils.Log.Info().Msg(c.WriteDAG(g))
		return nil
	}
	return c.OnStart(ctx)
}

// applyConfig overrides the standard layout from the daemon env file, when
// one is installed.
func applyConfig(c *engine.Context) {
	env, err := utils.ReadEnv(constants.ConfigFile)
	if err != nil {
		return
	}
	if v := env["CAPSULE_ROOT"]; v != "" {
		c.CapsuleRoot = v
	}
	if v := env["DATA_DIR"]; v != "" {
		c.DataDir = v
	}
	if v := env["DECOMPRESSION_DIR"]; v != "" {
		c.DecompressionDir = v
	}
	if v := env["RUNTIME_DIR"]; v != "" {
		c.RuntimeDir = v
	}
}

var Commands = []*cli.Command{
	{
		Name:  "start",
		Usage: "scan, select and activate capsules",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "dry-run",
				EnvVars: []string{"CAPSULED_DRY_RUN"},
			},
		},
		Action: func(c *cli.Context) error {
			utils.SetLogger()
			return Start(context.Background(), c.Bool("dry-run"))
		},
	},
	{
		Name:  "ota-chroot-bootstrap",
		Usage: "activate capsules inside an OTA chroot and emit the activation manifest",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "chroot",
				Usage: "target system root to chroot into before activating",
			},
			&cli.StringSliceFlag{
				Name:  "builtin-dir",
				Usage: "pre-installed capsule directory, repeatable",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Value: constants.DataDir,
			},
		},
		Action: func(c *cli.Context) error {
			utils.SetLogger()

			builtinDirs := c.StringSlice("builtin-dir")
			if len(builtinDirs) == 0 {
				builtinDirs = constants.DefaultBuiltinDirs()
			}

			run := func() error {
				e := engine.NewContext(true)
				applyConfig(e)
				return e.OnOtaChrootBootstrap(context.Background(), builtinDirs, c.String("data-dir"))
			}

			var err error
			if root := c.String("chroot"); root != "" {
				err = utils.NewChroot(root).RunCallback(run)
			} else {
				err = run()
			}
			if err != nil {
				utils.Log.Err(err).Msg("OTA bootstrap failed")
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	},
	{
		Name:  "unmount-all",
		Usage: "deactivate every mounted capsule",
		Action: func(c *cli.Context) error {
			utils.SetLogger()
			e := engine.NewContext(false)
			applyConfig(e)
			if err := e.DB.Rebuild(e.CapsuleRoot); err != nil {
				return err
			}
			return e.UnmountAll()
		},
	},
	{
		Name:  "reserve-space",
		Usage: "size the decompression reservation slab; 0 releases it",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "size",
				Usage:    "reservation size in bytes",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			utils.SetLogger()
			e := engine.NewContext(false)
			applyConfig(e)
			return decompress.ReserveSlab(c.Int64("size"), e.DecompressionDir)
		},
	},
	{
		Name:  "sessions",
		Usage: "list staged install sessions",
		Action: func(c *cli.Context) error {
			utils.SetLogger()
			e := engine.NewContext(false)
			applyConfig(e)
			for _, sn := range e.Sessions.GetAll() {
				fmt.Printf("%d\t%s\t%v\n", sn.ID, sn.State, sn.CapsuleNames)
			}
			return nil
		},
	},
	{
		Name:  "version",
		Usage: "version",
		Action: func(c *cli.Context) error {
			utils.SetLogger()
			v := version.Get()
			utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("Capsuled")
			return nil
		},
	},
}
