package engine

import (
	"context"

	"github.com/spectrocloud-labs/herd"

	cnst "github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/internal/utils"
)

// RegisterStart wires the full boot pipeline into the DAG: scan both sides,
// materialize compressed capsules, select, activate shared-libs before
// everything else, then publish and report.
func (c *Context) RegisterStart(g *herd.Graph) error {
	var err error

	c.LogIfError(c.ScanPreinstalledDagStep(g), "registering pre-installed scan")
	c.LogIfError(c.ScanDataDagStep(g), "registering data scan")
	c.LogIfError(c.DecompressDagStep(g), "registering decompression")
	c.LogIfError(c.SelectDagStep(g), "registering selection")
	c.LogIfError(c.ActivateSharedDagStep(g), "registering shared-libs activation")
	c.LogIfError(c.ActivateDagStep(g), "registering activation")
	c.LogIfError(c.StagedSessionsDagStep(g), "registering staged sessions")
	c.LogIfError(c.PublishSharedDagStep(g), "registering shared-libs publish")
	c.LogIfError(c.WriteInfoListDagStep(g), "registering info list")
	c.LogIfError(c.WriteFstabDagStep(g), "registering fstab")

	err = g.Add(cnst.OpSetReady,
		herd.WithDeps(cnst.OpWriteInfoList, cnst.OpWriteFstab, cnst.OpStagedSessions),
		herd.WithCallback(func(ctx context.Context) error {
			c.SetStatus(cnst.StatusReady)
			return nil
		}))
	return err
}

// RegisterOtaBootstrap wires the reduced pipeline run inside the OTA chroot:
// no sessions, no fstab, no status; the info list is the only output the OTA
// readers consume.
func (c *Context) RegisterOtaBootstrap(g *herd.Graph) error {
	c.LogIfError(c.ScanPreinstalledDagStep(g), "registering pre-installed scan")
	c.LogIfError(c.ScanDataDagStep(g), "registering data scan")
	c.LogIfError(c.DecompressDagStep(g), "registering decompression")
	c.LogIfError(c.SelectDagStep(g), "registering selection")
	c.LogIfError(c.ActivateSharedDagStep(g), "registering shared-libs activation")
	c.LogIfError(c.ActivateDagStep(g), "registering activation")
	return g.Add(cnst.OpWriteInfoList,
		herd.WithDeps(cnst.OpActivate),
		herd.WithCallback(func(ctx context.Context) error {
			return c.WriteInfoList()
		}))
}

func (c *Context) ScanPreinstalledDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpScanPreinstalled, herd.WithCallback(func(ctx context.Context) error {
		return c.Repo.AddPreInstalled(c.BuiltinDirs)
	}))
}

func (c *Context) ScanDataDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpScanData,
		herd.WithDeps(cnst.OpScanPreinstalled),
		herd.WithCallback(func(ctx context.Context) error {
			if c.InRecovery {
				utils.Log.Info().Msg("In recovery, skipping data capsules")
				return nil
			}
			return c.Repo.AddData(c.DataDir)
		}))
}

func (c *Context) DecompressDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpDecompress,
		herd.WithDeps(cnst.OpScanData),
		herd.WithCallback(func(ctx context.Context) error {
			return c.decompressCapsules()
		}))
}

func (c *Context) SelectDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpSelect,
		herd.WithDeps(cnst.OpDecompress),
		herd.WithCallback(func(ctx context.Context) error {
			c.selected = c.Repo.SelectForActivation()
			for _, h := range c.selected {
				utils.Log.Debug().Str("capsule", h.Name).Int64("version", h.Version).Bool("sharedlibs", h.ProvidesSharedLibs).Msg("Selected for activation")
			}
			// With the full capsule set known, recovered mounts that no
			// capsule accounts for can be torn down.
			c.reconcileRecovered()
			return nil
		}))
}

func (c *Context) ActivateSharedDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpActivateShared,
		herd.WithDeps(cnst.OpSelect),
		herd.WithCallback(func(ctx context.Context) error {
			return c.activateSelected(true)
		}))
}

func (c *Context) ActivateDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpActivate,
		herd.WithDeps(cnst.OpActivateShared),
		herd.WithCallback(func(ctx context.Context) error {
			return c.activateSelected(false)
		}))
}

func (c *Context) StagedSessionsDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpStagedSessions,
		herd.WithDeps(cnst.OpActivate),
		herd.WithCallback(func(ctx context.Context) error {
			return c.processStagedSessions()
		}))
}

func (c *Context) PublishSharedDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpPublishShared,
		herd.WithDeps(cnst.OpActivate),
		herd.WithCallback(func(ctx context.Context) error {
			return c.publishSharedLibs()
		}))
}

func (c *Context) WriteInfoListDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpWriteInfoList,
		herd.WithDeps(cnst.OpActivate, cnst.OpPublishShared),
		herd.WithCallback(func(ctx context.Context) error {
			return c.WriteInfoList()
		}))
}

func (c *Context) WriteFstabDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpWriteFstab,
		herd.WithDeps(cnst.OpActivate),
		herd.WithCallback(func(ctx context.Context) error {
			return c.writeFstab()
		}))
}
