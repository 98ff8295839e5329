package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spectrocloud-labs/herd"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/pkg/capsule"
	"github.com/capsuleos/capsuled/pkg/decompress"
	"github.com/capsuleos/capsuled/pkg/mountdb"
)

// OnStart runs the boot pipeline: rebuild the database from kernel state,
// then walk the activation DAG.
func (c *Context) OnStart(ctx context.Context) error {
	c.SetStatus(constants.StatusStarting)

	if err := c.DB.Rebuild(c.CapsuleRoot); err != nil {
		utils.Log.Err(err).Msg("Cannot rebuild mount database from kernel state")
		return err
	}

	g := herd.DAG()
	if err := c.RegisterStart(g); err != nil {
		return err
	}
	utils.Log.Info().Msg(c.WriteDAG(g))
	err := g.Run(ctx)
	utils.Log.Info().Msg(c.WriteDAG(g))
	return err
}

// OnOtaChrootBootstrap runs the reduced pipeline inside the OTA chroot and
// emits the activation manifest. No manifest is written when activation
// fails; the caller turns the error into exit code 1.
func (c *Context) OnOtaChrootBootstrap(ctx context.Context, builtinDirs []string, dataDir string) error {
	c.BuiltinDirs = builtinDirs
	c.DataDir = dataDir

	g := herd.DAG()
	if err := c.RegisterOtaBootstrap(g); err != nil {
		return err
	}
	utils.Log.Info().Msg(c.WriteDAG(g))
	if err := g.Run(ctx); err != nil {
		return err
	}
	// herd keeps per-op failures out of Run's error; for the bootstrap any
	// failed op means the manifest cannot be trusted.
	var failed *multierror.Error
	for _, layer := range g.Analyze() {
		for _, op := range layer {
			if op.Error != nil {
				failed = multierror.Append(failed, fmt.Errorf("%s: %w", op.Name, op.Error))
			}
		}
	}
	return failed.ErrorOrNil()
}

// decompressCapsules materializes every compressed capsule and garbage
// collects decompression artifacts whose active copy is gone.
func (c *Context) decompressCapsules() error {
	var compressed []*capsule.Handle
	for _, group := range c.Repo.AllByName() {
		for _, h := range group {
			if h.Compressed {
				compressed = append(compressed, h)
			}
		}
	}
	for _, h := range c.Stage.ProcessCompressed(compressed, c.DecompressionDir, c.DataDir) {
		c.materialized[h.MountName()] = h
	}
	if err := decompress.RemoveUnlinked(c.DecompressionDir, c.DataDir); err != nil {
		utils.Log.Err(err).Msg("Cleanup of unlinked decompressed capsules failed")
	}
	return nil
}

// activateSelected activates the shared-libs half or the regular half of the
// selection. Per-capsule failures never stop the batch: the rest of the
// system must still come up.
func (c *Context) activateSelected(sharedLibs bool) error {
	for _, h := range c.selected {
		if h.ProvidesSharedLibs != sharedLibs {
			continue
		}
		if err := c.activateWithFallback(h); err != nil {
			utils.Log.Err(err).Str("capsule", h.Name).Int64("version", h.Version).Msg("Capsule failed to activate")
		}
	}
	if !sharedLibs {
		c.SetStatus(constants.StatusActivated)
	}
	return nil
}

// activateWithFallback tries a handle and, when a data copy fails, retries
// with its pre-installed counterpart.
func (c *Context) activateWithFallback(h *capsule.Handle) error {
	err := c.activateOne(h)
	if err == nil {
		return nil
	}
	if c.Repo.IsPreInstalled(h) {
		return err
	}
	pre, preErr := c.Repo.GetPreInstalled(h.Name)
	if preErr != nil {
		return err
	}
	utils.Log.Warn().Err(err).Str("capsule", h.Name).Msg("Data capsule failed, falling back to pre-installed")
	return c.activateOne(pre)
}

func (c *Context) activateOne(h *capsule.Handle) error {
	// A compressed capsule is never mounted itself; its materialized copy in
	// the active dir is.
	if h.Compressed {
		m, ok := c.materialized[h.MountName()]
		if !ok {
			return fmt.Errorf("compressed capsule %s was not materialized", h.MountName())
		}
		h = m
	}

	c.Metrics.InstallationRequested(h.Name, h.Version, h.ProvidesSharedLibs)

	mountPoint := c.path(h.MountName())
	rec, err := c.Driver.Activate(h, mountPoint, h.VerityRootHash != "")
	if err != nil {
		c.Metrics.InstallationEnded(c.fileHash(h), false)
		return err
	}
	c.DB.Add(rec)
	c.activated[h.Path] = h

	if c.Repo.GetPartition(h) == capsule.PartitionVendor {
		if err := c.Vintf.Check(h, mountPoint); err != nil {
			utils.Log.Err(err).Str("capsule", h.Name).Msg("Vendor interface incompatibility, rolling back")
			c.DB.Remove(rec.PackageName, rec.ImageFile)
			delete(c.activated, h.Path)
			if dErr := c.Driver.Deactivate(rec); dErr != nil {
				utils.Log.Err(dErr).Str("capsule", h.Name).Msg("Teardown after vintf failure leaked state")
			}
			c.Metrics.InstallationEnded(c.fileHash(h), false)
			return err
		}
	}

	if err := c.publishLatestLink(h.Name); err != nil {
		utils.Log.Err(err).Str("capsule", h.Name).Msg("Cannot publish bare-name path")
	}
	c.Metrics.InstallationEnded(c.fileHash(h), true)
	return nil
}

// fileHash digests the capsule for the telemetry sink; metrics are
// fire-and-forget, so a failed digest degrades to an empty hash.
func (c *Context) fileHash(h *capsule.Handle) string {
	hash, err := c.Stage.Verifier.Sha256(h.Path)
	if err != nil {
		utils.Log.Debug().Err(err).Str("capsule", h.Name).Msg("Cannot hash capsule for metrics")
		return ""
	}
	return hash
}

// publishLatestLink points /capsule/<name> at the versioned directory of the
// latest record, atomically.
func (c *Context) publishLatestLink(name string) error {
	latest, ok := c.DB.GetLatest(name)
	if !ok {
		return nil
	}
	link := c.path(name)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(latest.MountPoint, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

// reconcileRecovered tears down database records rebuilt from kernel state
// that no known capsule accounts for; they are leftovers of an uninstalled or
// rolled back image.
func (c *Context) reconcileRecovered() {
	known := map[string]bool{}
	for _, group := range c.Repo.AllByName() {
		for _, h := range group {
			known[h.Path] = true
			if h.Compressed {
				if m, ok := c.materialized[h.MountName()]; ok {
					known[m.Path] = true
				}
			}
		}
	}
	for _, rec := range c.DB.Records() {
		if known[rec.ImageFile] {
			continue
		}
		utils.Log.Warn().Str("capsule", rec.PackageName).Str("image", rec.ImageFile).Msg("Tearing down unreconciled mount")
		c.DB.Remove(rec.PackageName, rec.ImageFile)
		if err := c.Driver.Deactivate(rec); err != nil {
			utils.Log.Err(err).Str("capsule", rec.PackageName).Msg("Unreconciled mount teardown failed")
		}
	}
}

// publishSharedLibs fills /capsule/sharedlibs/{lib,lib64} with symlinks to
// every versioned library exported by an activated shared-libs capsule.
// Higher versions win when two exports collide on a soname.
func (c *Context) publishSharedLibs() error {
	var shared []*capsule.Handle
	for _, h := range c.activated {
		if h.ProvidesSharedLibs {
			shared = append(shared, h)
		}
	}
	if len(shared) == 0 {
		return nil
	}
	sort.Slice(shared, func(i, j int) bool {
		if shared[i].Name != shared[j].Name {
			return shared[i].Name < shared[j].Name
		}
		return shared[i].Version > shared[j].Version
	})

	for _, h := range shared {
		for _, libDir := range []string{"lib", "lib64"} {
			src := c.path(h.MountName(), libDir)
			entries, err := os.ReadDir(src)
			if err != nil {
				continue
			}
			dst := filepath.Join(c.CapsuleRoot, "sharedlibs", libDir)
			if err := utils.CreateIfNotExists(dst); err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsDir() || !strings.Contains(e.Name(), ".so") {
					continue
				}
				link := filepath.Join(dst, e.Name())
				if _, err := os.Lstat(link); err == nil {
					continue
				}
				if err := os.Symlink(filepath.Join(src, e.Name()), link); err != nil {
					utils.Log.Err(err).Str("library", e.Name()).Msg("Cannot export shared library")
				}
			}
		}
	}
	return nil
}

// writeFstab records every live capsule mount in the runtime fstab for
// debugging and for tools that read the mount layout from a file.
func (c *Context) writeFstab() error {
	if err := utils.CreateIfNotExists(c.RuntimeDir); err != nil {
		return err
	}
	path := filepath.Join(c.RuntimeDir, constants.FstabFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	for _, entry := range c.Driver.FstabEntries() {
		if _, err := f.WriteString(entry.String() + "\n"); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// UnmountAll deactivates every record in the database, latest last so the
// bare-name paths stay valid until their alternatives are gone.
func (c *Context) UnmountAll() error {
	var result *multierror.Error
	var latest []mountdb.Record

	for _, rec := range c.DB.Records() {
		if l, ok := c.DB.GetLatest(rec.PackageName); ok && l == rec {
			latest = append(latest, rec)
			continue
		}
		result = multierror.Append(result, c.deactivateRecord(rec))
	}
	for _, rec := range latest {
		_ = os.Remove(c.path(rec.PackageName))
		result = multierror.Append(result, c.deactivateRecord(rec))
	}
	return result.ErrorOrNil()
}

func (c *Context) deactivateRecord(rec mountdb.Record) error {
	c.DB.Remove(rec.PackageName, rec.ImageFile)
	return c.Driver.Deactivate(rec)
}
