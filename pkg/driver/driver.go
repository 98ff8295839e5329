package driver

import (
	"fmt"
	"os"

	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/sys/mountinfo"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/pkg/capsule"
	"github.com/capsuleos/capsuled/pkg/loopback"
	"github.com/capsuleos/capsuled/pkg/mountdb"
	"github.com/capsuleos/capsuled/pkg/verity"
)

// Driver performs single activation attempts: attach a loop device over the
// capsule image, layer dm-verity on top, mount the block device read-only.
// Deactivation is the exact reverse, best-effort.
type Driver struct {
	// DeviceSuffix disambiguates verity device names between daemons:
	// "chroot" inside the OTA bootstrap, a stable per-process tag otherwise.
	DeviceSuffix string

	fstabs []*fstab.Mount
}

func New(deviceSuffix string) *Driver {
	return &Driver{DeviceSuffix: deviceSuffix}
}

// Activate mounts the capsule image of h at mountPoint and returns the record
// to register. Any partially set up state is torn down before the error
// returns; a leaked loop or dm device is a bug.
func (d *Driver) Activate(h *capsule.Handle, mountPoint string, verityRequired bool) (rec mountdb.Record, err error) {
	if err := utils.CreateIfNotExists(mountPoint); err != nil {
		return mountdb.Record{}, err
	}
	mounted, err := mountinfo.Mounted(mountPoint)
	if err != nil {
		return mountdb.Record{}, err
	}
	if mounted {
		return mountdb.Record{}, fmt.Errorf("%w: %s", constants.ErrAlreadyMounted, mountPoint)
	}

	loopDev, err := loopback.Attach(h.Path, h.PayloadOffset, h.PayloadSize)
	if err != nil {
		return mountdb.Record{}, fmt.Errorf("attaching loop for %s: %w", h.Name, err)
	}
	defer func() {
		if err != nil {
			if detachErr := loopback.Detach(loopDev); detachErr != nil {
				utils.Log.Err(detachErr).Str("device", loopDev).Msg("Leaked loop device during teardown")
			}
		}
	}()

	blockDev := loopDev
	verityName := ""
	if verityRequired {
		if h.VerityRootHash == "" {
			return mountdb.Record{}, fmt.Errorf("capsule %s carries no verity root hash", h.Name)
		}
		verityName = h.MountName() + "." + d.DeviceSuffix
		blockDev, err = verity.Open(loopDev, verityName, h.VerityRootHash, h.VerityHashOffset)
		if err != nil {
			return mountdb.Record{}, fmt.Errorf("building verity for %s: %w", h.Name, err)
		}
		defer func() {
			if err != nil {
				if closeErr := verity.Close(verityName); closeErr != nil {
					utils.Log.Err(closeErr).Str("device", verityName).Msg("Leaked verity device during teardown")
				}
			}
		}()
	}

	m := mount.Mount{
		Type:    h.FilesystemType(),
		Source:  blockDev,
		Options: []string{"ro", "nodev"},
	}
	if err = mount.All([]mount.Mount{m}, mountPoint); err != nil {
		return mountdb.Record{}, fmt.Errorf("mounting %s at %s: %w", h.Name, mountPoint, err)
	}

	entry := utils.MountToFstab(m)
	entry.File = mountPoint
	d.fstabs = append(d.fstabs, entry)

	utils.Log.Info().Str("capsule", h.Name).Int64("version", h.Version).
		Str("loop", loopDev).Str("verity", verityName).Str("mountpoint", mountPoint).Msg("Activated capsule")

	return mountdb.Record{
		PackageName:  h.Name,
		Version:      h.Version,
		LoopDevice:   loopDev,
		ImageFile:    h.Path,
		MountPoint:   mountPoint,
		VerityDevice: verityName,
	}, nil
}

// Deactivate reverses an activation: unmount, drop the verity target, detach
// the loop. Every step runs even when an earlier one failed; the errors are
// aggregated.
func (d *Driver) Deactivate(rec mountdb.Record) error {
	var result *multierror.Error

	if err := mount.UnmountAll(rec.MountPoint, 0); err != nil {
		result = multierror.Append(result, fmt.Errorf("unmounting %s: %w", rec.MountPoint, err))
	} else if err := os.Remove(rec.MountPoint); err != nil && !os.IsNotExist(err) {
		utils.Log.Debug().Err(err).Str("mountpoint", rec.MountPoint).Msg("Could not remove mount point")
	}

	if rec.VerityDevice != "" {
		if err := verity.Close(rec.VerityDevice); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing verity %s: %w", rec.VerityDevice, err))
		}
	}

	if err := loopback.Detach(rec.LoopDevice); err != nil {
		result = multierror.Append(result, fmt.Errorf("detaching %s: %w", rec.LoopDevice, err))
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	utils.Log.Info().Str("capsule", rec.PackageName).Int64("version", rec.Version).Msg("Deactivated capsule")
	return nil
}

// FstabEntries returns the fstab lines of every successful activation so far.
func (d *Driver) FstabEntries() []*fstab.Mount {
	return d.fstabs
}
