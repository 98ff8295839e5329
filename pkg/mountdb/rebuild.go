package mountdb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/pkg/loopback"
	"github.com/moby/sys/mountinfo"
)

// Rebuild repopulates the database from live kernel state: every mount under
// capsuleRoot whose source is a loop or device-mapper device becomes a
// record. Called once at startup before anything trusts the in-memory view.
func (db *Database) Rebuild(capsuleRoot string) error {
	db.Reset()

	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(capsuleRoot))
	if err != nil {
		return err
	}

	for _, m := range mounts {
		// Only versioned mount points belong to us; the bare-name paths are
		// symlinks and never mounted on directly.
		name, version, ok := splitMountName(filepath.Base(m.Mountpoint))
		if !ok {
			continue
		}

		var rec Record
		switch {
		case strings.HasPrefix(m.Source, "/dev/loop"):
			backing, _, err := loopback.BackingFile(m.Source)
			if err != nil {
				utils.Log.Err(err).Str("device", m.Source).Msg("Cannot resolve loop backing file")
				continue
			}
			rec = Record{
				PackageName: name,
				Version:     version,
				LoopDevice:  m.Source,
				ImageFile:   backing,
				MountPoint:  m.Mountpoint,
			}
		case strings.HasPrefix(m.Source, "/dev/mapper/") || strings.HasPrefix(m.Source, "/dev/dm-"):
			verityName, loopDev, backing, err := resolveVerity(m.Source)
			if err != nil {
				utils.Log.Err(err).Str("device", m.Source).Msg("Cannot resolve verity device")
				continue
			}
			rec = Record{
				PackageName:  name,
				Version:      version,
				LoopDevice:   loopDev,
				ImageFile:    backing,
				MountPoint:   m.Mountpoint,
				VerityDevice: verityName,
			}
		default:
			continue
		}
		utils.Log.Debug().Str("capsule", name).Str("mountpoint", m.Mountpoint).Msg("Recovered mounted capsule")
		db.Add(rec)
	}
	return nil
}

// splitMountName parses "name@version" directory names.
func splitMountName(base string) (string, int64, bool) {
	name, rawVersion, ok := strings.Cut(base, "@")
	if !ok || name == "" {
		return "", 0, false
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil || version < 0 {
		return "", 0, false
	}
	return name, version, true
}

// resolveVerity maps a dm device node back to its dm name, the loop device
// underneath it, and that loop's backing file.
func resolveVerity(source string) (verityName, loopDev, backing string, err error) {
	dmDir, err := sysfsDmDir(source)
	if err != nil {
		return "", "", "", err
	}
	rawName, err := os.ReadFile(filepath.Join(dmDir, "dm/name"))
	if err != nil {
		return "", "", "", err
	}
	verityName = strings.TrimSpace(string(rawName))

	slaves, err := os.ReadDir(filepath.Join(dmDir, "slaves"))
	if err != nil {
		return "", "", "", err
	}
	for _, s := range slaves {
		if !strings.HasPrefix(s.Name(), "loop") {
			continue
		}
		loopDev = "/dev/" + s.Name()
		backing, _, err = loopback.BackingFile(loopDev)
		if err != nil {
			return "", "", "", err
		}
		return verityName, loopDev, backing, nil
	}
	return "", "", "", os.ErrNotExist
}

// sysfsDmDir locates /sys/block/dm-N for a /dev/mapper/<name> or /dev/dm-N
// node.
func sysfsDmDir(source string) (string, error) {
	if strings.HasPrefix(source, "/dev/dm-") {
		return filepath.Join("/sys/block", filepath.Base(source)), nil
	}
	want := filepath.Base(source)
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join("/sys/block", e.Name(), "dm/name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(raw)) == want {
			return filepath.Join("/sys/block", e.Name()), nil
		}
	}
	return "", os.ErrNotExist
}
