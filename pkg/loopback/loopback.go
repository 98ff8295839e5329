package loopback

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/capsuleos/capsuled/internal/utils"
	"golang.org/x/sys/unix"
)

const (
	loopControlPath = "/dev/loop-control"
	loopDevFormat   = "/dev/loop%d"
)

func getFreeLoopDev() (int, error) {
	ctrl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("could not open %v: %w", loopControlPath, err)
	}
	defer ctrl.Close()
	num, err := unix.IoctlRetInt(int(ctrl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return 0, fmt.Errorf("could not get free loop device: %w", err)
	}
	return num, nil
}

func setupLoopDev(backingFile, loopDev string, offset, sizeLimit int64) (err error) {
	// The image is mounted read-only; there is no reason to ever open the
	// backing capsule for writing.
	back, err := os.OpenFile(backingFile, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("could not open backing file: %w", err)
	}
	defer back.Close()

	loopFile, err := os.OpenFile(loopDev, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("could not open loop device: %w", err)
	}
	defer loopFile.Close()

	if err := unix.IoctlSetInt(int(loopFile.Fd()), unix.LOOP_SET_FD, int(back.Fd())); err != nil {
		return fmt.Errorf("could not set loop fd: %w", err)
	}

	info := unix.LoopInfo64{
		Offset:    uint64(offset),
		Sizelimit: uint64(sizeLimit),
		Flags:     unix.LO_FLAGS_READ_ONLY,
	}
	copy(info.File_name[:], backingFile)
	if err := unix.IoctlLoopSetStatus64(int(loopFile.Fd()), &info); err != nil {
		_ = unix.IoctlSetInt(int(loopFile.Fd()), unix.LOOP_CLR_FD, 0)
		return fmt.Errorf("cannot set loop info: %w", err)
	}
	return nil
}

// Attach finds a free loop device and backs it with the byte range
// [offset, offset+sizeLimit) of backingFile, read-only. Returns the loop
// device path.
//
// Per util-linux/sys-utils/losetup.c:create_loop(), a free loop device can
// race with another opener and setup then fails with EBUSY; retry with a
// fresh device.
func Attach(backingFile string, offset, sizeLimit int64) (string, error) {
	var loopDev string
	err := retry.Do(
		func() error {
			num, err := getFreeLoopDev()
			if err != nil {
				return err
			}
			loopDev = fmt.Sprintf(loopDevFormat, num)
			return setupLoopDev(backingFile, loopDev, offset, sizeLimit)
		},
		retry.RetryIf(func(err error) bool { return errors.Is(err, unix.EBUSY) }),
		retry.Attempts(20),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", err
	}
	utils.Log.Debug().Str("device", loopDev).Str("backing", backingFile).Int64("offset", offset).Msg("Attached loop device")
	return loopDev, nil
}

// Detach clears the backing file of a loop device.
func Detach(loopDev string) error {
	dev, err := os.Open(loopDev)
	if err != nil {
		return err
	}
	defer dev.Close()
	return unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
}

// BackingFile reports the backing file and offset of an attached loop device
// by reading its sysfs entry, for reconciling kernel state after a restart.
func BackingFile(loopDev string) (string, int64, error) {
	name := filepath.Base(loopDev)
	backing, err := os.ReadFile(filepath.Join("/sys/block", name, "loop/backing_file"))
	if err != nil {
		return "", 0, err
	}
	rawOffset, err := os.ReadFile(filepath.Join("/sys/block", name, "loop/offset"))
	if err != nil {
		return "", 0, err
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(rawOffset)), 10, 64)
	if err != nil {
		return "", 0, err
	}
	return strings.TrimSpace(string(backing)), offset, nil
}

// List returns every loop device currently attached to a backing file.
func List() ([]string, error) {
	matches, err := filepath.Glob("/sys/block/loop*/loop/backing_file")
	if err != nil {
		return nil, err
	}
	var devs []string
	for _, m := range matches {
		// /sys/block/loopN/loop/backing_file -> /dev/loopN
		devs = append(devs, "/dev/"+filepath.Base(filepath.Dir(filepath.Dir(m))))
	}
	return devs, nil
}
