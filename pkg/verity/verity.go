package verity

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/capsuleos/capsuled/internal/utils"
)

// veritysetupTimeout bounds a single veritysetup invocation. Open/close on an
// existing hash tree is fast; the timeout only matters when the device hangs.
const veritysetupTimeout = 2 * time.Minute

// IsSupported checks that the dm_verity module is loaded and veritysetup is
// usable.
func IsSupported() (bool, error) {
	moduleData, err := os.ReadFile("/proc/modules")
	if err != nil {
		return false, fmt.Errorf("failed to read /proc/modules: %w", err)
	}
	if !bytes.Contains(moduleData, []byte("dm_verity")) {
		return false, fmt.Errorf("dm_verity module not loaded")
	}
	if _, err := exec.LookPath("veritysetup"); err != nil {
		return false, fmt.Errorf("veritysetup not found in PATH: %w", err)
	}
	return true, nil
}

func run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), veritysetupTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "veritysetup", args...)
	// Force C locale so output stays parseable regardless of system language.
	cmd.Env = append(os.Environ(), "LC_ALL=C", "LANG=C")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("veritysetup %s failed: %w, output: %s", args[0], err, string(output))
	}
	return string(output), nil
}

// DevicePath returns the device node of a named dm target.
func DevicePath(name string) string {
	return "/dev/mapper/" + name
}

// Open constructs a read-only dm-verity target named name over dataDevice.
// The hash tree lives on the same device at hashOffset, which is where the
// capsule build embeds it after the filesystem image.
func Open(dataDevice, name, rootHash string, hashOffset int64) (string, error) {
	args := []string{"open", dataDevice, name, dataDevice, rootHash}
	if hashOffset > 0 {
		args = append(args, fmt.Sprintf("--hash-offset=%d", hashOffset))
	}
	if _, err := run(args...); err != nil {
		return "", err
	}

	devicePath := DevicePath(name)
	// The node is created by udev shortly after the table loads.
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(devicePath); err == nil {
			return devicePath, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if closeErr := Close(name); closeErr != nil {
		utils.Log.Err(closeErr).Str("device", name).Msg("Failed to clean up verity device after creation failure")
	}
	return "", fmt.Errorf("dm-verity device %q not found after creation", devicePath)
}

// Close removes a dm-verity target from the device-mapper table.
func Close(name string) error {
	_, err := run("close", name)
	return err
}

// ListDevices returns the names of every active dm device, read from sysfs,
// for reconciling kernel state after a restart.
func ListDevices() ([]string, error) {
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		raw, err := os.ReadFile("/sys/block/" + e.Name() + "/dm/name")
		if err != nil {
			continue
		}
		names = append(names, string(bytes.TrimSpace(raw)))
	}
	return names, nil
}
