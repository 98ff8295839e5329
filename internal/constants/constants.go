package constants

import "errors"

// DefaultBuiltinDirs returns the pre-installed capsule directories scanned at
// boot when CAPSULED_BUILTIN_DIRS does not override them.
func DefaultBuiltinDirs() []string {
	return []string{
		"/system/capsule",
		"/system_ext/capsule",
		"/product/capsule",
		"/vendor/capsule",
		"/odm/capsule",
	}
}

var (
	ErrAlreadyMounted        = errors.New("already mounted")
	ErrRequiresPreinstalled  = errors.New("data capsule requires a pre-installed counterpart")
	ErrDuplicatePreinstalled = errors.New("duplicate pre-installed capsule")
	ErrKeyMismatch           = errors.New("signing key mismatch")
	ErrMalformedCapsule      = errors.New("malformed capsule")
	ErrNotFound              = errors.New("not found")
)

const (
	OpScanPreinstalled  = "scan-preinstalled"
	OpScanData          = "scan-data"
	OpDecompress        = "decompress-capsules"
	OpSelect            = "select-capsules"
	OpActivateShared    = "activate-sharedlibs"
	OpActivate          = "activate-capsules"
	OpPublishShared     = "publish-sharedlibs"
	OpWriteInfoList     = "write-info-list"
	OpWriteFstab        = "write-fstab"
	OpStagedSessions    = "stage-sessions"
	OpSetReady          = "set-ready"

	CapsuleRoot       = "/capsule"
	SharedLibsDir     = "/capsule/sharedlibs"
	InfoListFile      = "capsule-info-list.xml"
	DataDir           = "/data/capsule/active"
	DecompressionDir  = "/data/capsule/decompressed"
	SessionsDir       = "/metadata/capsule/sessions"
	RuntimeDir        = "/run/capsule"
	ConfigFile        = "/etc/capsuled/capsuled.env"
	FstabFile         = "fstab"
	StatusFile        = "status"
	SlabFile          = "reserved.slab"

	StatusStarting  = "starting"
	StatusActivated = "activated"
	StatusReady     = "ready"

	// Suffix for verity device names created inside the OTA chroot, so they
	// never collide with the host daemon's devices of the same base name.
	ChrootSuffix = "chroot"

	CapsuleExt           = ".capsule"
	CompressedCapsuleExt = ".capsule.compressed"

	LogDir = "/run/capsule/log"
)
