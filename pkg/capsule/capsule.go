package capsule

import (
	"strconv"
	"strings"
)

// Partition tags where a pre-installed capsule comes from.
type Partition int

const (
	PartitionUnknown Partition = iota
	PartitionSystem
	PartitionSystemExt
	PartitionProduct
	PartitionVendor
	PartitionOdm
)

func (p Partition) String() string {
	switch p {
	case PartitionSystem:
		return "system"
	case PartitionSystemExt:
		return "system_ext"
	case PartitionProduct:
		return "product"
	case PartitionVendor:
		return "vendor"
	case PartitionOdm:
		return "odm"
	default:
		return "unknown"
	}
}

// PartitionFor derives the partition tag from the path a capsule was scanned
// from.
func PartitionFor(path string) Partition {
	switch {
	case strings.HasPrefix(path, "/system_ext/"):
		return PartitionSystemExt
	case strings.HasPrefix(path, "/system/"):
		return PartitionSystem
	case strings.HasPrefix(path, "/product/"):
		return PartitionProduct
	case strings.HasPrefix(path, "/vendor/"):
		return PartitionVendor
	case strings.HasPrefix(path, "/odm/"):
		return PartitionOdm
	default:
		return PartitionUnknown
	}
}

// Manifest is the YAML document embedded in every capsule file.
type Manifest struct {
	Name               string `yaml:"name"`
	Version            int64  `yaml:"version"`
	KeyFingerprint     string `yaml:"keyFingerprint"`
	ProvidesSharedLibs bool   `yaml:"providesSharedLibs,omitempty"`
	Compressed         bool   `yaml:"compressed,omitempty"`
	VerityRootHash     string `yaml:"verityRootHash,omitempty"`
	VerityHashOffset   int64  `yaml:"verityHashOffset,omitempty"`
	FsType             string `yaml:"fsType,omitempty"`
}

// Handle is an opened capsule file. Handles are read-mostly; the repository
// owns them and every other component borrows.
type Handle struct {
	Manifest

	// Path of the capsule file this handle was opened from.
	Path string
	// Partition the capsule was scanned from, Unknown for data capsules.
	Partition Partition
	// PayloadOffset is where the embedded image (or the compressed inner
	// capsule) starts inside the file.
	PayloadOffset int64
	// PayloadSize is the byte length of the embedded image.
	PayloadSize int64
}

// MountName is the versioned name a capsule publishes under, e.g. "com.foo@2".
func (h *Handle) MountName() string {
	return MountName(h.Name, h.Version)
}

// SameLogical reports whether two handles refer to the same logical capsule.
func (h *Handle) SameLogical(other *Handle) bool {
	return h.Name == other.Name
}

// Interchangeable reports whether two handles can stand in for each other:
// same name and same signing key.
func (h *Handle) Interchangeable(other *Handle) bool {
	return h.Name == other.Name && h.KeyFingerprint == other.KeyFingerprint
}

// FilesystemType returns the manifest fs type, defaulting to ext4.
func (h *Handle) FilesystemType() string {
	if h.FsType == "" {
		return "ext4"
	}
	return h.FsType
}

// MountName formats the versioned directory name for a capsule.
func MountName(name string, version int64) string {
	return name + "@" + strconv.FormatInt(version, 10)
}
