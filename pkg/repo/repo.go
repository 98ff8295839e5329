package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/pkg/capsule"
)

// Opener opens a capsule file. Injected so the test suites can substitute
// fixture formats; defaults to capsule.Open.
type Opener func(path string) (*capsule.Handle, error)

// Repository holds every known capsule handle, split between the read-only
// pre-installed side and the updatable data side. A data capsule may only
// exist when a pre-installed counterpart with the same signing key does,
// shared-libs capsules excepted.
type Repository struct {
	open         Opener
	preinstalled map[string]*capsule.Handle
	data         map[string]*capsule.Handle
}

func New() *Repository {
	return NewWithOpener(capsule.Open)
}

func NewWithOpener(open Opener) *Repository {
	return &Repository{
		open:         open,
		preinstalled: map[string]*capsule.Handle{},
		data:         map[string]*capsule.Handle{},
	}
}

func (r *Repository) scanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !capsule.IsCapsuleFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// AddPreInstalled scans the given directories for capsules. A malformed
// pre-installed capsule or a duplicate name is fatal: the partition images
// are build artifacts and must be self-consistent.
func (r *Repository) AddPreInstalled(dirs []string) error {
	for _, dir := range dirs {
		paths, err := r.scanDir(dir)
		if err != nil {
			return err
		}
		for _, path := range paths {
			h, err := r.open(path)
			if err != nil {
				return err
			}
			if prev, ok := r.preinstalled[h.Name]; ok {
				return fmt.Errorf("%w: %s found at %s and %s",
					constants.ErrDuplicatePreinstalled, h.Name, prev.Path, path)
			}
			utils.Log.Debug().Str("capsule", h.Name).Int64("version", h.Version).Str("path", path).Msg("Found pre-installed capsule")
			r.preinstalled[h.Name] = h
		}
	}
	return nil
}

// AddData scans the data directory. Data capsules are user-writable input, so
// a bad entry is rejected and logged while the rest of the scan continues.
func (r *Repository) AddData(dir string) error {
	paths, err := r.scanDir(dir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		h, err := r.open(path)
		if err != nil {
			utils.Log.Err(err).Str("path", path).Msg("Skipping malformed data capsule")
			continue
		}
		pre, ok := r.preinstalled[h.Name]
		if !ok {
			utils.Log.Warn().Str("capsule", h.Name).Str("path", path).
				Err(constants.ErrRequiresPreinstalled).Msg("Skipping data capsule")
			continue
		}
		if h.KeyFingerprint != pre.KeyFingerprint && !h.ProvidesSharedLibs {
			utils.Log.Warn().Str("capsule", h.Name).Str("path", path).
				Err(constants.ErrKeyMismatch).Msg("Skipping data capsule")
			continue
		}
		utils.Log.Debug().Str("capsule", h.Name).Int64("version", h.Version).Str("path", path).Msg("Found data capsule")
		r.data[h.Name] = h
	}
	return nil
}

// AllByName groups every known handle by capsule name, pre-installed entries
// first.
func (r *Repository) AllByName() map[string][]*capsule.Handle {
	all := map[string][]*capsule.Handle{}
	for name, h := range r.preinstalled {
		all[name] = append(all[name], h)
	}
	for name, h := range r.data {
		all[name] = append(all[name], h)
	}
	return all
}

// GetPreInstalled returns the pre-installed handle for a name.
func (r *Repository) GetPreInstalled(name string) (*capsule.Handle, error) {
	h, ok := r.preinstalled[name]
	if !ok {
		return nil, fmt.Errorf("%w: no pre-installed capsule %s", constants.ErrNotFound, name)
	}
	return h, nil
}

// GetData returns the data handle for a name.
func (r *Repository) GetData(name string) (*capsule.Handle, error) {
	h, ok := r.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: no data capsule %s", constants.ErrNotFound, name)
	}
	return h, nil
}

// HasPreInstalled reports whether a pre-installed capsule of this name exists.
func (r *Repository) HasPreInstalled(name string) bool {
	_, ok := r.preinstalled[name]
	return ok
}

// IsPreInstalled reports whether the given handle is the pre-installed entry
// for its name. Identity is by path, not by name, since a data copy of the
// same capsule is a different file.
func (r *Repository) IsPreInstalled(h *capsule.Handle) bool {
	pre, ok := r.preinstalled[h.Name]
	return ok && pre.Path == h.Path
}

// GetPartition returns the partition of the pre-installed counterpart of a
// handle; a data capsule belongs to the partition it updates.
func (r *Repository) GetPartition(h *capsule.Handle) capsule.Partition {
	if pre, ok := r.preinstalled[h.Name]; ok {
		return pre.Partition
	}
	return h.Partition
}

// HasUncompressedVersion reports whether the repository already holds a
// non-compressed capsule of the given name with version >= the given one.
// Used to decide whether decompressing a new capsule needs reserved space.
func (r *Repository) HasUncompressedVersion(name string, version int64) bool {
	for _, h := range []*capsule.Handle{r.preinstalled[name], r.data[name]} {
		if h != nil && !h.Compressed && h.Version >= version {
			return true
		}
	}
	return false
}
