package decompress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/pkg/capsule"
	"github.com/capsuleos/capsuled/pkg/repo"
	"golang.org/x/sys/unix"
)

// Stage materializes compressed capsules into the decompression directory and
// hard-links them into the active directory, so a later rollback of the
// active copy can be undone without decompressing again.
type Stage struct {
	Open     repo.Opener
	Verifier capsule.Verifier
}

func NewStage() *Stage {
	return &Stage{Open: capsule.Open, Verifier: capsule.HashVerifier{}}
}

// ProcessCompressed extracts every compressed handle and returns handles for
// the active-directory copies, which are the only ones later activation
// mounts. A failing capsule is logged and omitted; one bad entry never aborts
// the batch.
func (s *Stage) ProcessCompressed(handles []*capsule.Handle, decompressionDir, activeDir string) []*capsule.Handle {
	var materialized []*capsule.Handle
	for _, h := range handles {
		out, err := s.processOne(h, decompressionDir, activeDir)
		if err != nil {
			utils.Log.Err(err).Str("capsule", h.Name).Int64("version", h.Version).Msg("Failed to materialize compressed capsule")
			continue
		}
		materialized = append(materialized, out)
	}
	return materialized
}

func (s *Stage) processOne(h *capsule.Handle, decompressionDir, activeDir string) (*capsule.Handle, error) {
	if err := utils.CreateIfNotExists(decompressionDir); err != nil {
		return nil, err
	}
	if err := utils.CreateIfNotExists(activeDir); err != nil {
		return nil, err
	}

	base := h.MountName() + constants.CapsuleExt
	decompressed := filepath.Join(decompressionDir, base)
	active := filepath.Join(activeDir, base)

	if _, err := os.Stat(decompressed); err != nil {
		if err := s.extract(h, decompressed); err != nil {
			return nil, err
		}
	}

	inner, err := s.Open(decompressed)
	if err != nil {
		return nil, err
	}
	if err := s.Verifier.VerifyDecompressed(inner, h); err != nil {
		// A stale or tampered artifact; drop it so the next boot retries.
		_ = os.Remove(decompressed)
		return nil, err
	}

	if err := linkIfNeeded(decompressed, active); err != nil {
		return nil, err
	}
	return s.Open(active)
}

func (s *Stage) extract(h *capsule.Handle, dst string) error {
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := h.Decompress(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func linkIfNeeded(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if dstInfo, err := os.Stat(dst); err == nil {
		if os.SameFile(srcInfo, dstInfo) {
			return nil
		}
		// Stale active copy from an interrupted run; replace it.
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	return os.Link(src, dst)
}

// ShouldReserveFor reports whether materializing name at new version needs
// space reserved: true iff no equal-or-higher non-compressed version already
// exists in the repository.
func ShouldReserveFor(name string, newVersion int64, r *repo.Repository) bool {
	return !r.HasUncompressedVersion(name, newVersion)
}

// ReserveSlab maintains a single reservation file of exactly size bytes in
// dir. Size 0 deletes it; a negative size is an error. Idempotent.
func ReserveSlab(size int64, dir string) error {
	if size < 0 {
		return fmt.Errorf("reservation size is negative: %d", size)
	}
	slab := filepath.Join(dir, constants.SlabFile)
	if size == 0 {
		err := os.Remove(slab)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := utils.CreateIfNotExists(dir); err != nil {
		return err
	}
	f, err := os.OpenFile(slab, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	// fallocate actually backs the reservation with blocks; truncate then
	// pins the exact size, shrinking a previously larger slab.
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil && !errors.Is(err, unix.EOPNOTSUPP) {
		return fmt.Errorf("failed to reserve %d bytes in %s: %w", size, dir, err)
	}
	return f.Truncate(size)
}

// RemoveUnlinked deletes every decompressed artifact whose active-directory
// hard link is gone, i.e. anything a rollback or uninstall left orphaned. A
// file survives only when the active dir holds the same base name backed by
// the same inode.
func RemoveUnlinked(decompressionDir, activeDir string) error {
	entries, err := os.ReadDir(decompressionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == constants.SlabFile {
			continue
		}
		decompressed := filepath.Join(decompressionDir, e.Name())
		if linkedInto(decompressed, filepath.Join(activeDir, e.Name())) {
			continue
		}
		utils.Log.Info().Str("path", decompressed).Msg("Removing unlinked decompressed capsule")
		if err := os.Remove(decompressed); err != nil {
			return err
		}
	}
	return nil
}

func linkedInto(decompressed, active string) bool {
	srcInfo, err := os.Stat(decompressed)
	if err != nil {
		return false
	}
	dstInfo, err := os.Stat(active)
	if err != nil {
		return false
	}
	return os.SameFile(srcInfo, dstInfo)
}
