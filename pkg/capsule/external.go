package capsule

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Verifier checks capsule integrity. The production implementation sits on
// top of the platform keystore; the daemon only consumes this contract.
type Verifier interface {
	// Verify checks the signature and manifest of an opened capsule.
	Verify(h *Handle) error
	// VerifyDecompressed checks that a materialized inner capsule matches the
	// compressed outer capsule it was extracted from.
	VerifyDecompressed(inner, outer *Handle) error
	// Sha256 digests a file on disk.
	Sha256(path string) (string, error)
}

// Checkpoint is the filesystem checkpointing service consulted before a
// staged session is committed.
type Checkpoint interface {
	SupportsFsCheckpoints() (bool, error)
	NeedsCheckpoint() (bool, error)
	NeedsRollback() (bool, error)
	StartCheckpoint(retries int) error
	AbortChanges(msg string, retry bool) error
}

// Metrics is a fire-and-forget telemetry sink. Failures never abort
// activation; implementations must not block the pipeline.
type Metrics interface {
	InstallationRequested(name string, version int64, sharedLibs bool)
	InstallationEnded(fileHash string, success bool)
}

// VintfChecker validates vendor-interface compatibility of a vendor-partition
// capsule after it is mounted. Incompatibility triggers rollback of that
// capsule.
type VintfChecker interface {
	Check(h *Handle, mountPoint string) error
}

// HashVerifier is the default Verifier: it recomputes digests and enforces
// identity between inner and outer capsules but leaves signature checking to
// the keystore hook, when one is installed.
type HashVerifier struct{}

func (HashVerifier) Verify(h *Handle) error {
	if h.PayloadSize <= 0 {
		return fmt.Errorf("capsule %s has an empty payload", h.Name)
	}
	return nil
}

func (HashVerifier) VerifyDecompressed(inner, outer *Handle) error {
	if inner.Name != outer.Name {
		return fmt.Errorf("capsule name mismatch: %q inside %q", inner.Name, outer.Name)
	}
	if inner.Version != outer.Version {
		return fmt.Errorf("capsule %s version mismatch: %d inside %d", inner.Name, inner.Version, outer.Version)
	}
	if inner.KeyFingerprint != outer.KeyFingerprint {
		return fmt.Errorf("capsule %s signing key mismatch between inner and outer manifest", inner.Name)
	}
	return nil
}

func (HashVerifier) Sha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// NopCheckpoint is used when the OS has no checkpointing vold equivalent.
type NopCheckpoint struct{}

func (NopCheckpoint) SupportsFsCheckpoints() (bool, error)  { return false, nil }
func (NopCheckpoint) NeedsCheckpoint() (bool, error)        { return false, nil }
func (NopCheckpoint) NeedsRollback() (bool, error)          { return false, nil }
func (NopCheckpoint) StartCheckpoint(retries int) error     { return nil }
func (NopCheckpoint) AbortChanges(msg string, r bool) error { return nil }

// NopMetrics drops every event.
type NopMetrics struct{}

func (NopMetrics) InstallationRequested(name string, version int64, sharedLibs bool) {}
func (NopMetrics) InstallationEnded(fileHash string, success bool)                   {}

// NopVintf accepts every capsule.
type NopVintf struct{}

func (NopVintf) Check(h *Handle, mountPoint string) error { return nil }
