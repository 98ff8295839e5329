package session

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// State is the lifecycle position of a staged-install session.
type State int32

const (
	StateUnknown State = iota
	StateVerified
	StateStaged
	StateActivated
	StateSuccess
	StateActivationFailed
	StateReverted
	StateRevertFailed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateVerified:
		return "VERIFIED"
	case StateStaged:
		return "STAGED"
	case StateActivated:
		return "ACTIVATED"
	case StateSuccess:
		return "SUCCESS"
	case StateActivationFailed:
		return "ACTIVATION_FAILED"
	case StateReverted:
		return "REVERTED"
	case StateRevertFailed:
		return "REVERT_FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// Final reports whether no further transition leaves this state.
func (s State) Final() bool {
	switch s {
	case StateSuccess, StateActivationFailed, StateReverted, StateRevertFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the forward DAG
// UNKNOWN→VERIFIED→STAGED→ACTIVATED→{terminal} allows the move. Nothing
// enforces it: the store commits any state it is given, and the engine's
// session walk does not call this check before committing.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateUnknown:
		return next == StateVerified
	case StateVerified:
		return next == StateStaged
	case StateStaged:
		return next == StateActivated || next == StateActivationFailed
	case StateActivated:
		return next.Final()
	default:
		return false
	}
}

// Field tags of the serialized state record. Fixed forever; new fields take
// new tags and old tags are never reused, so files written by any version of
// the daemon stay readable by every other.
const (
	tagID              = 1
	tagState           = 2
	tagChildIDs        = 3
	tagCapsuleNames    = 4
	tagFingerprint     = 5
	tagRollbackEnabled = 6
	tagIsRollback      = 7
	tagRollbackID      = 8
	tagCrashingProcess = 9
	tagFileHashes      = 10
)

// StateRecord is the persisted per-session state. Unrecognized fields read
// from disk are kept in raw form and written back verbatim, so a newer
// daemon's data survives a round-trip through an older one.
type StateRecord struct {
	ID              int64
	State           State
	ChildIDs        []int64
	CapsuleNames    []string
	Fingerprint     string
	RollbackEnabled bool
	IsRollback      bool
	RollbackID      int64
	CrashingProcess string
	FileHashes      []string

	unknown []byte
}

// Marshal serializes the record on the protobuf wire format.
func (r *StateRecord) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, tagID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ID))
	b = protowire.AppendTag(b, tagState, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.State))
	if len(r.ChildIDs) > 0 {
		var packed []byte
		for _, id := range r.ChildIDs {
			packed = protowire.AppendVarint(packed, uint64(id))
		}
		b = protowire.AppendTag(b, tagChildIDs, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	for _, name := range r.CapsuleNames {
		b = protowire.AppendTag(b, tagCapsuleNames, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	if r.Fingerprint != "" {
		b = protowire.AppendTag(b, tagFingerprint, protowire.BytesType)
		b = protowire.AppendString(b, r.Fingerprint)
	}
	if r.RollbackEnabled {
		b = protowire.AppendTag(b, tagRollbackEnabled, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(r.RollbackEnabled))
	}
	if r.IsRollback {
		b = protowire.AppendTag(b, tagIsRollback, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(r.IsRollback))
	}
	if r.RollbackID != 0 {
		b = protowire.AppendTag(b, tagRollbackID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.RollbackID))
	}
	if r.CrashingProcess != "" {
		b = protowire.AppendTag(b, tagCrashingProcess, protowire.BytesType)
		b = protowire.AppendString(b, r.CrashingProcess)
	}
	for _, hash := range r.FileHashes {
		b = protowire.AppendTag(b, tagFileHashes, protowire.BytesType)
		b = protowire.AppendString(b, hash)
	}
	b = append(b, r.unknown...)
	return b
}

// Unmarshal parses a record from the protobuf wire format.
func (r *StateRecord) Unmarshal(b []byte) error {
	*r = StateRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		rest := b[n:]

		var m int
		switch {
		case num == tagID && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(rest)
			r.ID = int64(v)
		case num == tagState && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(rest)
			r.State = State(v)
		case num == tagChildIDs && typ == protowire.BytesType:
			var packed []byte
			packed, m = protowire.ConsumeBytes(rest)
			if m >= 0 {
				for len(packed) > 0 {
					v, k := protowire.ConsumeVarint(packed)
					if k < 0 {
						return protowire.ParseError(k)
					}
					r.ChildIDs = append(r.ChildIDs, int64(v))
					packed = packed[k:]
				}
			}
		case num == tagChildIDs && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(rest)
			r.ChildIDs = append(r.ChildIDs, int64(v))
		case num == tagCapsuleNames && typ == protowire.BytesType:
			var v string
			v, m = protowire.ConsumeString(rest)
			r.CapsuleNames = append(r.CapsuleNames, v)
		case num == tagFingerprint && typ == protowire.BytesType:
			r.Fingerprint, m = protowire.ConsumeString(rest)
		case num == tagRollbackEnabled && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(rest)
			r.RollbackEnabled = protowire.DecodeBool(v)
		case num == tagIsRollback && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(rest)
			r.IsRollback = protowire.DecodeBool(v)
		case num == tagRollbackID && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(rest)
			r.RollbackID = int64(v)
		case num == tagCrashingProcess && typ == protowire.BytesType:
			r.CrashingProcess, m = protowire.ConsumeString(rest)
		case num == tagFileHashes && typ == protowire.BytesType:
			var v string
			v, m = protowire.ConsumeString(rest)
			r.FileHashes = append(r.FileHashes, v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, rest)
			if m >= 0 {
				r.unknown = append(r.unknown, b[:n+m]...)
			}
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = rest[m:]
	}
	return nil
}
