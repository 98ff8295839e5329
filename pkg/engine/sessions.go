package engine

import (
	"github.com/capsuleos/capsuled/internal/utils"
	"github.com/capsuleos/capsuled/pkg/session"
)

// processStagedSessions walks the session store after activation: sessions
// whose capsules all came up move forward, the rest are marked failed, and
// terminal sessions are garbage collected. The checkpoint service is
// consulted first so a pending rollback wins over committing anything.
func (c *Context) processStagedSessions() error {
	needsRollback, err := c.Checkpoint.NeedsRollback()
	if err != nil {
		utils.Log.Err(err).Msg("Checkpoint query failed, treating as no rollback")
	}
	if needsRollback {
		c.RevertActiveSessions("")
		c.Sessions.DeleteFinalized()
		return nil
	}

	pending := append(c.Sessions.GetInState(session.StateVerified), c.Sessions.GetInState(session.StateStaged)...)
	if len(pending) > 0 {
		// With checkpointing available, committing under an open checkpoint
		// means a crash rolls the filesystem back to the pre-install state.
		if supported, err := c.Checkpoint.SupportsFsCheckpoints(); err == nil && supported {
			if err := c.Checkpoint.StartCheckpoint(1); err != nil {
				utils.Log.Err(err).Msg("Cannot start filesystem checkpoint")
			}
		}
	}

	for _, sn := range pending {
		if sn.State == session.StateVerified {
			// Verification happened before reboot; the staged files were
			// picked up by the data scan, so the session is now staged.
			if err := sn.UpdateStateAndCommit(session.StateStaged); err != nil {
				utils.Log.Err(err).Int64("session", sn.ID).Msg("Cannot stage session")
				continue
			}
		}
		next := session.StateActivated
		if !c.sessionCapsulesActive(sn) {
			next = session.StateActivationFailed
		}
		if err := sn.UpdateStateAndCommit(next); err != nil {
			utils.Log.Err(err).Int64("session", sn.ID).Msg("Cannot commit session state")
		}
	}

	c.Sessions.DeleteFinalized()
	return nil
}

// sessionCapsulesActive reports whether every capsule a session staged is now
// answering its bare name.
func (c *Context) sessionCapsulesActive(sn *session.Session) bool {
	for _, name := range sn.CapsuleNames {
		if _, ok := c.DB.GetLatest(name); !ok {
			return false
		}
	}
	return true
}

// RevertActiveSessions walks every ACTIVATED session back to REVERTED,
// recording which process crashed when one did. Sessions that cannot be
// committed are marked REVERT_FAILED so the installer can surface them.
func (c *Context) RevertActiveSessions(crashingProcess string) {
	for _, sn := range c.Sessions.GetInState(session.StateActivated) {
		if crashingProcess != "" {
			sn.CrashingProcess = crashingProcess
		}
		if err := sn.UpdateStateAndCommit(session.StateReverted); err != nil {
			utils.Log.Err(err).Int64("session", sn.ID).Msg("Cannot revert session")
			if err := sn.UpdateStateAndCommit(session.StateRevertFailed); err != nil {
				utils.Log.Err(err).Int64("session", sn.ID).Msg("Cannot mark session revert as failed")
			}
		}
	}
}
