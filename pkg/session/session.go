package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/capsuleos/capsuled/internal/utils"
)

const stateFileName = "state"

// Store persists staged-install sessions, one directory per session id under
// the sessions root, each holding a serialized state file. Operations on
// distinct ids are independent.
type Store struct {
	Root string
}

func NewStore(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) sessionDir(id int64) string {
	return filepath.Join(s.Root, strconv.FormatInt(id, 10))
}

func (s *Store) stateFile(id int64) string {
	return filepath.Join(s.sessionDir(id), stateFileName)
}

// Session is one staged install walked through its state machine.
type Session struct {
	store *Store
	StateRecord
}

// Create makes the session directory and commits the initial UNKNOWN state.
func (s *Store) Create(id int64) (*Session, error) {
	if err := os.MkdirAll(s.sessionDir(id), 0700); err != nil {
		return nil, fmt.Errorf("creating session %d: %w", id, err)
	}
	session := &Session{store: s, StateRecord: StateRecord{ID: id, State: StateUnknown}}
	if err := session.commit(); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session from its state file.
func (s *Store) Get(id int64) (*Session, error) {
	return s.fromFile(s.stateFile(id))
}

func (s *Store) fromFile(path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session state %s: %w", path, err)
	}
	session := &Session{store: s}
	if err := session.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parsing session state %s: %w", path, err)
	}
	return session, nil
}

// GetAll returns every readable session, sorted by id. Unreadable ones are
// logged and skipped; one corrupt session must not hide the rest.
func (s *Store) GetAll() []*Session {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			utils.Log.Err(err).Str("dir", s.Root).Msg("Cannot read sessions root")
		}
		return nil
	}
	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		session, err := s.Get(id)
		if err != nil {
			utils.Log.Err(err).Int64("session", id).Msg("Skipping unreadable session")
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// GetInState returns every session currently in the given state.
func (s *Store) GetInState(state State) []*Session {
	var out []*Session
	for _, session := range s.GetAll() {
		if session.State == state {
			out = append(out, session)
		}
	}
	return out
}

// GetActive returns the one non-final, non-UNKNOWN session, nil when there is
// none. More than one active session means the store was corrupted.
func (s *Store) GetActive() (*Session, error) {
	var active *Session
	for _, session := range s.GetAll() {
		if session.State == StateUnknown || session.State.Final() {
			continue
		}
		if active != nil {
			return nil, fmt.Errorf("sessions %d and %d are both active", active.ID, session.ID)
		}
		active = session
	}
	return active, nil
}

// DeleteFinalized removes every session in a terminal state.
func (s *Store) DeleteFinalized() {
	for _, session := range s.GetAll() {
		if session.State.Final() {
			if err := session.Delete(); err != nil {
				utils.Log.Err(err).Int64("session", session.ID).Msg("Cannot garbage-collect session")
			}
		}
	}
}

// commit writes the state file atomically: write aside, then rename over.
func (sn *Session) commit() error {
	path := sn.store.stateFile(sn.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sn.Marshal(), 0600); err != nil {
		return fmt.Errorf("writing session %d state: %w", sn.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing session %d state: %w", sn.ID, err)
	}
	return nil
}

// UpdateStateAndCommit moves the session to a new state and persists it.
func (sn *Session) UpdateStateAndCommit(state State) error {
	previous := sn.State
	sn.State = state
	if err := sn.commit(); err != nil {
		sn.State = previous
		return err
	}
	utils.Log.Info().Int64("session", sn.ID).Str("from", previous.String()).Str("to", state.String()).Msg("Session state committed")
	return nil
}

// Commit persists the current record without changing state, for field-only
// updates like recording the crashing process.
func (sn *Session) Commit() error {
	return sn.commit()
}

// Delete removes the session directory recursively.
func (sn *Session) Delete() error {
	utils.Log.Debug().Int64("session", sn.ID).Msg("Deleting session")
	return os.RemoveAll(sn.store.sessionDir(sn.ID))
}
