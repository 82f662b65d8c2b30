package updater

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/util"
)

// StateStore persists the update state machine snapshot as a single JSON
// file. Get returns deep copies; Set and Patch replace the whole state
// atomically. A malformed on-disk payload self-heals to the default state
// rather than failing the caller.
//
// There is no locking beyond last-writer-wins file overwrite: callers
// serialize logical transitions themselves.
type StateStore struct {
	mu    sync.Mutex
	path  string
	state *State
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Get returns a deep copy of the current state.
func (s *StateStore) Get() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked().Clone()
}

// Set normalizes and persists a full state snapshot.
func (s *StateStore) Set(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setLocked(st.Clone())
}

// Patch applies a read-merge-write mutation: the mutator receives a copy of
// the current state, and the mutated copy replaces it wholesale. The
// persisted result is returned as a fresh copy.
func (s *StateStore) Patch(mutate func(*State)) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.loadLocked().Clone()
	mutate(next)
	if err := s.setLocked(next); err != nil {
		return nil, err
	}
	return s.state.Clone(), nil
}

func (s *StateStore) setLocked(st *State) error {
	normalizeState(st)
	if err := util.WriteJson(s.path, st); err != nil {
		return fmt.Errorf("persist update state: %w", err)
	}
	s.state = st
	return nil
}

func (s *StateStore) loadLocked() *State {
	if s.state != nil {
		return s.state
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("failed to read update state file %s: %v", s.path, err)
		}
		s.state = DefaultState()
		return s.state
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warnf("update state file %s is corrupted: %v", s.path, err)
		util.BackupCorruptFile(s.path, time.Now().UnixNano())
		s.state = DefaultState()
		return s.state
	}

	normalizeState(&st)

	// checking/downloading are transient; finding one on disk means the
	// previous run died mid-operation.
	if st.Phase == PhaseChecking || st.Phase == PhaseDownloading {
		st.Phase = PhaseIdle
	}

	s.state = &st
	return s.state
}

// normalizeState repairs a snapshot in place so the phase invariants hold.
// Unknown enum values, unparseable timestamps, and manifests missing their
// required sub-fields are healed to safe values instead of being rejected.
func normalizeState(st *State) {
	if !validPhase(st.Phase) {
		*st = *DefaultState()
		return
	}

	if st.CheckedAt != "" {
		if _, err := time.Parse(time.RFC3339, st.CheckedAt); err != nil {
			st.CheckedAt = ""
		}
	}

	if st.Available != nil && !manifestUsable(st.Available) {
		st.Available = nil
	}

	if st.Phase == PhaseAvailable && st.Available == nil {
		st.Phase = PhaseIdle
	}

	if st.Phase == PhaseStaged && (st.StagedVersion == "" || st.StagedArtifactPath == "") {
		st.Phase = PhaseIdle
		st.StagedVersion = ""
		st.StagedArtifactPath = ""
	}
}

func manifestUsable(m *Manifest) bool {
	if m.Version == "" || m.DownloadURL == "" {
		return false
	}
	if m.Channel != ChannelStable && m.Channel != ChannelRC {
		return false
	}
	return true
}
