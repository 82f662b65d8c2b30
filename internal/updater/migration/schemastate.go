// Package migration moves the on-disk user data between schema versions.
// The planner computes a step chain between two versions; the runner
// executes it under a filesystem backup so a failed step never leaves the
// store half-migrated.
package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/util"
)

// SchemaState is the persisted schema version marker. Version is monotonic:
// it never decreases once adopted.
type SchemaState struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SchemaStateStore persists the marker as a single JSON file.
type SchemaStateStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewSchemaStateStore(path string) *SchemaStateStore {
	return &SchemaStateStore{path: path, now: time.Now}
}

// Get returns the persisted marker, or nil when no marker has ever been
// written. A corrupt marker file is backed up and reported as absent.
func (s *SchemaStateStore) Get() *SchemaState {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("failed to read schema state %s: %v", s.path, err)
		}
		return nil
	}

	var st SchemaState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warnf("schema state %s is corrupted: %v", s.path, err)
		util.BackupCorruptFile(s.path, time.Now().UnixNano())
		return nil
	}

	if st.Version < 1 {
		return nil
	}
	return &st
}

// Set persists a new schema version. Lowering an adopted version is refused.
func (s *SchemaStateStore) Set(version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version < 1 {
		return fmt.Errorf("invalid schema version %d", version)
	}

	var current SchemaState
	if err := util.ReadJson(s.path, &current); err == nil && current.Version > version {
		return fmt.Errorf("schema version is monotonic: refusing to lower %d to %d", current.Version, version)
	}

	st := SchemaState{Version: version, UpdatedAt: s.now().UTC()}
	if err := util.WriteJson(s.path, st); err != nil {
		return fmt.Errorf("persist schema state: %w", err)
	}
	return nil
}
