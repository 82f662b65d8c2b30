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

// ApplyAttemptStore persists the record of an in-flight apply. The record
// is written immediately before a restart is requested, read back once at
// the next boot, and cleared when the attempt resolves — it is never left
// dangling across more than one restart.
type ApplyAttemptStore struct {
	mu   sync.Mutex
	path string
}

func NewApplyAttemptStore(path string) *ApplyAttemptStore {
	return &ApplyAttemptStore{path: path}
}

// Get returns the pending attempt record, or nil when none is pending.
// A corrupt record is backed up and treated as absent: supervision cannot
// act on data it cannot trust.
func (s *ApplyAttemptStore) Get() *ApplyAttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("failed to read apply attempt record %s: %v", s.path, err)
		}
		return nil
	}

	var rec ApplyAttemptRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warnf("apply attempt record %s is corrupted: %v", s.path, err)
		util.BackupCorruptFile(s.path, time.Now().UnixNano())
		return nil
	}

	if rec.TargetVersion == "" {
		return nil
	}
	return &rec
}

// Set persists the attempt record.
func (s *ApplyAttemptStore) Set(rec *ApplyAttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := util.WriteJson(s.path, rec); err != nil {
		return fmt.Errorf("persist apply attempt record: %w", err)
	}
	return nil
}

// Clear removes a resolved attempt record.
func (s *ApplyAttemptStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return util.RemoveJson(s.path)
}
