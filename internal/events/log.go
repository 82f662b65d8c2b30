// Package events provides the append-only event log the update engine
// reports into. Entries are JSON lines; the file is only ever appended to.
package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Entry is a single audit event.
type Entry struct {
	ID     string                 `json:"id"`
	Time   time.Time              `json:"time"`
	Type   string                 `json:"type"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Log appends entries to a JSONL file. Append failures are logged and
// swallowed: the event log is an observer, never a reason to fail an update
// operation.
type Log struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewLog(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// Append writes one entry. Safe to call on a nil receiver.
func (l *Log) Append(eventType string, fields map[string]interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:     uuid.NewString(),
		Time:   l.now().UTC(),
		Type:   eventType,
		Fields: fields,
	}

	bs, err := json.Marshal(entry)
	if err != nil {
		log.Errorf("failed to marshal event %s: %v", eventType, err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		log.Errorf("failed to create event log dir: %v", err)
		return
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		log.Errorf("failed to open event log: %v", err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warnf("failed to close event log: %v", err)
		}
	}()

	if _, err := f.Write(append(bs, '\n')); err != nil {
		log.Errorf("failed to append event %s: %v", eventType, err)
	}
}
