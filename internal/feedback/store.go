package feedback

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is a single evaluated call written to the file store.
type Record struct {
	Timestamp time.Time  `json:"timestamp"`
	SessionID string     `json:"session_id,omitempty"`
	PersonaID string     `json:"persona_id"`
	Turns     int        `json:"turns"`
	Scorecard *Scorecard `json:"scorecard"`
}

// FileStore persists scorecards as append-only JSON lines in a local file,
// suitable for reviewing practice history without a database.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created if it does not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save appends an evaluated call to the file.
func (fs *FileStore) Save(rec Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("feedback: marshal record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open store: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("feedback: append record: %w", err)
	}
	return nil
}
