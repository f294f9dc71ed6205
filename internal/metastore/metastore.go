// Package metastore persists session metadata to a flat JSON file,
// the on-disk counterpart of the Session Manager's in-memory maps.
// Writes are atomic (temp file + rename, like the teacher's
// internal/store migration-safety posture translated from SQL to a
// flat file); a file that has grown past the 1MB guard is backed up
// and reset rather than risked for a slow full-rewrite parse.
package metastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Record is one persisted session's metadata.
type Record struct {
	SessionID    string    `json:"sessionId"`
	Agent        string    `json:"agent"`
	Cwd          string    `json:"cwd"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Name         string    `json:"name,omitempty"`
	Version      int64     `json:"version"`
}

const maxFileBytes = 1 << 20 // 1MB, per the persisted-state-layout guard

// Store manages sessions.json under a data directory.
type Store struct {
	path string

	mu sync.Mutex

	watcher   *fsnotify.Watcher
	onExternal func()
	stop      chan struct{}
}

// Open prepares the store for sessions.json under dataDir, creating the
// file as an empty array if it is missing. It does not read the file;
// Load does.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	s := &Store{path: filepath.Join(dataDir, "sessions.json")}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if err := s.writeRecords(nil); err != nil {
			return nil, fmt.Errorf("initialize sessions.json: %w", err)
		}
	}
	return s, nil
}

// Load reads all persisted records. A file exceeding maxFileBytes is
// backed up to sessions.json.bak.<unixnano> and reset to an empty
// array rather than risking a parse of a possibly-corrupted large file.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]Record, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat sessions.json: %w", err)
	}
	if info.Size() > maxFileBytes {
		backup := fmt.Sprintf("%s.bak.%d", s.path, time.Now().UnixNano())
		if err := os.Rename(s.path, backup); err != nil {
			return nil, fmt.Errorf("back up oversize sessions.json: %w", err)
		}
		if err := s.writeRecordsLocked(nil); err != nil {
			return nil, fmt.Errorf("reset sessions.json after backup: %w", err)
		}
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read sessions.json: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse sessions.json: %w", err)
	}
	return records, nil
}

// Save overwrites sessions.json with records, atomically.
func (s *Store) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRecordsLocked(records)
}

func (s *Store) writeRecords(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRecordsLocked(records)
}

func (s *Store) writeRecordsLocked(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Watch starts an fsnotify watcher on sessions.json that invokes
// onExternal on every write or create event for the file — e.g. a
// recovery script editing it while the daemon runs. It does not tell
// external edits apart from the store's own Save, whose rename also
// fires it. The callback is advisory only: it never overrides an
// in-memory session's authoritative state, it just signals that a
// reload may be worthwhile.
func (s *Store) Watch(onExternal func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch data dir: %w", err)
	}
	s.watcher = w
	s.onExternal = onExternal
	s.stop = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(s.path) &&
					(ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
					if s.onExternal != nil {
						s.onExternal()
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-s.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	if s.watcher != nil {
		close(s.stop)
		return s.watcher.Close()
	}
	return nil
}
