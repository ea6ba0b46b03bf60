// Package store persists the task list as a single JSON document, per
// spec §4.3's explicit choice of a flat file over the teacher's SQLite
// database (internal/engine/state/state.go) — matching
// original_source/src/core/download_manager.py's
// ~/.ndm_clone/data/tasks.json. Crash safety comes from writing to a
// temp file and renaming over the target, the same trick the teacher
// uses for its own SQLite file swaps; the advisory lock around every
// read/write is this package's own addition, since the JSON file (unlike
// SQLite) has no built-in protection against two processes touching it
// at once.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/surgekit/godl/internal/types"
)

// FileName is the JSON document's name inside its directory.
const FileName = "tasks.json"

// document is the on-disk shape. A version field is included so a future
// migration has somewhere to hang a format check; this package only ever
// writes currentVersion.
type document struct {
	Version int          `json:"version"`
	Tasks   []types.Task `json:"tasks"`
}

const currentVersion = 1

// Store is a JSON-file-backed Task list guarded by an on-disk advisory
// lock, so a CLI invocation and a long-running daemon sharing the same
// directory never corrupt each other's writes.
type Store struct {
	path   string
	lock   *flock.Flock
	logger zerolog.Logger

	mu sync.Mutex
}

// Open ensures dir exists and returns a Store bound to dir/tasks.json. It
// does not read the file yet — call Load for that.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewError(types.KindIOError, "creating store directory", err)
	}
	path := filepath.Join(dir, FileName)
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}, nil
}

// Load reads every persisted task, applying the startup demotion rule from
// spec §4.2: a task that was mid-download when the process last exited is
// not presumed still in flight, so Downloading becomes Paused before the
// caller ever sees it. A missing file is not an error — it means there is
// nothing to resume yet.
func (s *Store) Load() ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return nil, types.NewError(types.KindIOError, "locking task store", err)
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.KindIOError, "reading task store", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("task store is corrupt, treating as empty")
		return nil, nil
	}

	tasks := make([]*types.Task, len(doc.Tasks))
	for i := range doc.Tasks {
		t := doc.Tasks[i]
		if t.Status == types.StatusDownloading {
			t.Status = types.StatusPaused
		}
		t.SpeedBPS = 0
		tasks[i] = &t
	}

	s.logger.Debug().Int("count", len(tasks)).Str("path", s.path).Msg("loaded task store")
	return tasks, nil
}

// Save atomically replaces the stored task list: it writes a temp file in
// the same directory, then renames it over the target, so a crash mid-write
// never leaves a half-written tasks.json behind.
func (s *Store) Save(tasks []*types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return types.NewError(types.KindIOError, "locking task store", err)
	}
	defer s.lock.Unlock()

	doc := document{Version: currentVersion, Tasks: make([]types.Task, len(tasks))}
	for i, t := range tasks {
		doc.Tasks[i] = *t
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return types.NewError(types.KindIOError, "encoding task store", err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return types.NewError(types.KindIOError, "writing temp task store", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return types.NewError(types.KindIOError, "replacing task store", err)
	}

	return nil
}

// Path returns the JSON document's location, for logging and diagnostics.
func (s *Store) Path() string { return s.path }
