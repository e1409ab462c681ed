// Package snapshot persists the whole job set for crash recovery.
// Credentials live only in the in-memory vault and are excluded from the
// snapshot by construction.
package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/permit-scheduler/internal/permit"
)

// Store is the persistence gateway. SaveAll is an idempotent whole-set
// overwrite; LoadAll returns an empty set when no prior snapshot exists or
// it is unreadable, never an error the caller must abort on.
type Store interface {
	SaveAll(ctx context.Context, jobs []permit.Job) error
	LoadAll(ctx context.Context) ([]permit.Job, error)
}

type fileEnvelope struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	Jobs    []permit.Job `json:"jobs"`
}

const fileVersion = 1

// FileStore keeps the snapshot as a single JSON file, replaced atomically
// via rename so a crash mid-write leaves the previous snapshot intact.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) SaveAll(_ context.Context, jobs []permit.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := fileEnvelope{Version: fileVersion, SavedAt: time.Now().UTC(), Jobs: jobs}
	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && filepath.Dir(s.path) != "." {
		return errors.Wrap(err, "snapshot dir")
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "replace snapshot")
	}
	return nil
}

func (s *FileStore) LoadAll(_ context.Context) ([]permit.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		// Missing or unreadable: start from an empty set.
		return nil, nil
	}
	var env fileEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		// Corrupt snapshot is treated the same as a missing one.
		return nil, nil
	}
	return env.Jobs, nil
}
