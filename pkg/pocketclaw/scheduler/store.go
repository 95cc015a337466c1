package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// storeVersion is written into every job document.
const storeVersion = 1

// storeDocument is the on-disk format.
type storeDocument struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// JobStore persists the whole job list.
type JobStore interface {
	Load() ([]*Job, error)
	Save(jobs []*Job) error
}

// FileStore keeps the job list in one JSON file, replaced atomically on
// every save.
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a store at path (default ./data/cron/jobs.json).
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if path == "" {
		path = "./data/cron/jobs.json"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger.With("component", "scheduler.store")}
}

// Path returns the document location.
func (s *FileStore) Path() string { return s.path }

// Load reads the job list. A missing file is an empty list; a corrupt file
// is logged and treated as empty.
func (s *FileStore) Load() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading job store: %w", err)
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("job store is corrupt, starting with an empty list", "path", s.path, "error", err)
		return nil, nil
	}

	jobs := make([]*Job, 0, len(doc.Jobs))
	for _, j := range doc.Jobs {
		if j == nil || j.ID == "" {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Save rewrites the whole document.
func (s *FileStore) Save(jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if jobs == nil {
		jobs = []*Job{}
	}
	data, err := json.MarshalIndent(storeDocument{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating job store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing job store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing job store: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod job store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing job store: %w", err)
	}
	return nil
}

var _ JobStore = (*FileStore)(nil)
