package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/avi3tal/agentcore/internal/fsutil"
)

// DefaultFileName is the state file created in the project root
const DefaultFileName = ".agentcore_staging.json"

// FileStore persists all records as one flat JSON object keyed by session ID.
// The whole file is rewritten atomically on every mutation.
type FileStore struct {
	path    string
	records map[string]Record
	closed  bool
	mu      sync.Mutex
}

// OpenFileStore reads path if it exists. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		records: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read session file %s", path)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to decode session file %s", path)
	}
	if s.records == nil {
		s.records = make(map[string]Record)
	}
	return s, nil
}

// OpenProjectFileStore opens DefaultFileName inside root
func OpenProjectFileStore(root string) (*FileStore, error) {
	return OpenFileStore(filepath.Join(root, DefaultFileName))
}

// Path returns the backing file
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) LoadAll(_ context.Context) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return maps.Clone(s.records), nil
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	prev, existed := s.records[rec.ID]
	s.records[rec.ID] = rec
	if err := s.flush(); err != nil {
		if existed {
			s.records[rec.ID] = prev
		} else {
			delete(s.records, rec.ID)
		}
		return pkgerrors.Wrapf(err, "failed to save session %s", rec.ID)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	prev, existed := s.records[id]
	if !existed {
		return nil
	}
	delete(s.records, id)
	if err := s.flush(); err != nil {
		s.records[id] = prev
		return pkgerrors.Wrapf(err, "failed to delete session %s", id)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *FileStore) flush() error {
	return fsutil.WriteJSONAtomic(s.path, s.records, 0o600)
}
