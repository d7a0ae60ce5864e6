package memory

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// FileStore keeps extracted records in a single JSON file. Good enough for
// a per-user memory that stays small; the session controller only needs
// Save and Context.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read memory file")
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, "failed to decode memory file")
	}
	return records, nil
}

func (s *FileStore) Save(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load()
	if err != nil {
		return err
	}
	existing = append(existing, records...)

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode memory records")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write memory file")
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Context(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return "", err
	}
	return ContextBlock(records), nil
}
