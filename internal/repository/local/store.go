// Package local is the offline persistence adapter used for anonymous
// sessions: one JSON document per thread under a data directory, written
// atomically. It mirrors the sqlite store's semantics exactly so the session
// controller does not care which backend a thread lives in.
package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/repository"
)

type record struct {
	Thread   domain.Thread    `json:"thread"`
	Messages []domain.Message `json:"messages"`
}

type store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (repository.Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create local store directory")
	}
	return &store{dir: dir}, nil
}

func (s *store) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".json")
}

func (s *store) load(id uuid.UUID) (*record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrThreadNotFound
		}
		return nil, errors.Wrap(err, "failed to read thread file")
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode thread file")
	}
	return &rec, nil
}

func (s *store) save(rec *record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode thread file")
	}
	path := s.path(rec.Thread.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write thread file")
	}
	return os.Rename(tmp, path)
}

func (s *store) CreateThread(_ context.Context, thread *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thread.ID == uuid.Nil {
		thread.ID = uuid.New()
	}
	now := time.Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	return s.save(&record{Thread: *thread})
}

func (s *store) GetThread(_ context.Context, id uuid.UUID) (*domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	thread := rec.Thread
	return &thread, nil
}

func (s *store) ListThreads(_ context.Context, limit int) ([]*domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read local store directory")
	}

	var threads []*domain.Thread
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id, err := uuid.Parse(entry.Name()[:len(entry.Name())-len(".json")])
		if err != nil {
			continue
		}
		rec, err := s.load(id)
		if err != nil {
			continue
		}
		thread := rec.Thread
		threads = append(threads, &thread)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	if limit > 0 && len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

func (s *store) RenameThread(_ context.Context, id uuid.UUID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return err
	}
	rec.Thread.Title = title
	rec.Thread.UpdatedAt = time.Now()
	return s.save(rec)
}

func (s *store) TouchThread(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return err
	}
	rec.Thread.UpdatedAt = time.Now()
	return s.save(rec)
}

func (s *store) DeleteThread(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return domain.ErrThreadNotFound
		}
		return errors.Wrap(err, "failed to delete thread file")
	}
	return nil
}

func (s *store) AddMessage(_ context.Context, threadID uuid.UUID, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(threadID)
	if err != nil {
		return err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ThreadID = threadID
	rec.Messages = append(rec.Messages, *msg)
	return s.save(rec)
}

func (s *store) GetMessages(_ context.Context, threadID uuid.UUID) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(threadID)
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, len(rec.Messages))
	copy(msgs, rec.Messages)
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
	return msgs, nil
}
