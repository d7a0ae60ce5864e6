package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/repository"
)

type store struct {
	db *gorm.DB
}

// New opens (or creates) the sqlite database at path and runs migrations.
func New(path string) (repository.Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.Thread{}, &domain.Message{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &store{db: db}, nil
}

// NewWithDB wraps an existing gorm connection, used by tests.
func NewWithDB(db *gorm.DB) (repository.Store, error) {
	if err := db.AutoMigrate(&domain.Thread{}, &domain.Message{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) CreateThread(ctx context.Context, thread *domain.Thread) error {
	if thread.ID == uuid.Nil {
		thread.ID = uuid.New()
	}
	now := time.Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	return s.db.WithContext(ctx).Create(thread).Error
}

func (s *store) GetThread(ctx context.Context, id uuid.UUID) (*domain.Thread, error) {
	var thread domain.Thread
	if err := s.db.WithContext(ctx).First(&thread, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrThreadNotFound
		}
		return nil, err
	}
	return &thread, nil
}

func (s *store) ListThreads(ctx context.Context, limit int) ([]*domain.Thread, error) {
	var threads []*domain.Thread
	q := s.db.WithContext(ctx).Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&threads).Error; err != nil {
		return nil, err
	}
	return threads, nil
}

func (s *store) RenameThread(ctx context.Context, id uuid.UUID, title string) error {
	res := s.db.WithContext(ctx).Model(&domain.Thread{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (s *store) TouchThread(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&domain.Thread{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

// DeleteThread removes the thread and all its messages. Individual messages
// are never deleted outside of whole-thread deletion.
func (s *store) DeleteThread(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Thread{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrThreadNotFound
		}
		return nil
	})
}

func (s *store) AddMessage(ctx context.Context, threadID uuid.UUID, msg *domain.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ThreadID = threadID
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *store) GetMessages(ctx context.Context, threadID uuid.UUID) ([]domain.Message, error) {
	var messages []domain.Message
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, seq ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}
