package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/loomchat/loom/internal/domain"
)

// Store is the persistence adapter behind the conversation engine. It is
// implemented twice with identical semantics: a sqlite store for
// authenticated users and a local file store for anonymous sessions.
type Store interface {
	// Threads
	CreateThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, id uuid.UUID) (*domain.Thread, error)
	ListThreads(ctx context.Context, limit int) ([]*domain.Thread, error)
	RenameThread(ctx context.Context, id uuid.UUID, title string) error
	TouchThread(ctx context.Context, id uuid.UUID) error
	DeleteThread(ctx context.Context, id uuid.UUID) error

	// Messages
	AddMessage(ctx context.Context, threadID uuid.UUID, msg *domain.Message) error
	GetMessages(ctx context.Context, threadID uuid.UUID) ([]domain.Message, error)
}
