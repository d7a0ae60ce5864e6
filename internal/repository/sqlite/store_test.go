package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/repository"
)

func newStore(t *testing.T) repository.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "loom.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := NewWithDB(db)
	require.NoError(t, err)
	return store
}

func TestThreadLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	thread := &domain.Thread{Owner: "user-1", Title: "first chat"}
	require.NoError(t, store.CreateThread(ctx, thread))
	require.NotEqual(t, uuid.Nil, thread.ID)

	got, err := store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "first chat", got.Title)

	require.NoError(t, store.RenameThread(ctx, thread.ID, "renamed"))
	got, err = store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)

	threads, err := store.ListThreads(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, threads, 1)

	require.NoError(t, store.DeleteThread(ctx, thread.ID))
	_, err = store.GetThread(ctx, thread.ID)
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)
}

func TestUnknownThreadErrors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.GetThread(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)
	assert.ErrorIs(t, store.RenameThread(ctx, uuid.New(), "x"), domain.ErrThreadNotFound)
	assert.ErrorIs(t, store.DeleteThread(ctx, uuid.New()), domain.ErrThreadNotFound)
}

func TestMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	thread := &domain.Thread{Owner: "user-1"}
	require.NoError(t, store.CreateThread(ctx, thread))

	user := &domain.Message{Role: domain.RoleUser, Content: "hello", Seq: 1}
	require.NoError(t, store.AddMessage(ctx, thread.ID, user))
	require.NotEqual(t, uuid.Nil, user.ID)

	parent := user.ID
	reply := &domain.Message{Role: domain.RoleAssistant, Content: "hi", Seq: 2, ParentID: &parent}
	require.NoError(t, store.AddMessage(ctx, thread.ID, reply))

	msgs, err := store.GetMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "hi", msgs[1].Content)
	require.NotNil(t, msgs[1].ParentID)
	assert.Equal(t, user.ID, *msgs[1].ParentID)
}

func TestMessageOrderingBySeqOnEqualTimestamps(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	thread := &domain.Thread{Owner: "user-1"}
	require.NoError(t, store.CreateThread(ctx, thread))

	// Same coarse timestamp, inserted newest-seq first: read order must
	// still follow the insertion counter.
	at := time.Now().Truncate(time.Second)
	second := &domain.Message{Role: domain.RoleAssistant, Content: "second", Seq: 2, CreatedAt: at}
	require.NoError(t, store.AddMessage(ctx, thread.ID, second))
	first := &domain.Message{Role: domain.RoleAssistant, Content: "first", Seq: 1, CreatedAt: at}
	require.NoError(t, store.AddMessage(ctx, thread.ID, first))

	msgs, err := store.GetMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestDeleteThreadRemovesMessages(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	thread := &domain.Thread{Owner: "user-1"}
	require.NoError(t, store.CreateThread(ctx, thread))
	msg := &domain.Message{Role: domain.RoleUser, Content: "hello", Seq: 1}
	require.NoError(t, store.AddMessage(ctx, thread.ID, msg))

	other := &domain.Thread{Owner: "user-1"}
	require.NoError(t, store.CreateThread(ctx, other))
	kept := &domain.Message{Role: domain.RoleUser, Content: "kept", Seq: 1}
	require.NoError(t, store.AddMessage(ctx, other.ID, kept))

	require.NoError(t, store.DeleteThread(ctx, thread.ID))

	msgs, err := store.GetMessages(ctx, thread.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Deletion is scoped to the one thread.
	msgs, err = store.GetMessages(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListThreadsOrdering(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	first := &domain.Thread{Owner: "user-1", Title: "old"}
	require.NoError(t, store.CreateThread(ctx, first))
	second := &domain.Thread{Owner: "user-1", Title: "new"}
	require.NoError(t, store.CreateThread(ctx, second))

	// Touching the older thread bumps it to the top.
	require.NoError(t, store.TouchThread(ctx, first.ID))

	threads, err := store.ListThreads(ctx, 1)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "old", threads[0].Title)
}
