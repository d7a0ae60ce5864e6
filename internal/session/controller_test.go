package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/llm"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/repository"
	"github.com/loomchat/loom/internal/repository/local"
	"github.com/loomchat/loom/internal/tree"
)

// attempt is one scripted generator behavior; the fake runs them in order
// and repeats the last one.
type attempt func(ctx context.Context, onChunk func(string) error) error

func chunks(parts ...string) attempt {
	return func(_ context.Context, onChunk func(string) error) error {
		for _, p := range parts {
			if err := onChunk(p); err != nil {
				return err
			}
		}
		return nil
	}
}

func fail(err error) attempt {
	return func(context.Context, func(string) error) error {
		return err
	}
}

func blockUntilAbort() attempt {
	return func(ctx context.Context, _ func(string) error) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

func chunksThenBlock(parts ...string) attempt {
	return func(ctx context.Context, onChunk func(string) error) error {
		for _, p := range parts {
			if err := onChunk(p); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

type fakeGen struct {
	mu       sync.Mutex
	attempts []attempt
	calls    []llm.Request
}

func (g *fakeGen) Stream(ctx context.Context, req llm.Request, onChunk func(string) error) error {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	idx := len(g.calls) - 1
	if idx >= len(g.attempts) {
		idx = len(g.attempts) - 1
	}
	a := g.attempts[idx]
	g.mu.Unlock()
	return a(ctx, onChunk)
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGen) call(i int) llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

type fakeQuota struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

func (q *fakeQuota) Check(key string) (bool, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := q.limit - q.used[key]
	return remaining > 0, remaining
}

func (q *fakeQuota) Increment(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used == nil {
		q.used = map[string]int{}
	}
	q.used[key]++
}

// flakyStore fails the first AddMessage and then behaves normally.
type flakyStore struct {
	repository.Store
	failNext bool
}

func (s *flakyStore) AddMessage(ctx context.Context, threadID uuid.UUID, msg *domain.Message) error {
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	return s.Store.AddMessage(ctx, threadID, msg)
}

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		StreamTimeout:   5 * time.Second,
		IdleTimeout:     time.Second,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		StaleThreshold:  time.Minute,
		MonitorInterval: time.Second,
	}
}

func newController(t *testing.T, gen Generator, mutate func(*Options)) *Controller {
	t.Helper()
	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	opts := Options{
		Store:     store,
		Generator: gen,
		Config:    testConfig(),
		Owner:     "user-1",
		Model:     "gpt-4o",
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func drain(t *testing.T, s *Stream) []events.Event {
	t.Helper()
	var evs []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events:
			if !ok {
				<-s.Done
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

func roles(path []domain.Message) []string {
	out := make([]string, 0, len(path))
	for _, m := range path {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}

func TestSendEndToEnd(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("Hi", " there")}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "Hello", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	// History sent to the collaborator is exactly the new user turn.
	require.Equal(t, 1, gen.callCount())
	req := gen.call(0)
	require.Len(t, req.History, 1)
	assert.Equal(t, domain.RoleUser, req.History[0].Role)
	assert.Equal(t, "Hello", req.History[0].Content)

	assert.Equal(t, []string{"user:Hello", "assistant:Hi there"}, roles(c.VisiblePath()))

	// Persisted exactly once.
	thread := c.Thread()
	require.NotNil(t, thread)
	assert.Equal(t, "Hello", thread.Title)
	stored, err := c.store.GetMessages(context.Background(), thread.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Hi there", stored[1].Content)

	// Turn is fully released.
	inFlight, _ := c.InFlight()
	assert.False(t, inFlight)
}

func TestSendUsesVisiblePathAsHistory(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("first"), chunks("second")}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "one", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	stream, err = c.Send(context.Background(), "two", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	req := gen.call(1)
	require.Len(t, req.History, 3)
	assert.Equal(t, "one", req.History[0].Content)
	assert.Equal(t, "first", req.History[1].Content)
	assert.Equal(t, "two", req.History[2].Content)
}

func TestRegenerate(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("first answer"), chunks("second answer")}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "question", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	path := c.VisiblePath()
	require.Len(t, path, 2)
	oldAssistant := path[1]

	stream, err = c.Regenerate(context.Background(), oldAssistant.ID, "")
	require.NoError(t, err)
	drain(t, stream)

	// Both attempts live under the same user message; the new one is active.
	path = c.VisiblePath()
	require.Len(t, path, 2)
	assert.Equal(t, "second answer", path[1].Content)
	assert.NotEqual(t, oldAssistant.ID, path[1].ID)
	require.NotNil(t, path[1].ParentID)
	assert.Equal(t, *oldAssistant.ParentID, *path[1].ParentID)

	info := c.BranchInfo(oldAssistant.ID)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.Total)

	// Regenerate does not grow the user side of the tree.
	assert.Len(t, c.Messages(), 3)

	// The history sent excluded the old assistant answer.
	req := gen.call(1)
	require.Len(t, req.History, 1)
	assert.Equal(t, "question", req.History[0].Content)

	// The old attempt is still reachable by navigation.
	c.Navigate(path[1].ID, tree.Prev)
	assert.Equal(t, "first answer", c.VisiblePath()[1].Content)
}

func TestEditAndResend(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("answer one"), chunks("answer two")}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "original", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	original := c.VisiblePath()[0]
	oldTreeSize := len(c.Messages())

	stream, err = c.EditAndResend(context.Background(), original.ID, "edited", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	path := c.VisiblePath()
	require.Len(t, path, 2)
	assert.Equal(t, "edited", path[0].Content)
	assert.Equal(t, "answer two", path[1].Content)
	assert.Equal(t, original.ParentID, path[0].ParentID)

	// Old subtree fully intact: original user message and its answer remain.
	assert.Len(t, c.Messages(), oldTreeSize+2)
	info := c.BranchInfo(original.ID)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.Total)

	c.Navigate(path[0].ID, tree.Prev)
	restored := c.VisiblePath()
	assert.Equal(t, "original", restored[0].Content)
	assert.Equal(t, "answer one", restored[1].Content)
}

func TestBusyRejection(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{blockUntilAbort()}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "hold the line", nil, "")
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "impatient", nil, "")
	assert.ErrorIs(t, err, domain.ErrBusy)

	c.Cancel()
	drain(t, stream)
}

func TestAnonymousQuota(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("ok")}}
	quota := &fakeQuota{limit: 1}
	c := newController(t, gen, func(o *Options) {
		o.Anonymous = true
		o.Owner = "anon-1"
		o.Quota = quota
	})

	stream, err := c.Send(context.Background(), "first", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	before := len(c.Messages())
	_, err = c.Send(context.Background(), "second", nil, "")
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Len(t, c.Messages(), before, "rejected admission must create no message")
}

func TestCancelWithNoContentRemovesPending(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{blockUntilAbort()}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "hello", nil, "")
	require.NoError(t, err)
	c.Cancel()
	evs := drain(t, stream)

	// Only the user message survives.
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, []string{"user:hello"}, roles(c.VisiblePath()))

	var cancelled *events.CancelledEvent
	for _, ev := range evs {
		if ce, ok := ev.(events.CancelledEvent); ok {
			cancelled = &ce
		}
	}
	require.NotNil(t, cancelled)
	assert.True(t, cancelled.Removed)

	// Nothing but the user message was persisted.
	stored, err := c.store.GetMessages(context.Background(), c.Thread().ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestCancelWithPartialContentKeepsMessage(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunksThenBlock("partial answer")}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "hello", nil, "")
	require.NoError(t, err)

	// Wait for the chunk to land before cancelling.
	require.Eventually(t, func() bool {
		path := c.VisiblePath()
		return len(path) == 2 && path[1].Content != ""
	}, 2*time.Second, 5*time.Millisecond)

	c.Cancel()
	drain(t, stream)

	path := c.VisiblePath()
	require.Len(t, path, 2)
	assert.Equal(t, "partial answer", path[1].Content)

	// Partial content is treated as a completed message and persisted.
	stored, err := c.store.GetMessages(context.Background(), c.Thread().ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "partial answer", stored[1].Content)
}

func TestCancelRegenerateLeavesTreeUnchanged(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("answer"), blockUntilAbort()}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "question", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	before := roles(c.VisiblePath())
	size := len(c.Messages())

	stream, err = c.Regenerate(context.Background(), c.VisiblePath()[1].ID, "")
	require.NoError(t, err)
	c.Cancel()
	drain(t, stream)

	assert.Len(t, c.Messages(), size)
	assert.Equal(t, before, roles(c.VisiblePath()))
}

func TestRetryAfterTransientFailure(t *testing.T) {
	netErr := fmt.Errorf("API returned unexpected status code: 503")
	gen := &fakeGen{attempts: []attempt{
		func(_ context.Context, onChunk func(string) error) error {
			_ = onChunk("doomed fragment")
			return netErr
		},
		chunks("clean answer"),
	}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "hello", nil, "")
	require.NoError(t, err)
	evs := drain(t, stream)

	assert.Equal(t, 2, gen.callCount())

	// No duplicated or concatenated retry fragments.
	path := c.VisiblePath()
	require.Len(t, path, 2)
	assert.Equal(t, "clean answer", path[1].Content)

	var sawReconnect bool
	for _, ev := range evs {
		if _, ok := ev.(events.ReconnectingEvent); ok {
			sawReconnect = true
		}
	}
	assert.True(t, sawReconnect)
}

func TestClientErrorDoesNotRetry(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{fail(&llm.ClientError{StatusCode: 403, Message: "model not allowed"})}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "hello", nil, "")
	require.NoError(t, err)
	evs := drain(t, stream)

	assert.Equal(t, 1, gen.callCount())

	// The failure surfaces as the assistant message's content.
	path := c.VisiblePath()
	require.Len(t, path, 2)
	assert.Equal(t, "model not allowed", path[1].Content)

	var sawError bool
	for _, ev := range evs {
		if _, ok := ev.(events.ErrorEvent); ok {
			sawError = true
		}
	}
	assert.True(t, sawError)

	// Failed output is not persisted.
	stored, err := c.store.GetMessages(context.Background(), c.Thread().ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRetriesExhaustedBecomesGenericFailure(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{fail(errors.New("connection reset by peer"))}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "hello", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	assert.Equal(t, 3, gen.callCount(), "initial attempt plus two retries")
	path := c.VisiblePath()
	require.Len(t, path, 2)
	assert.Equal(t, genericFailureContent, path[1].Content)
}

func TestIdleTimeoutTriggersRetry(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{blockUntilAbort(), chunks("recovered")}}
	c := newController(t, gen, func(o *Options) {
		o.Config.IdleTimeout = 20 * time.Millisecond
	})

	stream, err := c.Send(context.Background(), "hello", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	assert.GreaterOrEqual(t, gen.callCount(), 2)
	path := c.VisiblePath()
	require.Len(t, path, 2)
	assert.Equal(t, "recovered", path[1].Content)
}

func TestStaleLockRecovery(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{blockUntilAbort(), chunks("fresh")}}
	c := newController(t, gen, func(o *Options) {
		o.Config.IdleTimeout = time.Minute // keep the per-turn watchdogs quiet
		o.Config.StaleThreshold = 30 * time.Millisecond
	})

	hung, err := c.Send(context.Background(), "hang", nil, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	monitor := NewMonitor(c, zerolog.Nop())
	assert.True(t, monitor.CheckNow())
	assert.False(t, monitor.CheckNow(), "already recovered")
	drain(t, hung)

	inFlight, _ := c.InFlight()
	assert.False(t, inFlight)

	// A new turn is admitted without any explicit abort from the old caller.
	stream, err := c.Send(context.Background(), "again", nil, "")
	require.NoError(t, err)
	drain(t, stream)
	assert.Equal(t, "fresh", c.VisiblePath()[len(c.VisiblePath())-1].Content)
}

func TestAdmissionForceClearsAbandonedTurn(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{blockUntilAbort(), chunks("ok")}}
	c := newController(t, gen, func(o *Options) {
		o.Config.IdleTimeout = time.Minute
		o.Config.StaleThreshold = 30 * time.Millisecond
	})

	hung, err := c.Send(context.Background(), "hang", nil, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	// No monitor involved: admission itself treats the lock as abandoned.
	stream, err := c.Send(context.Background(), "retry me", nil, "")
	require.NoError(t, err)
	drain(t, stream)
	drain(t, hung)
	assert.Equal(t, "ok", c.VisiblePath()[len(c.VisiblePath())-1].Content)
}

func TestCancelUnblocksUndrainedStream(t *testing.T) {
	// A producer far ahead of a consumer that never drains: chunk emission
	// fills the event buffer and blocks inside the generator callback.
	gen := &fakeGen{attempts: []attempt{
		func(ctx context.Context, onChunk func(string) error) error {
			for i := 0; i < 300; i++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := onChunk("chunk "); err != nil {
					return err
				}
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	c := newController(t, gen, nil)

	_, err := c.Send(context.Background(), "flood", nil, "")
	require.NoError(t, err)

	// Wait until the producer is wedged on the full buffer.
	require.Eventually(t, func() bool {
		path := c.VisiblePath()
		return len(path) == 2 && len(path[1].Content) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// Cancellation must unblock the streaming loop even though nothing is
	// reading events; Close waits for the turn goroutine to finish.
	done := make(chan struct{})
	go func() {
		c.Cancel()
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock the streaming loop")
	}

	inFlight, _ := c.InFlight()
	assert.False(t, inFlight)
}

func TestConcurrentAdmissionsAfterStaleClear(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{blockUntilAbort()}}
	c := newController(t, gen, func(o *Options) {
		o.Config.IdleTimeout = time.Minute
		o.Config.StaleThreshold = 30 * time.Millisecond
	})

	hung, err := c.Send(context.Background(), "hang", nil, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	// Two admissions race to replace the abandoned turn; exactly one may
	// install itself, the other must see the winner and report busy.
	type result struct {
		stream *Stream
		err    error
	}
	results := make(chan result, 2)
	var start sync.WaitGroup
	start.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			start.Done()
			start.Wait()
			s, err := c.Send(context.Background(), "race", nil, "")
			results <- result{s, err}
		}()
	}

	var won *Stream
	var busy int
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			require.Nil(t, won, "two turns admitted concurrently")
			won = r.stream
		} else {
			require.ErrorIs(t, r.err, domain.ErrBusy)
			busy++
		}
	}
	require.NotNil(t, won)
	assert.Equal(t, 1, busy)

	c.Cancel()
	drain(t, won)
	drain(t, hung)
}

func TestQuotaNotConsumedOnStoreFailure(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("ok")}}
	quota := &fakeQuota{limit: 1}
	c := newController(t, gen, func(o *Options) {
		o.Anonymous = true
		o.Owner = "anon-1"
		o.Quota = quota
		o.Store = &flakyStore{Store: o.Store, failNext: true}
	})

	_, err := c.Send(context.Background(), "lost to disk error", nil, "")
	require.Error(t, err)

	// The failed send must not have burned the day's only unit.
	assert.Equal(t, 0, quota.used["anon-1"])

	stream, err := c.Send(context.Background(), "second try", nil, "")
	require.NoError(t, err)
	drain(t, stream)
	assert.Equal(t, 1, quota.used["anon-1"])
}

func TestMemoryExtractionOnFinalize(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{
		chunks("Noted!", `<memory category="preference">likes tea</memory>`),
		chunks("second"),
	}}
	store := memory.NewFileStore(t.TempDir() + "/memory.json")
	c := newController(t, gen, func(o *Options) {
		o.Memory = store
	})

	stream, err := c.Send(context.Background(), "I like tea", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	// Marker stripped from the visible and persisted content.
	path := c.VisiblePath()
	assert.Equal(t, "Noted!", path[1].Content)
	stored, err := c.store.GetMessages(context.Background(), c.Thread().ID)
	require.NoError(t, err)
	assert.Equal(t, "Noted!", stored[1].Content)

	// The record feeds the next turn's context block.
	stream, err = c.Send(context.Background(), "what do I like?", nil, "")
	require.NoError(t, err)
	drain(t, stream)
	req := gen.call(1)
	assert.Contains(t, req.Memory, "likes tea")
}

func TestRegenerateIntegrityErrors(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("answer")}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "question", nil, "")
	require.NoError(t, err)
	drain(t, stream)
	size := len(c.Messages())

	_, err = c.Regenerate(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	// Targeting a user message is also rejected.
	_, err = c.Regenerate(context.Background(), c.VisiblePath()[0].ID, "")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	assert.Len(t, c.Messages(), size, "failed calls must not mutate the tree")
	inFlight, _ := c.InFlight()
	assert.False(t, inFlight)
}

func TestAttachmentsInHistory(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("ok")}}
	c := newController(t, gen, nil)

	atts := []domain.AttachmentMeta{
		{Name: "notes.txt", Kind: domain.AttachmentDocument, Text: "some notes"},
		{Name: "photo.png", Kind: domain.AttachmentImage, URL: "https://example.com/photo.png"},
	}
	stream, err := c.Send(context.Background(), "see attached", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	stream, err = c.Send(context.Background(), "and this", atts, "")
	require.NoError(t, err)
	drain(t, stream)

	req := gen.call(1)
	last := req.History[len(req.History)-1]
	assert.Contains(t, last.Content, "and this")
	assert.Contains(t, last.Content, "some notes")
	require.Len(t, req.Images, 1)
	assert.Equal(t, "https://example.com/photo.png", req.Images[0])
}

func TestLoadThreadResetsBranches(t *testing.T) {
	gen := &fakeGen{attempts: []attempt{chunks("one"), chunks("two")}}
	c := newController(t, gen, nil)

	stream, err := c.Send(context.Background(), "question", nil, "")
	require.NoError(t, err)
	drain(t, stream)

	first := c.VisiblePath()[1]
	stream, err = c.Regenerate(context.Background(), first.ID, "")
	require.NoError(t, err)
	drain(t, stream)

	// Navigate back to the first attempt, then reload the thread.
	c.Navigate(c.VisiblePath()[1].ID, tree.Prev)
	assert.Equal(t, "one", c.VisiblePath()[1].Content)

	require.NoError(t, c.LoadThread(context.Background(), c.Thread().ID))

	// A fresh load shows the most recent branch again.
	assert.Equal(t, "two", c.VisiblePath()[1].Content)
}
