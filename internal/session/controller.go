// Package session orchestrates one generation turn at a time over a loaded
// thread: admission, prompt building, streamed append, retry, cancellation,
// and finalization. All tree mutation for a thread happens here; readers see
// consistent snapshots through the accessor methods.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/llm"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/repository"
	"github.com/loomchat/loom/internal/tree"
)

// Generator is the streaming generation collaborator. llm.Client satisfies
// it; tests substitute fakes.
type Generator interface {
	Stream(ctx context.Context, req llm.Request, onChunk func(chunk string) error) error
}

// Quota gates anonymous sends. Nil disables enforcement (authenticated
// sessions).
type Quota interface {
	Check(key string) (allowed bool, remaining int)
	Increment(key string)
}

// MemoryStore persists side-channel records extracted from assistant output
// and serializes them back into a context block for future turns.
type MemoryStore interface {
	Save(ctx context.Context, records []memory.Record) error
	Context(ctx context.Context) (string, error)
}

// Options wires a controller. One controller owns one chat session; separate
// sessions (tabs) get separate controllers so they never share a lock.
type Options struct {
	Store     repository.Store
	Generator Generator
	Quota     Quota
	Memory    MemoryStore
	Config    config.SessionConfig
	Owner     string
	Anonymous bool
	Model     string
	Logger    zerolog.Logger
}

// turn is the mutable state of one in-flight generation. The controller
// holds at most one; comparing pointers lets a finished turn avoid clearing
// a successor's lock.
type turn struct {
	pendingID uuid.UUID
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc
	events    chan events.Event
	done      chan struct{}
}

// Stream is the caller's view of an in-flight turn.
type Stream struct {
	MessageID uuid.UUID
	Events    <-chan events.Event
	Done      <-chan struct{}
}

type Controller struct {
	store repository.Store
	gen   Generator
	quota Quota
	mem   MemoryStore
	cfg   config.SessionConfig
	owner string
	anon  bool
	model string
	log   zerolog.Logger

	mu       sync.Mutex
	thread   *domain.Thread
	msgs     []domain.Message
	branches tree.Branches
	nextSeq  int64
	current  *turn
}

func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	return &Controller{
		store:    opts.Store,
		gen:      opts.Generator,
		quota:    opts.Quota,
		mem:      opts.Memory,
		cfg:      cfg,
		owner:    opts.Owner,
		anon:     opts.Anonymous,
		model:    opts.Model,
		log:      opts.Logger,
		branches: tree.Branches{},
	}
}

// LoadThread switches the controller to an existing thread, aborting any
// in-flight turn first so a late chunk cannot land in a tree that is no
// longer displayed. The active-branch map resets: a freshly loaded thread
// shows the most recent branch at every fork.
func (c *Controller) LoadThread(ctx context.Context, threadID uuid.UUID) error {
	c.abortCurrent(errSwitchedThread)

	thread, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	msgs, err := c.store.GetMessages(ctx, threadID)
	if err != nil {
		return err
	}
	msgs = tree.EnsureParentIDs(msgs)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.thread = thread
	c.msgs = msgs
	c.branches = tree.Branches{}
	c.nextSeq = 1
	for _, m := range msgs {
		if m.Seq >= c.nextSeq {
			c.nextSeq = m.Seq + 1
		}
	}
	return nil
}

// Close aborts any in-flight turn. Safe to call repeatedly.
func (c *Controller) Close() {
	c.abortCurrent(errSwitchedThread)
}

// Cancel aborts the in-flight turn as a user-initiated cancellation: a
// pending message with no accumulated content is removed, partial content is
// kept as a truncated-but-complete message.
func (c *Controller) Cancel() {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t != nil {
		t.cancel(errUserCancelled)
	}
}

func (c *Controller) abortCurrent(cause error) {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel(cause)
	<-t.done
}

// Thread returns the loaded thread, or nil before first send.
func (c *Controller) Thread() *domain.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thread
}

// Messages returns a snapshot of the full message collection.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// VisiblePath returns the currently visible linear path.
func (c *Controller) VisiblePath() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return tree.VisiblePath(c.msgs, c.branches)
}

// BranchInfo reports a message's sibling position for navigation UI.
func (c *Controller) BranchInfo(id uuid.UUID) *tree.BranchPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return tree.BranchInfo(c.msgs, id)
}

// Navigate moves the active branch selection one sibling over.
func (c *Controller) Navigate(id uuid.UUID, dir tree.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.branches = tree.Navigate(c.msgs, c.branches, id, dir)
}

// InFlight reports whether a turn is active and since when.
func (c *Controller) InFlight() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false, time.Time{}
	}
	return true, c.current.startedAt
}

// ForceUnlockIfStale clears an in-flight turn whose start timestamp is older
// than threshold, aborting its request handle. Returns true when a recovery
// happened. This is the stale-lock monitor's escape hatch for turns whose
// own watchdogs failed to fire.
func (c *Controller) ForceUnlockIfStale(threshold time.Duration) bool {
	c.mu.Lock()
	t := c.current
	if t == nil || time.Since(t.startedAt) < threshold {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	c.mu.Unlock()

	t.cancel(errStaleTakeover)
	return true
}

// Send appends a new user message after the visible path's last node (or as
// a root for an empty thread) and streams an assistant reply beneath it.
func (c *Controller) Send(ctx context.Context, content string, atts []domain.AttachmentMeta, modelOverride string) (*Stream, error) {
	if err := c.admit(true); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.thread == nil {
		c.mu.Unlock()
		if err := c.createThread(ctx, content, modelOverride); err != nil {
			c.release()
			return nil, err
		}
		c.mu.Lock()
	}

	var parentID *uuid.UUID
	if path := tree.VisiblePath(c.msgs, c.branches); len(path) > 0 {
		id := path[len(path)-1].ID
		parentID = &id
	}

	userMsg := c.newMessageLocked(domain.RoleUser, content, parentID)
	userMsg.Attachments = atts
	threadID := c.thread.ID
	c.mu.Unlock()

	if err := c.store.AddMessage(ctx, threadID, &userMsg); err != nil {
		c.release()
		return nil, err
	}
	c.consumeQuota()

	c.mu.Lock()
	c.insertLocked(userMsg)
	pending := c.newMessageLocked(domain.RoleAssistant, "", &userMsg.ID)
	pending.Model = c.modelName(modelOverride)
	c.insertLocked(pending)
	history := c.historyLocked(userMsg.ID)
	c.mu.Unlock()

	return c.begin(pending, history), nil
}

// Regenerate streams a fresh assistant attempt as a new sibling of target
// under the same user message, and makes it the active branch so the UI
// swaps to the new attempt without discarding the old one.
func (c *Controller) Regenerate(ctx context.Context, targetID uuid.UUID, modelOverride string) (*Stream, error) {
	if err := c.admit(false); err != nil {
		return nil, err
	}

	c.mu.Lock()
	target, ok := c.findLocked(targetID)
	if !ok || target.Role != domain.RoleAssistant {
		c.mu.Unlock()
		c.release()
		return nil, domain.ErrMessageNotFound
	}
	if target.ParentID == nil {
		c.mu.Unlock()
		c.release()
		return nil, domain.ErrInsufficientHistory
	}
	if _, ok := c.findLocked(*target.ParentID); !ok {
		// Parent edited away since; reattaching silently would fabricate
		// history the model never saw.
		c.mu.Unlock()
		c.release()
		return nil, domain.ErrMessageNotFound
	}

	pending := c.newMessageLocked(domain.RoleAssistant, "", target.ParentID)
	pending.Model = c.modelName(modelOverride)
	c.insertLocked(pending)
	history := c.historyLocked(*target.ParentID)
	c.mu.Unlock()

	return c.begin(pending, history), nil
}

// EditAndResend forks an existing user message into a new sibling carrying
// the edited content, marks the fork active, and streams a reply beneath it.
// The old subtree stays fully intact and reachable via branch navigation.
func (c *Controller) EditAndResend(ctx context.Context, targetID uuid.UUID, content string, atts []domain.AttachmentMeta, modelOverride string) (*Stream, error) {
	if err := c.admit(true); err != nil {
		return nil, err
	}

	c.mu.Lock()
	target, ok := c.findLocked(targetID)
	if !ok || target.Role != domain.RoleUser {
		c.mu.Unlock()
		c.release()
		return nil, domain.ErrMessageNotFound
	}

	userMsg := c.newMessageLocked(domain.RoleUser, content, target.ParentID)
	userMsg.Attachments = atts
	threadID := c.thread.ID
	c.mu.Unlock()

	if err := c.store.AddMessage(ctx, threadID, &userMsg); err != nil {
		c.release()
		return nil, err
	}
	c.consumeQuota()

	c.mu.Lock()
	c.insertLocked(userMsg)
	pending := c.newMessageLocked(domain.RoleAssistant, "", &userMsg.ID)
	pending.Model = c.modelName(modelOverride)
	c.insertLocked(pending)
	history := c.historyLocked(userMsg.ID)
	c.mu.Unlock()

	return c.begin(pending, history), nil
}

// admit takes the in-flight lock or rejects. A lock held longer than the
// stale threshold is treated as abandoned and force-cleared so a hung
// request cannot block the thread forever.
func (c *Controller) admit(countsAgainstQuota bool) error {
	c.mu.Lock()
	if t := c.current; t != nil {
		if time.Since(t.startedAt) < c.cfg.StaleThreshold {
			c.mu.Unlock()
			return domain.ErrBusy
		}
		c.current = nil
		c.mu.Unlock()
		c.log.Warn().Time("started_at", t.startedAt).Msg("force-clearing abandoned turn at admission")
		t.cancel(errStaleTakeover)
		c.mu.Lock()
		if c.current != nil {
			// Another admission won the race while the lock was released.
			c.mu.Unlock()
			return domain.ErrBusy
		}
	}

	if countsAgainstQuota && c.anon && c.quota != nil {
		allowed, remaining := c.quota.Check(c.owner)
		if !allowed {
			c.mu.Unlock()
			return domain.ErrQuotaExceeded
		}
		c.log.Debug().Int("remaining", remaining).Msg("anonymous send admitted")
	}

	turnCtx, cancel := context.WithCancelCause(context.Background())
	c.current = &turn{
		startedAt: time.Now(),
		ctx:       turnCtx,
		cancel:    cancel,
		events:    make(chan events.Event, 128),
		done:      make(chan struct{}),
	}
	c.mu.Unlock()
	return nil
}

// consumeQuota burns one quota unit. Called only after the user message is
// durably stored, so a failed setup never costs an anonymous sender a unit.
// Safe without further coordination: only one turn is admitted at a time.
func (c *Controller) consumeQuota() {
	if c.anon && c.quota != nil {
		c.quota.Increment(c.owner)
	}
}

// release drops the lock after an admission whose setup failed before any
// streaming started.
func (c *Controller) release() {
	c.mu.Lock()
	t := c.current
	c.current = nil
	c.mu.Unlock()
	if t != nil {
		t.cancel(nil)
	}
}

func (c *Controller) createThread(ctx context.Context, firstContent, modelOverride string) error {
	thread := &domain.Thread{
		Owner: c.owner,
		Title: domain.DeriveTitle(firstContent),
		Model: c.modelName(modelOverride),
	}
	if err := c.store.CreateThread(ctx, thread); err != nil {
		return err
	}
	c.mu.Lock()
	c.thread = thread
	c.nextSeq = 1
	c.mu.Unlock()
	return nil
}

func (c *Controller) modelName(override string) string {
	if override != "" {
		return override
	}
	return c.model
}

func (c *Controller) newMessageLocked(role domain.Role, content string, parentID *uuid.UUID) domain.Message {
	msg := domain.Message{
		ID:        uuid.New(),
		ThreadID:  c.thread.ID,
		ParentID:  parentID,
		Role:      role,
		Content:   content,
		Seq:       c.nextSeq,
		CreatedAt: time.Now(),
	}
	c.nextSeq++
	return msg
}

func (c *Controller) insertLocked(msg domain.Message) {
	c.msgs = append(c.msgs, msg)
	c.branches[tree.ParentKey(msg)] = msg.ID
}

func (c *Controller) findLocked(id uuid.UUID) (domain.Message, bool) {
	for _, m := range c.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

// historyLocked builds the outbound {role, content} history for the chain
// ending at tipID. Document attachments are inlined into their message's
// content; image attachments are collected as references for the request.
func (c *Controller) historyLocked(tipID uuid.UUID) llm.Request {
	path, err := tree.PathTo(c.msgs, tipID)
	if err != nil {
		return llm.Request{}
	}

	var req llm.Request
	for _, m := range path {
		content := m.Content
		for _, att := range m.Attachments {
			switch att.Kind {
			case domain.AttachmentDocument:
				if att.Text != "" {
					content += "\n\n[" + att.Name + "]\n" + att.Text
				}
			case domain.AttachmentImage:
				if att.URL != "" {
					req.Images = append(req.Images, att.URL)
				}
			}
		}
		req.History = append(req.History, llm.HistoryEntry{Role: m.Role, Content: content})
	}
	return req
}
