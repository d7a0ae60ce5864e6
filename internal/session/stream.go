package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/llm"
	"github.com/loomchat/loom/internal/memory"
)

// Abort causes. Cancellation is distinguished from timeout-triggered aborts
// by cause identity, never by error message.
var (
	errUserCancelled  = errors.New("turn cancelled by user")
	errSwitchedThread = errors.New("turn aborted by thread switch")
	errStaleTakeover  = errors.New("turn force-cleared as stale")
	errIdleTimeout    = errors.New("no chunk received within idle window")
)

const genericFailureContent = "Something went wrong while generating a response. Please try again."

// emit delivers an event to the turn's observer. The send gives up once the
// turn is cancelled (falling back to a best-effort buffered send) so a
// stalled consumer with a full buffer can never keep a cancelled turn from
// winding down.
func (t *turn) emit(ev events.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		select {
		case t.events <- ev:
		default:
		}
	}
}

// begin launches the streaming goroutine for an admitted turn. The cancel
// handle is installed before the goroutine starts so Cancel and the monitor
// can reach the turn immediately.
func (c *Controller) begin(pending domain.Message, req llm.Request) *Stream {
	c.mu.Lock()
	t := c.current
	t.pendingID = pending.ID
	c.mu.Unlock()

	t.emit(events.NewMessageEvent{Message: &pending})
	go c.runTurn(t.ctx, t, req)

	return &Stream{MessageID: pending.ID, Events: t.events, Done: t.done}
}

// runTurn drives one turn through streaming → {retrying → streaming}* →
// {finalizing | cancelled | failed}. The in-flight lock is cleared in a
// final step on every path.
func (c *Controller) runTurn(turnCtx context.Context, t *turn, req llm.Request) {
	defer close(t.done)
	defer close(t.events)
	defer c.finish(t)
	defer t.cancel(nil)

	if c.mem != nil {
		if block, err := c.mem.Context(turnCtx); err == nil {
			req.Memory = block
		} else {
			c.log.Warn().Err(err).Msg("failed to load memory context")
		}
	}

	wallDeadline := t.startedAt.Add(c.cfg.StreamTimeout)

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.resetPending(t)
			t.emit(events.ReconnectingEvent{MessageID: t.pendingID, Attempt: attempt})
			select {
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			case <-turnCtx.Done():
			}
		}
		if turnCtx.Err() != nil {
			break
		}

		err = c.streamOnce(turnCtx, t, wallDeadline, req)
		if err == nil {
			break
		}
		if turnCtx.Err() != nil {
			// User cancel, thread switch, or stale takeover; never retried.
			break
		}
		if !retryable(err) {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("transient stream failure")
	}

	switch cause := context.Cause(turnCtx); {
	case errors.Is(cause, errUserCancelled):
		c.handleCancel(t, true)
	case errors.Is(cause, errSwitchedThread) || errors.Is(cause, errStaleTakeover):
		c.handleCancel(t, false)
	case err == nil:
		c.finalizeTurn(t)
	default:
		c.failTurn(t, err)
	}
}

// streamOnce runs a single attempt under both watchdogs: the turn-wide
// wall-clock deadline and a per-chunk idle timer that aborts the attempt
// when the collaborator goes quiet.
func (c *Controller) streamOnce(turnCtx context.Context, t *turn, wallDeadline time.Time, req llm.Request) error {
	attemptCtx, cancelAttempt := context.WithCancelCause(turnCtx)
	defer cancelAttempt(nil)
	deadlineCtx, cancelDeadline := context.WithDeadline(attemptCtx, wallDeadline)
	defer cancelDeadline()

	idle := time.AfterFunc(c.cfg.IdleTimeout, func() {
		cancelAttempt(errIdleTimeout)
	})
	defer idle.Stop()

	err := c.gen.Stream(deadlineCtx, req, func(chunk string) error {
		idle.Reset(c.cfg.IdleTimeout)
		c.appendChunk(t, chunk)
		return nil
	})
	if err != nil {
		if cause := context.Cause(deadlineCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return err
	}
	return nil
}

// retryable classifies a stream failure: both watchdog timeouts and
// transient transport failures are retried, client-class failures are not.
func retryable(err error) bool {
	if errors.Is(err, errIdleTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return llm.IsRetryable(err)
}

// appendChunk grows the pending message in place, in arrival order. The id
// stays stable across the whole turn so observers can follow one message.
func (c *Controller) appendChunk(t *turn, chunk string) {
	c.mu.Lock()
	for i := range c.msgs {
		if c.msgs[i].ID == t.pendingID {
			c.msgs[i].Content += chunk
			break
		}
	}
	c.mu.Unlock()

	t.emit(events.TextChunkEvent{MessageID: t.pendingID, Content: chunk})
}

// resetPending clears accumulated content before a retry; the next attempt
// rebuilds the message from scratch under the same id.
func (c *Controller) resetPending(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.msgs {
		if c.msgs[i].ID == t.pendingID {
			c.msgs[i].Content = ""
			return
		}
	}
}

// handleCancel applies the empty-vs-partial rule: no accumulated content
// removes the pending node entirely; partial content is kept and, for a
// user-initiated cancel, persisted as a truncated-but-complete message.
func (c *Controller) handleCancel(t *turn, persistPartial bool) {
	c.mu.Lock()
	pending, ok := c.findLocked(t.pendingID)
	if !ok {
		c.mu.Unlock()
		return
	}

	if pending.Content == "" && !c.hasChildLocked(t.pendingID) {
		c.removeLocked(t.pendingID)
		c.mu.Unlock()
		t.emit(events.CancelledEvent{MessageID: t.pendingID, Removed: true})
		return
	}
	c.mu.Unlock()

	t.emit(events.CancelledEvent{MessageID: t.pendingID, Removed: false})
	if persistPartial {
		c.finalizeTurn(t)
	}
}

// finalizeTurn extracts memory records out of the finished content, strips
// them from what gets displayed, and writes the message through the
// persistence adapter.
func (c *Controller) finalizeTurn(t *turn) {
	ctx := context.Background()

	c.mu.Lock()
	idx := -1
	for i := range c.msgs {
		if c.msgs[i].ID == t.pendingID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}

	records, cleaned := memory.Extract(c.msgs[idx].Content)
	c.msgs[idx].Content = cleaned
	final := c.msgs[idx]
	threadID := c.thread.ID
	c.mu.Unlock()

	if len(records) > 0 && c.mem != nil {
		if err := c.mem.Save(ctx, records); err != nil {
			c.log.Warn().Err(err).Msg("failed to save memory records")
		}
	}

	if err := c.store.AddMessage(ctx, threadID, &final); err != nil {
		c.log.Error().Err(err).Msg("failed to persist assistant message")
		t.emit(events.ErrorEvent{Error: err})
		return
	}
	if err := c.store.TouchThread(ctx, threadID); err != nil {
		c.log.Warn().Err(err).Msg("failed to touch thread")
	}

	t.emit(events.MessageDoneEvent{Message: &final})
}

// failTurn converts a terminal failure into user-visible message content so
// a stream error never leaves the turn stuck or throws past the controller.
func (c *Controller) failTurn(t *turn, err error) {
	content := genericFailureContent
	var clientErr *llm.ClientError
	if errors.As(err, &clientErr) {
		content = clientErr.Message
	}

	c.mu.Lock()
	for i := range c.msgs {
		if c.msgs[i].ID == t.pendingID {
			c.msgs[i].Content = content
			break
		}
	}
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("turn failed")
	t.emit(events.ErrorEvent{Error: err})
}

// hasChildLocked reports whether any message is parented under id. A
// force-cleared turn may run its cleanup after a successor has already
// attached a message beneath the pending node; removing it then would orphan
// the successor's subtree.
func (c *Controller) hasChildLocked(id uuid.UUID) bool {
	for _, m := range c.msgs {
		if m.ParentID != nil && *m.ParentID == id {
			return true
		}
	}
	return false
}

// removeLocked drops a message and any branch selections pointing at it.
func (c *Controller) removeLocked(id uuid.UUID) {
	out := c.msgs[:0]
	for _, m := range c.msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	c.msgs = out
	for key, selected := range c.branches {
		if selected == id {
			delete(c.branches, key)
		}
	}
}

func (c *Controller) finish(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == t {
		c.current = nil
	}
}
