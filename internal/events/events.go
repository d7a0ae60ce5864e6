package events

import (
	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/domain"
)

// EventType defines the type of streaming event
type EventType int

const (
	EventTypeTextChunk EventType = iota
	EventTypeReconnecting
	EventTypeNewMessage
	EventTypeMessageDone
	EventTypeCancelled
	EventTypeError
)

// Event is the interface for all streaming events
type Event interface {
	Type() EventType
}

// TextChunkEvent carries one incremental piece of assistant output. Content
// is the chunk, not the accumulated text; observers append in arrival order.
type TextChunkEvent struct {
	MessageID uuid.UUID
	Content   string
}

func (e TextChunkEvent) Type() EventType {
	return EventTypeTextChunk
}

// ReconnectingEvent marks a transient failure between retry attempts. The
// pending message's content has been cleared and will be rebuilt from
// scratch by the next attempt.
type ReconnectingEvent struct {
	MessageID uuid.UUID
	Attempt   int
}

func (e ReconnectingEvent) Type() EventType {
	return EventTypeReconnecting
}

// NewMessageEvent announces a message admitted into the tree.
type NewMessageEvent struct {
	Message *domain.Message
}

func (e NewMessageEvent) Type() EventType {
	return EventTypeNewMessage
}

// MessageDoneEvent marks a finalized (persisted) assistant message.
type MessageDoneEvent struct {
	Message *domain.Message
}

func (e MessageDoneEvent) Type() EventType {
	return EventTypeMessageDone
}

// CancelledEvent marks a user-initiated abort. Removed reports whether the
// pending message was dropped (no accumulated content) or kept as partial.
type CancelledEvent struct {
	MessageID uuid.UUID
	Removed   bool
}

func (e CancelledEvent) Type() EventType {
	return EventTypeCancelled
}

// ErrorEvent represents a terminal failure during processing
type ErrorEvent struct {
	Error error
}

func (e ErrorEvent) Type() EventType {
	return EventTypeError
}
