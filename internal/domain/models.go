package domain

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// AttachmentKind distinguishes how an attachment reaches the model:
// documents are inlined as text, images are passed as image references.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

type AttachmentMeta struct {
	Name string         `json:"name"`
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url,omitempty"`
	Text string         `json:"text,omitempty"`
}

// Message is one node of a thread's conversation tree. Messages sharing a
// ParentID are siblings: alternative assistant attempts (regenerations) or
// alternative user inputs (edits). A nil ParentID marks a root message.
// Seq is a per-thread monotonic insertion counter; sibling ordering is
// (CreatedAt, Seq) ascending so coarse clocks cannot reorder siblings.
type Message struct {
	ID          uuid.UUID        `gorm:"type:uuid;primary_key" json:"id"`
	ThreadID    uuid.UUID        `gorm:"type:uuid;index" json:"thread_id"`
	ParentID    *uuid.UUID       `gorm:"type:uuid;index" json:"parent_id"`
	Role        Role             `gorm:"type:text" json:"role"`
	Content     string           `json:"content"`
	Model       string           `json:"model,omitempty"`
	Seq         int64            `json:"seq"`
	CreatedAt   time.Time        `json:"created_at"`
	Attachments []AttachmentMeta `gorm:"serializer:json" json:"attachments,omitempty"`
}

// Thread is a single conversation. Owner is either an authenticated user id
// or an anonymous session id; the repository backing the thread differs but
// the record shape does not.
type Thread struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Owner     string    `gorm:"index" json:"owner"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const titlePreviewLimit = 50

// DeriveTitle builds a thread title from the first user message.
func DeriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) > titlePreviewLimit {
		return string(runes[:titlePreviewLimit-3]) + "..."
	}
	return content
}
