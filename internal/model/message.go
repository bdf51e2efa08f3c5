package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks ids generated on this client before the server has
// confirmed the message.
const LocalIDPrefix = "local-"

// Kind is the content type of a message.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem, KindAudio, KindVideo:
		return true
	}
	return false
}

// Status is the delivery state of a message. The happy path only moves
// forward: sending, sent, delivered, read. Failed is terminal.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next is allowed.
// Only a message still in flight can fail, and nothing leaves failed.
func (s Status) CanTransition(next Status) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	if next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	SizeBytes    int64  `json:"sizeBytes"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Message is a single chat message, either confirmed by the server or a
// local placeholder awaiting confirmation.
type Message struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversationId"`
	SenderID         string          `json:"senderId"`
	Content          string          `json:"content"`
	Kind             Kind            `json:"kind"`
	CreatedAt        time.Time       `json:"createdAt"`
	Attachments      []Attachment    `json:"attachments,omitempty"`
	ReplyToMessageID string          `json:"replyToMessageId,omitempty"`
	RelatedContext   json.RawMessage `json:"relatedContext,omitempty"`
	Status           Status          `json:"status"`
	ReadAt           *time.Time      `json:"readAt,omitempty"`
	DeliveredAt      *time.Time      `json:"deliveredAt,omitempty"`
}

// IsLocal reports whether m is still an unconfirmed placeholder.
func (m Message) IsLocal() bool {
	return IsLocalID(m.ID)
}

// Clone returns a copy of m that shares no mutable state with it.
func (m Message) Clone() Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.RelatedContext != nil {
		c.RelatedContext = append(json.RawMessage(nil), m.RelatedContext...)
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	return c
}

// Preview is the short text shown in conversation lists.
func (m Message) Preview() string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.Attachments) > 0 {
		return m.Attachments[0].Name
	}
	return string(m.Kind)
}

// NewLocalID returns a fresh placeholder id.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was generated by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
