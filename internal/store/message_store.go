package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// AckLevel is the delivery-acknowledgment ladder. AckFailed sits outside the
// ladder and marks a transmission that the transport rejected.
type AckLevel int

const (
	AckFailed AckLevel = -1
	AckQueued AckLevel = 0
	AckSent   AckLevel = 1
	AckServer AckLevel = 2
	AckDevice AckLevel = 3
	AckRead   AckLevel = 4
)

func (a AckLevel) String() string {
	switch a {
	case AckFailed:
		return "failed"
	case AckQueued:
		return "queued"
	case AckSent:
		return "sent"
	case AckServer:
		return "server"
	case AckDevice:
		return "device"
	case AckRead:
		return "read"
	}
	return "unknown"
}

// Confirmed reports whether the transport has accepted the message.
func (a AckLevel) Confirmed() bool { return a >= AckSent }

// Message is a single unit of chat content.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ClientKey      string      `json:"client_key,omitempty"`
	ExternalID     string      `json:"external_id,omitempty"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	ConnectionID   string      `json:"connection_id"`
	ChatID         string      `json:"chat_id"`
	Direction      Direction   `json:"direction"`
	ContentType    ContentType `json:"content_type"`
	Text           string      `json:"text,omitempty"`
	MediaRef       string      `json:"media_ref,omitempty"`
	FileName       string      `json:"file_name,omitempty"`
	Author         string      `json:"author,omitempty"`
	Ack            AckLevel    `json:"ack"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Content returns the typed payload. Rows written through NewContent always decode.
func (m *Message) Content() (Content, error) {
	return NewContent(m.ContentType, m.Text, m.MediaRef, m.FileName)
}

// SetContent writes the flat columns from c.
func (m *Message) SetContent(c Content) {
	m.ContentType, m.Text, m.MediaRef, m.FileName = Flatten(c)
}

// HistoryPage is one page of a conversation's messages in ascending order.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"` // pass as Before to load older messages
}

// HistoryOpts selects a page of history. Before is an opaque cursor.
type HistoryOpts struct {
	Before string
	Limit  int
}

// MessageStore persists messages.
type MessageStore interface {
	// InsertIfAbsent inserts msg unless a row with msg.ClientKey exists, in
	// which case the existing row is returned with created=false. The check and
	// insert are one atomic operation.
	InsertIfAbsent(ctx context.Context, msg *Message) (stored *Message, created bool, err error)

	// InsertInbound records an inbound message. A repeat of the same
	// (connection, external id) returns the existing row with created=false.
	InsertInbound(ctx context.Context, msg *Message) (stored *Message, created bool, err error)

	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	GetByClientKey(ctx context.Context, key string) (*Message, error)
	GetByExternalID(ctx context.Context, connectionID, externalID string) (*Message, error)

	// ListByClientKeys returns the rows that exist for keys, indexed by key.
	ListByClientKeys(ctx context.Context, keys []string) (map[string]*Message, error)

	// AdvanceAck raises ack to level when the stored level is lower and not yet
	// read. Returns the row and whether it changed.
	AdvanceAck(ctx context.Context, id uuid.UUID, level AckLevel) (*Message, bool, error)

	// MarkFailed sets AckFailed on a row that the transport has not confirmed.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*Message, bool, error)

	SetExternalID(ctx context.Context, id uuid.UUID, externalID string) error

	History(ctx context.Context, conversationID uuid.UUID, opts HistoryOpts) (*HistoryPage, error)

	// ListStale returns outbound rows still queued that were created before olderThan.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Message, error)
}

const previewRunes = 120

// Preview is the short form shown in conversation lists.
func (m *Message) Preview() string {
	text := strings.Join(strings.Fields(m.Text), " ")
	if m.ContentType != ContentText && m.ContentType != "" {
		tag := "[" + strings.ToUpper(string(m.ContentType[:1])) + string(m.ContentType[1:]) + "]"
		if text == "" {
			return tag
		}
		text = tag + " " + text
	}
	if r := []rune(text); len(r) > previewRunes {
		return string(r[:previewRunes-1]) + "…"
	}
	return text
}
