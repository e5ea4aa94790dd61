package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConversationKey identifies a conversation by its natural triple.
type ConversationKey struct {
	TenantID     string `json:"tenant_id"`
	ConnectionID string `json:"connection_id"`
	ChatID       string `json:"chat_id"`
}

func (k ConversationKey) String() string {
	return k.TenantID + "|" + k.ConnectionID + "|" + k.ChatID
}

// Conversation is the thread with one external contact on one connection.
type Conversation struct {
	ID             uuid.UUID `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ConnectionID   string    `json:"connection_id"`
	ChatID         string    `json:"chat_id"`
	Preview        string    `json:"preview,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
}

func (c *Conversation) Key() ConversationKey {
	return ConversationKey{TenantID: c.TenantID, ConnectionID: c.ConnectionID, ChatID: c.ChatID}
}

// ConversationStore persists conversations. Conversations are archived, never deleted.
type ConversationStore interface {
	// GetOrCreate returns the conversation for key, creating it on first sight.
	// Concurrent calls for the same key return the same row.
	GetOrCreate(ctx context.Context, key ConversationKey) (*Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// Touch records activity. An inbound touch (reopen=true) clears the archived flag.
	Touch(ctx context.Context, id uuid.UUID, preview string, at time.Time, reopen bool) error
	Archive(ctx context.Context, id uuid.UUID) error
}
