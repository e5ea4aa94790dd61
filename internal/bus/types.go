package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InboundMessage is a message received by a channel adapter from an external contact.
type InboundMessage struct {
	TenantID     string    `json:"tenant_id"`
	ConnectionID string    `json:"connection_id"`
	ChatID       string    `json:"chat_id"`
	ExternalID   string    `json:"external_id,omitempty"` // transport message id, used for dedupe
	ContentType  string    `json:"content_type"`
	Text         string    `json:"text,omitempty"`
	MediaRef     string    `json:"media_ref,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	Author       string    `json:"author,omitempty"` // sender display name
	ReceivedAt   time.Time `json:"received_at"`
}

// Receipt is a delivery acknowledgment reported by a transport.
// One of MessageID, ClientKey or ExternalID identifies the message.
type Receipt struct {
	MessageID    uuid.UUID `json:"message_id,omitempty"`
	ClientKey    string    `json:"client_key,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	Level        int       `json:"ack"`
	At           time.Time `json:"at"`
}

// InboundHandler handles one inbound message.
type InboundHandler func(ctx context.Context, msg InboundMessage) error

// MessageRouter abstracts the queues between channel adapters and the pipeline.
type MessageRouter interface {
	PublishInbound(ctx context.Context, msg InboundMessage) error
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishReceipt(ctx context.Context, r Receipt) error
	Receipts() <-chan Receipt
}
