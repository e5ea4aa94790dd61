// Package outbound accepts send requests exactly once.
//
// A request is identified by its client key. The first request for a key
// stores the message and hands it to the dispatcher; every later request with
// the same key, concurrent or not, gets the stored row back and dispatches
// nothing.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/wapipe/internal/fanout"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/internal/tracing"
)

const maxClientKeyLen = 200

// SendRequest is one outbound message as submitted by a client.
type SendRequest struct {
	ClientKey      string            `json:"client_key"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	ConnectionID   string            `json:"connection_id,omitempty"` // optional, must match the conversation
	ChatID         string            `json:"chat_id,omitempty"`       // optional, must match the conversation
	ContentType    store.ContentType `json:"content_type"`
	Text           string            `json:"text,omitempty"`
	MediaRef       string            `json:"media_ref,omitempty"`
	FileName       string            `json:"file_name,omitempty"`
	Author         string            `json:"author,omitempty"`

	// TenantID, when set, must own the conversation. It comes from the
	// caller's credentials, never from the request body.
	TenantID string `json:"-"`
}

// Validate checks the request without touching the store.
func (r *SendRequest) Validate() error {
	key := strings.TrimSpace(r.ClientKey)
	switch {
	case key == "":
		return invalid("client_key", "required")
	case key != r.ClientKey:
		return invalid("client_key", "must not have surrounding whitespace")
	case utf8.RuneCountInString(key) > maxClientKeyLen:
		return invalid("client_key", fmt.Sprintf("longer than %d characters", maxClientKeyLen))
	}
	if r.ConversationID == uuid.Nil {
		return invalid("conversation_id", "required")
	}
	if r.ContentType == "" {
		r.ContentType = store.ContentText
	}
	if !r.ContentType.Valid() {
		return invalid("content_type", fmt.Sprintf("unknown type %q", r.ContentType))
	}
	if _, err := store.NewContent(r.ContentType, r.Text, r.MediaRef, r.FileName); err != nil {
		return invalid("content", strings.TrimPrefix(err.Error(), "invalid content: "))
	}
	return nil
}

// Dispatcher takes a newly stored message for delivery. Enqueue must not block.
type Dispatcher interface {
	Enqueue(msg *store.Message)
}

// Publisher receives message events.
type Publisher interface {
	Publish(ev fanout.Event)
}

// Gateway is the idempotent send entry point.
type Gateway struct {
	convs      store.ConversationStore
	msgs       store.MessageStore
	pub        Publisher
	dispatcher Dispatcher
}

func NewGateway(convs store.ConversationStore, msgs store.MessageStore, pub Publisher) *Gateway {
	return &Gateway{convs: convs, msgs: msgs, pub: pub}
}

// SetDispatcher wires the delivery side. The scheduler depends on the gateway,
// so it is attached after both exist.
func (g *Gateway) SetDispatcher(d Dispatcher) { g.dispatcher = d }

// Send records req and, if it is new, dispatches it. A replayed key returns the
// original row.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	ctx, span := tracing.Start(ctx, "outbound.send", attribute.String("client_key", req.ClientKey))
	msg, created, err := g.Record(ctx, req)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	if created && g.dispatcher != nil {
		g.dispatcher.Enqueue(msg)
	}
	return msg, nil
}

// Record stores req exactly once without dispatching it. created reports
// whether this call inserted the row.
func (g *Gateway) Record(ctx context.Context, req SendRequest) (msg *store.Message, created bool, err error) {
	defer func() { metrics.Sends.WithLabelValues(sendResult(created, err)).Inc() }()

	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	conv, err := g.convs.Get(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("load conversation: %w", err)
	}
	if req.TenantID != "" && req.TenantID != conv.TenantID {
		return nil, false, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	}
	if req.ConnectionID != "" && req.ConnectionID != conv.ConnectionID {
		return nil, false, invalid("connection_id", "does not match the conversation")
	}
	if req.ChatID != "" && req.ChatID != conv.ChatID {
		return nil, false, invalid("chat_id", "does not match the conversation")
	}

	row := &store.Message{
		ClientKey:      req.ClientKey,
		ConversationID: conv.ID,
		ConnectionID:   conv.ConnectionID,
		ChatID:         conv.ChatID,
		Direction:      store.DirectionOut,
		Author:         req.Author,
		Ack:            store.AckQueued,
	}
	content, _ := store.NewContent(req.ContentType, req.Text, req.MediaRef, req.FileName)
	row.SetContent(content)

	// A replay is answered even when the conversation was archived since.
	if prev, err := g.msgs.GetByClientKey(ctx, req.ClientKey); err == nil {
		if prev.ConversationID != conv.ID {
			return nil, false, fmt.Errorf("%w: %s", ErrKeyConflict, req.ClientKey)
		}
		return prev, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup client key: %w", err)
	}
	if conv.Archived {
		return nil, false, fmt.Errorf("%w: %s", ErrConversationArchived, conv.ID)
	}

	msg, created, err = g.msgs.InsertIfAbsent(ctx, row)
	if err != nil {
		return nil, false, fmt.Errorf("record message: %w", err)
	}
	if !created {
		if msg.ConversationID != conv.ID {
			return nil, false, fmt.Errorf("%w: %s", ErrKeyConflict, req.ClientKey)
		}
		slog.Debug("outbound.replay", "client_key", req.ClientKey, "message", msg.ID)
		return msg, false, nil
	}

	if err := g.convs.Touch(ctx, conv.ID, msg.Preview(), msg.CreatedAt, false); err != nil {
		slog.Warn("outbound.touch_failed", "conversation", conv.ID, "error", err)
	}
	if g.pub != nil {
		for _, ev := range fanout.MessageEvents(conv, msg) {
			g.pub.Publish(ev)
		}
	}
	return msg, true, nil
}

func sendResult(created bool, err error) string {
	switch {
	case err == nil && created:
		return "created"
	case err == nil:
		return "replayed"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	}
	return "error"
}
