// Package methods implements the WebSocket RPC methods beyond connect and health.
package methods

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/gateway"
	"github.com/nextlevelbuilder/wapipe/internal/outbound"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

// Sender records and dispatches an outbound message.
type Sender interface {
	Send(ctx context.Context, req outbound.SendRequest) (*store.Message, error)
}

// MessagesMethods handles send and messages.history.
type MessagesMethods struct {
	sender Sender
	convs  store.ConversationStore
	msgs   store.MessageStore
}

func NewMessagesMethods(sender Sender, convs store.ConversationStore, msgs store.MessageStore) *MessagesMethods {
	return &MessagesMethods{sender: sender, convs: convs, msgs: msgs}
}

// Register registers the message RPC methods.
func (m *MessagesMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSend, m.handleSend)
	router.Register(protocol.MethodHistory, m.handleHistory)
}

func (m *MessagesMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params outbound.SendRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
		return
	}
	params.TenantID = client.TenantID()

	msg, err := m.sender.Send(ctx, params)
	if err != nil {
		client.SendError(req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, msg))
}

type historyParams struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Limit          int       `json:"limit,omitempty"`
	Before         string    `json:"before,omitempty"`
}

func (m *MessagesMethods) handleHistory(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var p historyParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ConversationID == uuid.Nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "conversation_id is required"))
		return
	}
	if p.Limit < 0 {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "limit must not be negative"))
		return
	}

	conv, err := m.convs.Get(ctx, p.ConversationID)
	if err == nil && conv.TenantID != client.TenantID() {
		err = fmt.Errorf("conversation %s: %w", p.ConversationID, store.ErrNotFound)
	}
	if err != nil {
		client.SendError(req.ID, err)
		return
	}

	page, err := m.msgs.History(ctx, conv.ID, store.HistoryOpts{Limit: p.Limit, Before: p.Before})
	if err != nil {
		client.SendError(req.ID, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []store.Message{}
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, page))
}
