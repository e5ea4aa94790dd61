// Package ack applies delivery receipts to messages.
//
// The ladder is queued(0) < sent(1) < server(2) < device(3) < read(4). A
// receipt only ever raises the stored level; stale or duplicate receipts are
// accepted silently and change nothing. Each accepted transition is persisted
// first and then published; transitions of one message are persisted and
// published under a per-message lock, so subscribers never see its level drop.
package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/fanout"
	"github.com/nextlevelbuilder/wapipe/internal/keyed"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

// ErrInvalidLevel is returned for receipts outside sent..read.
var ErrInvalidLevel = errors.New("ack: level must be between 1 and 4")

// ErrUnidentified is returned for receipts that name no message.
var ErrUnidentified = errors.New("ack: receipt does not identify a message")

// Publisher receives accepted transitions.
type Publisher interface {
	Publish(ev fanout.Event)
}

// Payload is the body of a message.ack event.
type Payload struct {
	MessageID uuid.UUID `json:"message_id"`
	ClientKey string    `json:"client_key,omitempty"`
	Ack       int       `json:"ack"`
	Error     string    `json:"error,omitempty"`
}

// Machine resolves receipts to messages and advances their ack level.
type Machine struct {
	msgs  store.MessageStore
	convs store.ConversationStore
	pub   Publisher
	locks *keyed.Mutex
}

func New(msgs store.MessageStore, convs store.ConversationStore, pub Publisher) *Machine {
	return &Machine{msgs: msgs, convs: convs, pub: pub, locks: keyed.NewMutex()}
}

// Apply applies one receipt. It returns the current row and whether the
// level changed. A stale receipt returns applied=false and no error.
func (m *Machine) Apply(ctx context.Context, r bus.Receipt) (*store.Message, bool, error) {
	level := store.AckLevel(r.Level)
	if level < store.AckSent || level > store.AckRead {
		return nil, false, fmt.Errorf("%w: got %d", ErrInvalidLevel, r.Level)
	}

	id, err := m.resolve(ctx, r)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.Acks.WithLabelValues("unknown").Inc()
		}
		return nil, false, err
	}

	unlock := m.locks.Lock(id.String())
	defer unlock()

	msg, changed, err := m.msgs.AdvanceAck(ctx, id, level)
	if err != nil {
		return nil, false, fmt.Errorf("advance ack: %w", err)
	}
	if !changed {
		metrics.Acks.WithLabelValues("stale").Inc()
		slog.Debug("ack.stale", "message", id, "stored", msg.Ack, "receipt", level)
		return msg, false, nil
	}
	metrics.Acks.WithLabelValues("advanced").Inc()
	m.notify(ctx, msg)
	return msg, true, nil
}

// Fail sets the failure sentinel on an unconfirmed message and publishes it.
func (m *Machine) Fail(ctx context.Context, id uuid.UUID, reason string) (*store.Message, error) {
	unlock := m.locks.Lock(id.String())
	defer unlock()

	msg, changed, err := m.msgs.MarkFailed(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	if changed {
		m.notify(ctx, msg)
	}
	return msg, nil
}

func (m *Machine) resolve(ctx context.Context, r bus.Receipt) (uuid.UUID, error) {
	switch {
	case r.MessageID != uuid.Nil:
		return r.MessageID, nil
	case r.ClientKey != "":
		msg, err := m.msgs.GetByClientKey(ctx, r.ClientKey)
		if err != nil {
			return uuid.Nil, err
		}
		return msg.ID, nil
	case r.ExternalID != "" && r.ConnectionID != "":
		msg, err := m.msgs.GetByExternalID(ctx, r.ConnectionID, r.ExternalID)
		if err != nil {
			return uuid.Nil, err
		}
		return msg.ID, nil
	}
	return uuid.Nil, ErrUnidentified
}

func (m *Machine) notify(ctx context.Context, msg *store.Message) {
	if m.pub == nil {
		return
	}
	conv, err := m.convs.Get(ctx, msg.ConversationID)
	if err != nil {
		slog.Warn("ack.notify_lookup_failed", "message", msg.ID, "error", err)
		return
	}
	m.pub.Publish(fanout.Event{
		Name:           protocol.EventMessageAck,
		TenantID:       conv.TenantID,
		ConnectionID:   conv.ConnectionID,
		ConversationID: conv.ID.String(),
		Payload:        Payload{MessageID: msg.ID, ClientKey: msg.ClientKey, Ack: int(msg.Ack), Error: msg.Error},
		At:             time.Now().UTC(),
	})
}

// Run consumes receipts until the channel closes or ctx is cancelled.
func (m *Machine) Run(ctx context.Context, receipts <-chan bus.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-receipts:
			if !ok {
				return
			}
			if _, _, err := m.Apply(ctx, r); err != nil {
				slog.Warn("ack.receipt_rejected", "external_id", r.ExternalID, "client_key", r.ClientKey, "ack", r.Level, "error", err)
			}
		}
	}
}
