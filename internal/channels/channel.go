// Package channels is the transport layer. Each Channel is one connection (one
// WhatsApp number) owned by a tenant: it transmits stored outbound messages and
// feeds inbound messages and delivery receipts into the message bus.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/store"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotConnected      = errors.New("transport not connected")
)

// Channel is one transport connection.
type Channel interface {
	// ID returns the connection id.
	ID() string

	// TenantID returns the tenant that owns the connection.
	TenantID() string

	// Start begins listening. It returns once setup is done; reconnects happen
	// in the background.
	Start(ctx context.Context) error

	Stop(ctx context.Context) error

	// Send transmits msg and returns the transport's id for it once the
	// transport has accepted it.
	Send(ctx context.Context, msg *store.Message) (externalID string, err error)

	IsRunning() bool
}

// BaseChannel provides what every Channel shares. Implementations embed it.
type BaseChannel struct {
	id        string
	tenantID  string
	router    bus.MessageRouter
	running   atomic.Bool
	allowList []string
}

func NewBaseChannel(id, tenantID string, router bus.MessageRouter, allowList []string) *BaseChannel {
	return &BaseChannel{id: id, tenantID: tenantID, router: router, allowList: allowList}
}

func (c *BaseChannel) ID() string       { return c.id }
func (c *BaseChannel) TenantID() string { return c.tenantID }
func (c *BaseChannel) IsRunning() bool  { return c.running.Load() }

func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// IsAllowed checks a sender against the allowlist. An empty list allows all.
// Entries match with or without a leading "+" and a "@server" suffix.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	id := normalizeJID(senderID)
	for _, allowed := range c.allowList {
		if normalizeJID(allowed) == id {
			return true
		}
	}
	return false
}

func normalizeJID(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	if i := strings.IndexByte(s, '@'); i > 0 {
		s = s[:i]
	}
	return s
}

// HandleMessage stamps msg with this connection and publishes it to the bus.
// Senders outside the allowlist are dropped.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	if !c.IsAllowed(msg.ChatID) {
		slog.Debug("channel.sender_blocked", "connection", c.id, "chat_id", msg.ChatID)
		return
	}
	msg.TenantID = c.tenantID
	msg.ConnectionID = c.id
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	if err := c.router.PublishInbound(ctx, msg); err != nil {
		slog.Warn("channel.publish_inbound", "connection", c.id, "external_id", msg.ExternalID, "error", err)
	}
}

// HandleReceipt publishes a delivery receipt for a transport message id.
func (c *BaseChannel) HandleReceipt(ctx context.Context, externalID string, level int) {
	r := bus.Receipt{ConnectionID: c.id, ExternalID: externalID, Level: level, At: time.Now().UTC()}
	if err := c.router.PublishReceipt(ctx, r); err != nil {
		slog.Warn("channel.publish_receipt", "connection", c.id, "external_id", externalID, "error", err)
	}
}

// Truncate shortens s to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
