package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/channels"
	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/store"
)

const (
	defaultSendPerSec  = 5
	defaultSendTimeout = 15 * time.Second
	maxBackoff         = 30 * time.Second
)

// ErrBridge is returned when the bridge rejects a send.
var ErrBridge = errors.New("whatsapp bridge rejected message")

// frame is the bridge wire format. Which fields are set depends on Type:
//
//	message  bridge -> us   inbound message (ID, From, Chat, FromName, content fields)
//	receipt  bridge -> us   delivery progress for ID (Ack 1..4)
//	sent     bridge -> us   send for Ref accepted as ID
//	error    bridge -> us   send for Ref rejected with Error
//	send     us -> bridge   outbound message tagged with Ref
type frame struct {
	Type        string `json:"type"`
	Ref         string `json:"ref,omitempty"`
	ID          string `json:"id,omitempty"`
	From        string `json:"from,omitempty"`
	Chat        string `json:"chat,omitempty"`
	To          string `json:"to,omitempty"`
	FromName    string `json:"from_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content,omitempty"`
	Media       string `json:"media,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	Ack         int    `json:"ack,omitempty"`
	Error       string `json:"error,omitempty"`
}

type sendResult struct {
	id  string
	err error
}

// Channel connects to a WhatsApp bridge via WebSocket.
// The bridge handles the WhatsApp protocol; this channel exchanges JSON frames
// with it and correlates each send with the bridge's confirmation.
type Channel struct {
	*channels.BaseChannel
	config  config.WhatsAppConfig
	timeout time.Duration
	limiter *rate.Limiter
	dialer  *websocket.Dialer

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	pmu     sync.Mutex
	pending map[string]chan sendResult

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, router bus.MessageRouter) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	perSec := cfg.SendPerSec
	if perSec <= 0 {
		perSec = defaultSendPerSec
	}
	timeout := cfg.SendTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	return &Channel{
		BaseChannel: channels.NewBaseChannel(cfg.ID, cfg.TenantID, router, cfg.AllowFrom),
		config:      cfg,
		timeout:     timeout,
		limiter:     rate.NewLimiter(rate.Limit(perSec), 1),
		dialer:      &dialer,
		pending:     make(map[string]chan sendResult),
	}, nil
}

// Start connects to the bridge and begins listening. A failed first dial is
// not fatal: the listen loop keeps retrying.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "connection", c.ID(), "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "connection", c.ID(), "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the bridge connection and waits for the listen loop to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel", "connection", c.ID())

	if c.cancel != nil {
		c.cancel()
	}
	c.dropConn()
	if c.done != nil {
		<-c.done
	}
	c.SetRunning(false)
	return nil
}

// Send writes msg to the bridge and waits until the bridge confirms or
// rejects it. The returned id is the WhatsApp message id.
func (c *Channel) Send(ctx context.Context, msg *store.Message) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	ref := msg.ID.String()
	ch := make(chan sendResult, 1)
	c.pmu.Lock()
	c.pending[ref] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, ref)
		c.pmu.Unlock()
	}()

	out := frame{
		Type:        "send",
		Ref:         ref,
		To:          msg.ChatID,
		ContentType: string(msg.ContentType),
		Content:     msg.Text,
		Media:       msg.MediaRef,
		FileName:    msg.FileName,
	}
	if err := c.write(out); err != nil {
		return "", err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.id, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("whatsapp send %s: no confirmation after %v", ref, c.timeout)
	}
}

func (c *Channel) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return channels.ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

func (c *Channel) connect() error {
	conn, _, err := c.dialer.DialContext(c.ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "connection", c.ID(), "url", c.config.BridgeURL)
	return nil
}

// dropConn closes the connection and fails every send waiting on it.
func (c *Channel) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.pmu.Lock()
	for ref, ch := range c.pending {
		ch <- sendResult{err: channels.ErrNotConnected}
		delete(c.pending, ref)
	}
	c.pmu.Unlock()
}

// listenLoop reads frames from the bridge, reconnecting with backoff.
func (c *Channel) listenLoop() {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "connection", c.ID(), "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "connection", c.ID(), "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("whatsapp read error, will reconnect", "connection", c.ID(), "error", err)
			}
			c.dropConn()
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("invalid whatsapp frame", "connection", c.ID(), "error", err)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Channel) handleFrame(f frame) {
	switch f.Type {
	case "message":
		c.handleIncomingMessage(f)
	case "receipt":
		if f.ID != "" {
			c.HandleReceipt(c.ctx, f.ID, f.Ack)
		}
	case "sent":
		c.resolve(f.Ref, sendResult{id: f.ID})
	case "error":
		c.resolve(f.Ref, sendResult{err: fmt.Errorf("%w: %s", ErrBridge, f.Error)})
	default:
		slog.Debug("whatsapp frame ignored", "connection", c.ID(), "type", f.Type)
	}
}

func (c *Channel) resolve(ref string, res sendResult) {
	c.pmu.Lock()
	ch, ok := c.pending[ref]
	delete(c.pending, ref)
	c.pmu.Unlock()
	if !ok {
		slog.Debug("whatsapp confirmation for unknown ref", "connection", c.ID(), "ref", ref)
		return
	}
	ch <- res
}

// handleIncomingMessage turns a bridge message frame into a bus message.
func (c *Channel) handleIncomingMessage(f frame) {
	if f.From == "" {
		return
	}
	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}
	ct := f.ContentType
	if ct == "" {
		ct = string(store.ContentText)
	}

	slog.Debug("whatsapp message received",
		"connection", c.ID(),
		"chat_id", chatID,
		"preview", channels.Truncate(f.Content, 50),
	)

	c.HandleMessage(c.ctx, bus.InboundMessage{
		ChatID:      chatID,
		ExternalID:  f.ID,
		ContentType: ct,
		Text:        f.Content,
		MediaRef:    f.Media,
		FileName:    f.FileName,
		Author:      f.FromName,
	})
}
