package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wapipe/internal/fanout"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 512 * 1024
	sendQueueDepth = 256
)

// Client is one WebSocket connection. A client must send "connect" before any
// other method; that call binds it to a tenant.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	events *fanout.ChanSubscriber

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	tenant string
}

func NewClient(conn *websocket.Conn, s *Server) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		server: s,
		events: fanout.NewChanSubscriber(id, s.subscriberBuffer),
		send:   make(chan []byte, sendQueueDepth),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Subscriber is the fan-out handle for this client.
func (c *Client) Subscriber() fanout.Subscriber { return c.events }

// TenantID returns the tenant bound by connect, or "".
func (c *Client) TenantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenant
}

// Authenticated reports whether connect has succeeded.
func (c *Client) Authenticated() bool { return c.TenantID() != "" }

func (c *Client) setTenant(tenant string) {
	c.mu.Lock()
	c.tenant = tenant
	c.mu.Unlock()
}

// Run serves the connection until the peer goes away or ctx is done.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump()
	go c.eventPump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws.read_error", "client", c.id, "error", err)
			}
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.SendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "malformed frame"))
			continue
		}
		c.server.router.Handle(ctx, c, &req)
	}
}

// eventPump forwards fan-out events to the socket. The subscriber channel is
// closed when the registry drops a slow client; the connection goes with it.
func (c *Client) eventPump() {
	for ev := range c.events.Events() {
		c.SendEvent(*protocol.NewEvent(ev.Name, ev))
	}
	c.Close()
}

// writePump owns all writes and closes the socket, which unblocks the reader.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// SendResponse queues a response frame.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) { c.enqueue(resp) }

// SendEvent queues an event frame.
func (c *Client) SendEvent(ev protocol.EventFrame) { c.enqueue(ev) }

// SendError answers req with err mapped to a protocol error code.
func (c *Client) SendError(reqID string, err error) {
	c.SendResponse(ErrorResponse(reqID, err))
}

// enqueue never blocks; a client whose queue is full is disconnected.
func (c *Client) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws.marshal_failed", "client", c.id, "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("ws.send_queue_full", "client", c.id)
		c.Close()
	}
}

// Close stops the pumps. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.events.Close()
	})
}
