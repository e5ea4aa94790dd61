package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// fakeBridge accepts one connection and hands it to the test.
type fakeBridge struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	b := &fakeBridge{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string { return "ws" + strings.TrimPrefix(b.srv.URL, "http") }

func (b *fakeBridge) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("channel never connected to the bridge")
		return nil
	}
}

func startChannel(t *testing.T, cfg config.WhatsAppConfig) (*Channel, *bus.MessageBus, *websocket.Conn, *fakeBridge) {
	t.Helper()
	b := newFakeBridge(t)
	cfg.BridgeURL = b.url()
	if cfg.ID == "" {
		cfg.ID, cfg.TenantID = "wa1", "t1"
	}
	mb := bus.New()
	ch, err := New(cfg, mb)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ch.Stop(context.Background()) })
	return ch, mb, b.accept(t), b
}

func outbound(chat, text string) *store.Message {
	return &store.Message{
		ID:           uuid.New(),
		ConnectionID: "wa1",
		ChatID:       chat,
		Direction:    store.DirectionOut,
		ContentType:  store.ContentText,
		Text:         text,
	}
}

func TestNewRequiresBridgeURL(t *testing.T) {
	if _, err := New(config.WhatsAppConfig{ID: "wa1"}, bus.New()); err == nil {
		t.Error("New() without bridge_url succeeded")
	}
}

func TestSendReturnsBridgeID(t *testing.T) {
	ch, _, conn, _ := startChannel(t, config.WhatsAppConfig{})
	msg := outbound("555@s.whatsapp.net", "hello")

	go func() {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != "send" || f.To != msg.ChatID || f.Content != "hello" {
			conn.WriteJSON(frame{Type: "error", Ref: f.Ref, Error: "unexpected frame"})
			return
		}
		conn.WriteJSON(frame{Type: "sent", Ref: f.Ref, ID: "WA-1"})
	}()

	id, err := ch.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "WA-1" {
		t.Errorf("Send() id = %q, want WA-1", id)
	}
}

func TestSendRejectedByBridge(t *testing.T) {
	ch, _, conn, _ := startChannel(t, config.WhatsAppConfig{})

	go func() {
		var f frame
		if err := conn.ReadJSON(&f); err == nil {
			conn.WriteJSON(frame{Type: "error", Ref: f.Ref, Error: "not on whatsapp"})
		}
	}()

	_, err := ch.Send(context.Background(), outbound("1@s.whatsapp.net", "x"))
	if !errors.Is(err, ErrBridge) {
		t.Errorf("Send() error = %v, want ErrBridge", err)
	}
}

func TestSendTimesOut(t *testing.T) {
	ch, _, conn, _ := startChannel(t, config.WhatsAppConfig{SendTimeout: 50})
	go func() {
		var f frame
		conn.ReadJSON(&f)
	}()

	start := time.Now()
	if _, err := ch.Send(context.Background(), outbound("1@s.whatsapp.net", "x")); err == nil {
		t.Fatal("Send() without confirmation succeeded")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Send() took %v, want about 50ms", time.Since(start))
	}
}

func TestSendNotConnected(t *testing.T) {
	ch, err := New(config.WhatsAppConfig{ID: "wa1", TenantID: "t1", BridgeURL: "ws://127.0.0.1:1"}, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Send(context.Background(), outbound("1@s.whatsapp.net", "x")); err == nil {
		t.Error("Send() on unstarted channel succeeded")
	}
}

func TestInboundAndReceiptFrames(t *testing.T) {
	_, mb, conn, _ := startChannel(t, config.WhatsAppConfig{})

	conn.WriteJSON(frame{Type: "message", ID: "IN-1", From: "555@s.whatsapp.net", FromName: "Ana", Content: "hi"})
	conn.WriteJSON(frame{Type: "receipt", ID: "WA-9", Ack: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if in.TenantID != "t1" || in.ConnectionID != "wa1" || in.ChatID != "555@s.whatsapp.net" {
		t.Errorf("inbound routing = %+v", in)
	}
	if in.ExternalID != "IN-1" || in.Text != "hi" || in.Author != "Ana" || in.ContentType != "text" {
		t.Errorf("inbound content = %+v", in)
	}

	select {
	case r := <-mb.Receipts():
		if r.ConnectionID != "wa1" || r.ExternalID != "WA-9" || r.Level != 3 {
			t.Errorf("receipt = %+v", r)
		}
	case <-ctx.Done():
		t.Fatal("no receipt")
	}
}

func TestAllowlistDropsUnknownSenders(t *testing.T) {
	_, mb, conn, _ := startChannel(t, config.WhatsAppConfig{ID: "wa1", TenantID: "t1", AllowFrom: []string{"+555"}})

	conn.WriteJSON(frame{Type: "message", ID: "1", From: "999@s.whatsapp.net", Content: "blocked"})
	conn.WriteJSON(frame{Type: "message", ID: "2", From: "555@s.whatsapp.net", Content: "allowed"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, ok := mb.ConsumeInbound(ctx)
	if !ok || in.Text != "allowed" {
		t.Errorf("first inbound = %+v, %v; want the allowed sender", in, ok)
	}
}

func TestReconnectsAfterBridgeDrop(t *testing.T) {
	ch, _, conn, b := startChannel(t, config.WhatsAppConfig{})
	conn.Close()

	next := b.accept(t)
	go func() {
		var f frame
		if err := next.ReadJSON(&f); err == nil {
			next.WriteJSON(frame{Type: "sent", Ref: f.Ref, ID: "WA-2"})
		}
	}()

	// The first attempt may race the reconnect; retry until the new socket answers.
	deadline := time.Now().Add(3 * time.Second)
	for {
		id, err := ch.Send(context.Background(), outbound("1@s.whatsapp.net", "again"))
		if err == nil {
			if id != "WA-2" {
				t.Errorf("Send() id = %q, want WA-2", id)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Send() after reconnect: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
