package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBusRoundTrip(t *testing.T) {
	mb := New()
	ctx := context.Background()

	if err := mb.PublishInbound(ctx, InboundMessage{ChatID: "c1", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok || msg.Text != "hi" {
		t.Fatalf("ConsumeInbound() = %+v, %v", msg, ok)
	}

	if err := mb.PublishReceipt(ctx, Receipt{ExternalID: "x", Level: 2}); err != nil {
		t.Fatal(err)
	}
	if r := <-mb.Receipts(); r.ExternalID != "x" || r.Level != 2 {
		t.Errorf("receipt = %+v", r)
	}

	mb.Close()
	if err := mb.PublishInbound(ctx, InboundMessage{}); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishInbound after Close = %v, want ErrClosed", err)
	}
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound on closed bus returned ok")
	}
}

func TestConsumeInboundHonorsContext(t *testing.T) {
	mb := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound on empty bus returned ok")
	}
}

func TestDedupeCache(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewDedupeCache(time.Minute, 2)
	c.now = func() time.Time { return now }

	if c.IsDuplicate("a") {
		t.Error("first sight of a reported as duplicate")
	}
	if !c.IsDuplicate("a") {
		t.Error("second sight of a not reported as duplicate")
	}
	if c.IsDuplicate("") || c.IsDuplicate("") {
		t.Error("empty key reported as duplicate")
	}

	now = now.Add(2 * time.Minute)
	if c.IsDuplicate("a") {
		t.Error("a still duplicate after TTL")
	}

	c.IsDuplicate("b")
	c.IsDuplicate("c") // evicts the oldest
	if len(c.seen) > 2 {
		t.Errorf("cache holds %d entries, max 2", len(c.seen))
	}
}

func TestDedupeCacheForget(t *testing.T) {
	c := NewDedupeCache(time.Minute, 10)
	c.IsDuplicate("wa1|in-1")
	c.Forget("wa1|in-1")
	if c.IsDuplicate("wa1|in-1") {
		t.Error("forgotten key still reported as duplicate")
	}
	c.Forget("")
}
