package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

func newStores(t *testing.T) *store.Stores {
	t.Helper()
	s, err := NewSQLiteStores(context.Background(), store.StoreConfig{SQLitePath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStores: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newConversation(t *testing.T, s *store.Stores) *store.Conversation {
	t.Helper()
	c, err := s.Conversations.GetOrCreate(context.Background(), store.ConversationKey{TenantID: "t1", ConnectionID: "wa1", ChatID: "555"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return c
}

func outbound(conv *store.Conversation, key, text string) *store.Message {
	return &store.Message{
		ClientKey:      key,
		ConversationID: conv.ID,
		ConnectionID:   conv.ConnectionID,
		ChatID:         conv.ChatID,
		Direction:      store.DirectionOut,
		ContentType:    store.ContentText,
		Text:           text,
	}
}

func TestGetOrCreateIsStable(t *testing.T) {
	s := newStores(t)
	a := newConversation(t, s)
	b := newConversation(t, s)
	if a.ID != b.ID {
		t.Errorf("second GetOrCreate returned %s, want %s", b.ID, a.ID)
	}
	if a.Archived {
		t.Error("new conversation is archived")
	}
}

func TestArchiveAndReopen(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	c := newConversation(t, s)

	if err := s.Conversations.Archive(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Conversations.Get(ctx, c.ID)
	if !got.Archived {
		t.Fatal("conversation not archived")
	}

	// Outbound activity leaves it archived, inbound reopens it.
	at := time.Now().Add(time.Second)
	s.Conversations.Touch(ctx, c.ID, "out", at, false)
	if got, _ = s.Conversations.Get(ctx, c.ID); !got.Archived || got.Preview != "out" {
		t.Errorf("after outbound touch: archived=%v preview=%q", got.Archived, got.Preview)
	}
	s.Conversations.Touch(ctx, c.ID, "in", at.Add(time.Second), true)
	if got, _ = s.Conversations.Get(ctx, c.ID); got.Archived || got.Preview != "in" {
		t.Errorf("after inbound touch: archived=%v preview=%q", got.Archived, got.Preview)
	}

	// Older activity does not overwrite the preview.
	s.Conversations.Touch(ctx, c.ID, "old", at.Add(-time.Hour), false)
	if got, _ = s.Conversations.Get(ctx, c.ID); got.Preview != "in" {
		t.Errorf("preview = %q after stale touch, want in", got.Preview)
	}
}

func TestArchiveUnknown(t *testing.T) {
	s := newStores(t)
	err := s.Conversations.Archive(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Archive(unknown) = %v, want ErrNotFound", err)
	}
}

func TestInsertIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	c := newConversation(t, s)

	first, created, err := s.Messages.InsertIfAbsent(ctx, outbound(c, "k1", "hello"))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	second, created, err := s.Messages.InsertIfAbsent(ctx, outbound(c, "k1", "different"))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second insert reported created")
	}
	if second.ID != first.ID || second.Text != "hello" {
		t.Errorf("second insert returned %+v, want the original row", second)
	}

	got, err := s.Messages.ListByClientKeys(ctx, []string{"k1", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["k1"].ID != first.ID {
		t.Errorf("ListByClientKeys = %v", got)
	}
}

func TestInsertInboundDedupesExternalID(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	c := newConversation(t, s)

	in := &store.Message{
		ExternalID: "wamid.1", ConversationID: c.ID, ConnectionID: "wa1", ChatID: "555",
		Direction: store.DirectionIn, ContentType: store.ContentText, Text: "hi",
	}
	a, created, err := s.Messages.InsertInbound(ctx, in)
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	b, created, err := s.Messages.InsertInbound(ctx, in)
	if err != nil || created || b.ID != a.ID {
		t.Errorf("repeat: id=%s created=%v err=%v", b.ID, created, err)
	}
	got, err := s.Messages.GetByExternalID(ctx, "wa1", "wamid.1")
	if err != nil || got.ID != a.ID {
		t.Errorf("GetByExternalID = %v, %v", got, err)
	}
}

func TestAckOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	c := newConversation(t, s)
	m, _, _ := s.Messages.InsertIfAbsent(ctx, outbound(c, "k1", "x"))

	steps := []struct {
		level       store.AckLevel
		wantChanged bool
		wantAck     store.AckLevel
	}{
		{store.AckSent, true, store.AckSent},
		{store.AckDevice, true, store.AckDevice},
		{store.AckServer, false, store.AckDevice},
		{store.AckDevice, false, store.AckDevice},
		{store.AckRead, true, store.AckRead},
	}
	for _, st := range steps {
		got, changed, err := s.Messages.AdvanceAck(ctx, m.ID, st.level)
		if err != nil {
			t.Fatal(err)
		}
		if changed != st.wantChanged || got.Ack != st.wantAck {
			t.Errorf("AdvanceAck(%v): changed=%v ack=%v, want %v %v", st.level, changed, got.Ack, st.wantChanged, st.wantAck)
		}
	}

	if _, changed, _ := s.Messages.MarkFailed(ctx, m.ID, "late"); changed {
		t.Error("MarkFailed changed a confirmed message")
	}
}

func TestMarkFailedThenSent(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	c := newConversation(t, s)
	m, _, _ := s.Messages.InsertIfAbsent(ctx, outbound(c, "k1", "x"))

	got, changed, err := s.Messages.MarkFailed(ctx, m.ID, "bridge down")
	if err != nil || !changed || got.Ack != store.AckFailed || got.Error != "bridge down" {
		t.Fatalf("MarkFailed = %+v changed=%v err=%v", got, changed, err)
	}
	got, changed, _ = s.Messages.AdvanceAck(ctx, m.ID, store.AckSent)
	if !changed || got.Ack != store.AckSent || got.Error != "" {
		t.Errorf("retransmit ack = %v error=%q changed=%v", got.Ack, got.Error, changed)
	}
}

func TestHistoryPaging(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	c := newConversation(t, s)

	var ids []string
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		m, _, err := s.Messages.InsertIfAbsent(ctx, outbound(c, k, k))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.Text)
	}

	var got []string
	before := ""
	for pages := 0; pages < 5; pages++ {
		page, err := s.Messages.History(ctx, c.ID, store.HistoryOpts{Before: before, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		var texts []string
		for _, m := range page.Messages {
			texts = append(texts, m.Text)
		}
		got = append(texts, got...)
		if page.NextCursor == "" {
			break
		}
		before = page.NextCursor
	}
	if len(got) != len(ids) {
		t.Fatalf("history = %v, want %v", got, ids)
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("history = %v, want %v", got, ids)
			break
		}
	}
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	c := newConversation(t, s)
	queued, _, _ := s.Messages.InsertIfAbsent(ctx, outbound(c, "q", "q"))
	sent, _, _ := s.Messages.InsertIfAbsent(ctx, outbound(c, "s", "s"))
	s.Messages.AdvanceAck(ctx, sent.ID, store.AckSent)

	got, err := s.Messages.ListStale(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != queued.ID {
		t.Errorf("ListStale = %v, want only the queued message", got)
	}
	if got, _ = s.Messages.ListStale(ctx, time.Now().Add(-time.Minute), 10); len(got) != 0 {
		t.Errorf("ListStale(past) = %d rows, want 0", len(got))
	}
}
