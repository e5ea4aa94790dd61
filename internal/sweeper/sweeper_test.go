package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/internal/store/storetest"
)

type recorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recorder) Enqueue(msg *store.Message) {
	r.mu.Lock()
	r.ids = append(r.ids, msg.ID)
	r.mu.Unlock()
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{Schedule: "* * * * *", StaleAfter: time.Minute, BatchSize: 10}, false},
		{"bad cron", Config{Schedule: "every minute", StaleAfter: time.Minute, BatchSize: 10}, true},
		{"zero stale", Config{Schedule: "* * * * *", BatchSize: 10}, true},
		{"zero batch", Config{Schedule: "* * * * *", StaleAfter: time.Minute}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSweepRedrivesOnlyStaleQueued(t *testing.T) {
	mem := storetest.NewMemory()
	msgs := mem.MessageStore()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	mem.Now = func() time.Time { return clock }

	insert := func(key string, dir store.Direction) *store.Message {
		m := &store.Message{ClientKey: key, ConversationID: uuid.New(), ConnectionID: "wa1", ChatID: "c", Direction: dir, ContentType: store.ContentText, Text: key}
		got, _, err := msgs.InsertIfAbsent(ctx, m)
		if err != nil {
			t.Fatal(err)
		}
		return got
	}
	stale := insert("stale", store.DirectionOut)
	sent := insert("sent", store.DirectionOut)
	if _, _, err := msgs.AdvanceAck(ctx, sent.ID, store.AckSent); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(5 * time.Minute)
	insert("fresh", store.DirectionOut)

	rec := &recorder{}
	s, err := New(Config{Schedule: "* * * * *", StaleAfter: 2 * time.Minute, BatchSize: 10}, msgs, rec)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(6 * time.Minute) }

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(rec.ids) != 1 || rec.ids[0] != stale.ID {
		t.Errorf("Sweep() = %d, redriven %v; want only %s", n, rec.ids, stale.ID)
	}
}

func TestSweepStoreFailure(t *testing.T) {
	mem := storetest.NewMemory()
	mem.Fail = errors.New("db down")
	s, err := New(Config{Schedule: "* * * * *", StaleAfter: time.Minute, BatchSize: 1}, mem.MessageStore(), &recorder{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sweep(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Sweep() error = %v, want ErrUnavailable", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(Config{Schedule: "* * * * *", StaleAfter: time.Minute, BatchSize: 1}, storetest.NewMemory().MessageStore(), &recorder{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
