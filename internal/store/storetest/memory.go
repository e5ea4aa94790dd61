// Package storetest provides in-memory stores for component tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// Memory implements store.ConversationStore and store.MessageStore.
// Fail, when set, is returned by every call; use it to simulate an outage.
type Memory struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*store.Conversation
	byKey map[store.ConversationKey]uuid.UUID
	msgs  map[uuid.UUID]*store.Message
	order []uuid.UUID

	Fail error
	Now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		convs: make(map[uuid.UUID]*store.Conversation),
		byKey: make(map[store.ConversationKey]uuid.UUID),
		msgs:  make(map[uuid.UUID]*store.Message),
		Now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Stores wraps m in a store.Stores.
func (m *Memory) Stores() *store.Stores {
	return &store.Stores{Conversations: m, Messages: m.MessageStore(), Close: func() error { return nil }}
}

// MessageStore returns m viewed as a message store. Memory cannot implement
// both interfaces directly because Get differs in type.
func (m *Memory) MessageStore() *Messages { return &Messages{m: m} }

func (m *Memory) fail(op string) error {
	if m.Fail != nil {
		return store.Unavailable(op, m.Fail)
	}
	return nil
}

func (m *Memory) GetOrCreate(_ context.Context, key store.ConversationKey) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create conversation"); err != nil {
		return nil, err
	}
	if id, ok := m.byKey[key]; ok {
		c := *m.convs[id]
		return &c, nil
	}
	ts := m.Now()
	c := &store.Conversation{
		ID:             uuid.Must(uuid.NewV7()),
		TenantID:       key.TenantID,
		ConnectionID:   key.ConnectionID,
		ChatID:         key.ChatID,
		LastActivityAt: ts,
		CreatedAt:      ts,
	}
	m.convs[c.ID] = c
	m.byKey[key] = c.ID
	out := *c
	return &out, nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get conversation"); err != nil {
		return nil, err
	}
	c, ok := m.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *Memory) Touch(_ context.Context, id uuid.UUID, preview string, at time.Time, reopen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("touch conversation"); err != nil {
		return err
	}
	c, ok := m.convs[id]
	if !ok {
		return nil
	}
	at = at.UTC().Truncate(time.Millisecond)
	if !at.Before(c.LastActivityAt) {
		c.Preview = preview
		c.LastActivityAt = at
	}
	if reopen {
		c.Archived = false
	}
	return nil
}

func (m *Memory) Archive(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("archive conversation"); err != nil {
		return err
	}
	c, ok := m.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Archived = true
	return nil
}

// Messages is the message-store view of a Memory.
type Messages struct{ m *Memory }

func (s *Messages) InsertIfAbsent(_ context.Context, msg *store.Message) (*store.Message, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.fail("insert message"); err != nil {
		return nil, false, err
	}
	if msg.ClientKey == "" {
		return nil, false, errors.New("insert message: empty client key")
	}
	for _, id := range s.m.order {
		if existing := s.m.msgs[id]; existing.ClientKey == msg.ClientKey {
			out := *existing
			return &out, false, nil
		}
	}
	return s.insertLocked(msg), true, nil
}

func (s *Messages) InsertInbound(_ context.Context, msg *store.Message) (*store.Message, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.fail("insert message"); err != nil {
		return nil, false, err
	}
	if msg.ExternalID != "" {
		if existing := s.findLocked(func(x *store.Message) bool {
			return x.ConnectionID == msg.ConnectionID && x.ExternalID == msg.ExternalID
		}); existing != nil {
			out := *existing
			return &out, false, nil
		}
	}
	return s.insertLocked(msg), true, nil
}

func (s *Messages) insertLocked(msg *store.Message) *store.Message {
	row := *msg
	if row.ID == uuid.Nil {
		row.ID = uuid.Must(uuid.NewV7())
	}
	ts := s.m.Now()
	row.CreatedAt, row.UpdatedAt = ts, ts
	s.m.msgs[row.ID] = &row
	s.m.order = append(s.m.order, row.ID)
	out := row
	return &out
}

func (s *Messages) findLocked(match func(*store.Message) bool) *store.Message {
	for _, id := range s.m.order {
		if x := s.m.msgs[id]; match(x) {
			return x
		}
	}
	return nil
}

func (s *Messages) lookup(op string, match func(*store.Message) bool) (*store.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.fail(op); err != nil {
		return nil, err
	}
	x := s.findLocked(match)
	if x == nil {
		return nil, store.ErrNotFound
	}
	out := *x
	return &out, nil
}

func (s *Messages) Get(_ context.Context, id uuid.UUID) (*store.Message, error) {
	return s.lookup("get message", func(x *store.Message) bool { return x.ID == id })
}

func (s *Messages) GetByClientKey(_ context.Context, key string) (*store.Message, error) {
	return s.lookup("get message", func(x *store.Message) bool { return key != "" && x.ClientKey == key })
}

func (s *Messages) GetByExternalID(_ context.Context, connectionID, externalID string) (*store.Message, error) {
	return s.lookup("get message", func(x *store.Message) bool {
		return externalID != "" && x.ConnectionID == connectionID && x.ExternalID == externalID
	})
}

func (s *Messages) ListByClientKeys(_ context.Context, keys []string) (map[string]*store.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.fail("list messages"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make(map[string]*store.Message)
	for _, id := range s.m.order {
		x := s.m.msgs[id]
		if x.ClientKey != "" && want[x.ClientKey] {
			c := *x
			out[x.ClientKey] = &c
		}
	}
	return out, nil
}

func (s *Messages) update(op string, id uuid.UUID, apply func(*store.Message) bool) (*store.Message, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.fail(op); err != nil {
		return nil, false, err
	}
	x, ok := s.m.msgs[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	changed := apply(x)
	if changed {
		x.UpdatedAt = s.m.Now()
	}
	out := *x
	return &out, changed, nil
}

func (s *Messages) AdvanceAck(_ context.Context, id uuid.UUID, level store.AckLevel) (*store.Message, bool, error) {
	return s.update("advance ack", id, func(x *store.Message) bool {
		if x.Ack >= level {
			return false
		}
		x.Ack, x.Error = level, ""
		return true
	})
}

func (s *Messages) MarkFailed(_ context.Context, id uuid.UUID, reason string) (*store.Message, bool, error) {
	return s.update("mark failed", id, func(x *store.Message) bool {
		if x.Ack > store.AckQueued {
			return false
		}
		x.Ack, x.Error = store.AckFailed, reason
		return true
	})
}

func (s *Messages) SetExternalID(_ context.Context, id uuid.UUID, externalID string) error {
	_, _, err := s.update("set external id", id, func(x *store.Message) bool {
		x.ExternalID = externalID
		return true
	})
	return err
}

func (s *Messages) History(_ context.Context, conversationID uuid.UUID, opts store.HistoryOpts) (*store.HistoryPage, error) {
	limit := store.NormalizeHistoryLimit(opts)
	var cur *store.Cursor
	if opts.Before != "" {
		c, err := store.DecodeCursor(opts.Before)
		if err != nil {
			return nil, err
		}
		cur = &c
	}

	s.m.mu.Lock()
	if err := s.m.fail("history"); err != nil {
		s.m.mu.Unlock()
		return nil, err
	}
	var rows []store.Message
	for _, id := range s.m.order {
		x := s.m.msgs[id]
		if x.ConversationID != conversationID {
			continue
		}
		if cur != nil && !olderThan(x, *cur) {
			continue
		}
		rows = append(rows, *x)
	}
	s.m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return newer(&rows[i], &rows[j]) })
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}
	return store.PageFromNewestFirst(rows, limit), nil
}

func (s *Messages) ListStale(_ context.Context, before time.Time, limit int) ([]store.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.fail("list stale"); err != nil {
		return nil, err
	}
	var out []store.Message
	for _, id := range s.m.order {
		x := s.m.msgs[id]
		if x.Direction == store.DirectionOut && x.Ack == store.AckQueued && x.CreatedAt.Before(before) {
			out = append(out, *x)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func olderThan(x *store.Message, c store.Cursor) bool {
	if x.CreatedAt.Equal(c.CreatedAt) {
		return x.ID.String() < c.ID.String()
	}
	return x.CreatedAt.Before(c.CreatedAt)
}

func newer(a, b *store.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() > b.ID.String()
	}
	return a.CreatedAt.After(b.CreatedAt)
}
