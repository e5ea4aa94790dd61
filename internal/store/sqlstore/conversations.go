package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

const conversationColumns = `id, tenant_id, connection_id, chat_id, preview, last_activity_at, archived, created_at`

// ConversationStore implements store.ConversationStore.
type ConversationStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db, now: now}
}

func (s *ConversationStore) GetOrCreate(ctx context.Context, key store.ConversationKey) (*store.Conversation, error) {
	ts := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, '', $5, FALSE, $5)
		 ON CONFLICT (tenant_id, connection_id, chat_id) DO NOTHING`,
		uuid.Must(uuid.NewV7()), key.TenantID, key.ConnectionID, key.ChatID, ts)
	if err != nil {
		return nil, store.Unavailable("create conversation", err)
	}
	return s.getOne(ctx, `tenant_id = $1 AND connection_id = $2 AND chat_id = $3`, key.TenantID, key.ConnectionID, key.ChatID)
}

func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	return s.getOne(ctx, `id = $1`, id)
}

func (s *ConversationStore) Touch(ctx context.Context, id uuid.UUID, preview string, at time.Time, reopen bool) error {
	at = at.UTC().Truncate(time.Millisecond)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET preview = $2, last_activity_at = $3 WHERE id = $1 AND last_activity_at <= $3`,
		id, preview, at); err != nil {
		return store.Unavailable("touch conversation", err)
	}
	if reopen {
		if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET archived = FALSE WHERE id = $1 AND archived`, id); err != nil {
			return store.Unavailable("reopen conversation", err)
		}
	}
	return nil
}

func (s *ConversationStore) Archive(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET archived = TRUE WHERE id = $1`, id)
	if err != nil {
		return store.Unavailable("archive conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ConversationStore) getOne(ctx context.Context, where string, args ...interface{}) (*store.Conversation, error) {
	var c store.Conversation
	err := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE `+where, args...).
		Scan(&c.ID, &c.TenantID, &c.ConnectionID, &c.ChatID, &c.Preview, &c.LastActivityAt, &c.Archived, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get conversation", err)
	}
	c.LastActivityAt = c.LastActivityAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}
