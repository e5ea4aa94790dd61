// Package sqlstore implements the conversation and message stores on
// database/sql. The same statements run on Postgres and SQLite; Dialect
// covers the few places where they differ.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// Dialect describes backend differences.
type Dialect struct {
	Name string
	// ArrayParams reports whether the driver binds arrays (Postgres ANY($1)).
	ArrayParams bool
}

var (
	Postgres = Dialect{Name: "postgres", ArrayParams: true}
	SQLite   = Dialect{Name: "sqlite"}
)

const messageColumns = `id, client_key, external_id, conversation_id, connection_id, chat_id, direction,
	content_type, text, media_ref, file_name, author, ack, error, created_at, updated_at`

// MessageStore implements store.MessageStore.
type MessageStore struct {
	db  *sql.DB
	d   Dialect
	now func() time.Time
}

func NewMessageStore(db *sql.DB, d Dialect) *MessageStore {
	return &MessageStore{db: db, d: d, now: now}
}

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func (s *MessageStore) InsertIfAbsent(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if msg.ClientKey == "" {
		return nil, false, fmt.Errorf("insert message: empty client key")
	}
	return s.insert(ctx, msg, "client_key", func() (*store.Message, error) {
		return s.GetByClientKey(ctx, msg.ClientKey)
	})
}

func (s *MessageStore) InsertInbound(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if msg.ExternalID == "" {
		// Nothing to deduplicate on: plain insert.
		return s.insert(ctx, msg, "", nil)
	}
	return s.insert(ctx, msg, "connection_id, external_id", func() (*store.Message, error) {
		return s.GetByExternalID(ctx, msg.ConnectionID, msg.ExternalID)
	})
}

// insert runs one INSERT ... ON CONFLICT DO NOTHING. When the conflict target
// swallows the row, existing() loads the winner.
func (s *MessageStore) insert(ctx context.Context, msg *store.Message, conflict string, existing func() (*store.Message, error)) (*store.Message, bool, error) {
	row := *msg
	if row.ID == uuid.Nil {
		row.ID = uuid.Must(uuid.NewV7())
	}
	ts := s.now()
	row.CreatedAt, row.UpdatedAt = ts, ts

	q := `INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	if conflict != "" {
		q += ` ON CONFLICT (` + conflict + `) DO NOTHING`
	}
	res, err := s.db.ExecContext(ctx, q,
		row.ID, nullString(row.ClientKey), nullString(row.ExternalID), row.ConversationID, row.ConnectionID, row.ChatID,
		string(row.Direction), string(row.ContentType), row.Text, row.MediaRef, row.FileName, row.Author,
		int(row.Ack), row.Error, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return nil, false, store.Unavailable("insert message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, store.Unavailable("insert message", err)
	}
	if n == 1 || existing == nil {
		return &row, true, nil
	}
	prev, err := existing()
	if err != nil {
		return nil, false, err
	}
	return prev, false, nil
}

func (s *MessageStore) Get(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	return s.getOne(ctx, "id = $1", id)
}

func (s *MessageStore) GetByClientKey(ctx context.Context, key string) (*store.Message, error) {
	return s.getOne(ctx, "client_key = $1", key)
}

func (s *MessageStore) GetByExternalID(ctx context.Context, connectionID, externalID string) (*store.Message, error) {
	return s.getOne(ctx, "connection_id = $1 AND external_id = $2", connectionID, externalID)
}

func (s *MessageStore) getOne(ctx context.Context, where string, args ...interface{}) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get message", err)
	}
	return m, nil
}

func (s *MessageStore) ListByClientKeys(ctx context.Context, keys []string) (map[string]*store.Message, error) {
	out := make(map[string]*store.Message, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var (
		q    string
		args []interface{}
	)
	if s.d.ArrayParams {
		q = `SELECT ` + messageColumns + ` FROM messages WHERE client_key = ANY($1)`
		args = []interface{}{pq.Array(keys)}
	} else {
		ph := make([]string, len(keys))
		for i, k := range keys {
			ph[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, k)
		}
		q = `SELECT ` + messageColumns + ` FROM messages WHERE client_key IN (` + strings.Join(ph, ", ") + `)`
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Unavailable("list messages", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, store.Unavailable("list messages", err)
	}
	for i := range msgs {
		out[msgs[i].ClientKey] = &msgs[i]
	}
	return out, nil
}

func (s *MessageStore) AdvanceAck(ctx context.Context, id uuid.UUID, level store.AckLevel) (*store.Message, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET ack = $2, error = '', updated_at = $3 WHERE id = $1 AND ack < $2`,
		id, int(level), s.now())
	if err != nil {
		return nil, false, store.Unavailable("advance ack", err)
	}
	n, _ := res.RowsAffected()
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return msg, n > 0, nil
}

func (s *MessageStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*store.Message, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET ack = $2, error = $3, updated_at = $4 WHERE id = $1 AND ack <= $5`,
		id, int(store.AckFailed), reason, s.now(), int(store.AckQueued))
	if err != nil {
		return nil, false, store.Unavailable("mark failed", err)
	}
	n, _ := res.RowsAffected()
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return msg, n > 0, nil
}

func (s *MessageStore) SetExternalID(ctx context.Context, id uuid.UUID, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET external_id = $2, updated_at = $3 WHERE id = $1`,
		id, nullString(externalID), s.now())
	if err != nil {
		return store.Unavailable("set external id", err)
	}
	return nil
}

func (s *MessageStore) History(ctx context.Context, conversationID uuid.UUID, opts store.HistoryOpts) (*store.HistoryPage, error) {
	limit := store.NormalizeHistoryLimit(opts)

	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1`
	args := []interface{}{conversationID}
	if opts.Before != "" {
		c, err := store.DecodeCursor(opts.Before)
		if err != nil {
			return nil, err
		}
		q += ` AND (created_at < $2 OR (created_at = $2 AND id < $3))`
		args = append(args, c.CreatedAt, c.ID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Unavailable("history", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, store.Unavailable("history", err)
	}
	return store.PageFromNewestFirst(msgs, limit), nil
}

func (s *MessageStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE direction = 'out' AND ack = 0 AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		olderThan.UTC(), limit)
	if err != nil {
		return nil, store.Unavailable("list stale", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, store.Unavailable("list stale", err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (*store.Message, error) {
	var (
		m                     store.Message
		clientKey, externalID sql.NullString
		direction, ctype      string
		ack                   int
	)
	err := r.Scan(&m.ID, &clientKey, &externalID, &m.ConversationID, &m.ConnectionID, &m.ChatID, &direction,
		&ctype, &m.Text, &m.MediaRef, &m.FileName, &m.Author, &ack, &m.Error, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ClientKey = clientKey.String
	m.ExternalID = externalID.String
	m.Direction = store.Direction(direction)
	m.ContentType = store.ContentType(ctype)
	m.Ack = store.AckLevel(ack)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
