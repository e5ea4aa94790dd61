// Package sqlite is the single-node durable store: one database file,
// no external services.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/internal/store/sqlstore"
)

//go:embed schema.sql
var schema string

// OpenDB opens (creating if needed) the database at path and applies the schema.
// Writes are funneled through a single connection; SQLite serializes them anyway.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_time_format", "sqlite")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by one SQLite file.
func NewSQLiteStores(ctx context.Context, cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &store.Stores{
		Conversations: sqlstore.NewConversationStore(db),
		Messages:      sqlstore.NewMessageStore(db, sqlstore.SQLite),
		Close:         db.Close,
	}, nil
}
