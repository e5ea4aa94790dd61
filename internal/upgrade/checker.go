// Package upgrade checks that the Postgres schema matches this binary.
package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary is built for.
const RequiredSchemaVersion uint = 1

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// SchemaStatus is the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
}

// Err returns nil when the schema can be used as is.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return ErrSchemaDirty
	case s.CurrentVersion < s.RequiredVersion:
		return ErrSchemaOutdated
	case s.CurrentVersion > s.RequiredVersion:
		return ErrSchemaAhead
	}
	return nil
}

// CheckSchema reads golang-migrate's schema_migrations table. A missing table
// or row means nothing has been applied yet.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	s := &SchemaStatus{RequiredVersion: RequiredSchemaVersion}

	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if !exists {
		return s, nil
	}

	var version int64
	err = db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &s.Dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check schema: %w", err)
	}
	s.CurrentVersion = uint(version)
	return s, nil
}

// FormatError explains how to get from s to a usable schema.
func FormatError(s *SchemaStatus) string {
	switch s.Err() {
	case ErrSchemaDirty:
		return fmt.Sprintf("schema version %d is dirty after a failed migration; "+
			"fix the database, then run `wapipe migrate force %d`", s.CurrentVersion, s.CurrentVersion)
	case ErrSchemaAhead:
		return fmt.Sprintf("schema v%d is newer than this binary (requires v%d); upgrade wapipe",
			s.CurrentVersion, s.RequiredVersion)
	case ErrSchemaOutdated:
		return fmt.Sprintf("schema v%d, required v%d: run `wapipe migrate up`, "+
			"or set WAPIPE_AUTO_MIGRATE=true to migrate on startup", s.CurrentVersion, s.RequiredVersion)
	}
	return ""
}
