package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit     = 30
	DefaultHistoryPageLimit = 15 // when paging back with a cursor
	MaxHistoryLimit         = 100
)

// Cursor is a position in a conversation's message history.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// EncodeCursor produces the opaque base64 form "unixMillis|id".
func EncodeCursor(c Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMilli(), 10) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	ms, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: time: %v", ErrInvalidCursor, err)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: id: %v", ErrInvalidCursor, err)
	}
	return Cursor{CreatedAt: time.UnixMilli(n).UTC(), ID: uid}, nil
}

// NormalizeHistoryLimit applies the default page sizes and the upper bound.
func NormalizeHistoryLimit(opts HistoryOpts) int {
	switch {
	case opts.Limit <= 0 && opts.Before != "":
		return DefaultHistoryPageLimit
	case opts.Limit <= 0:
		return DefaultHistoryLimit
	case opts.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return opts.Limit
}

// PageFromNewestFirst builds a page from rows fetched newest-first with one
// extra row beyond limit. The page is returned oldest-first, and NextCursor
// points before its oldest message when older rows exist.
func PageFromNewestFirst(rows []Message, limit int) *HistoryPage {
	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}
	page := &HistoryPage{Messages: make([]Message, len(rows))}
	for i, m := range rows {
		page.Messages[len(rows)-1-i] = m
	}
	if more && len(page.Messages) > 0 {
		oldest := page.Messages[0]
		page.NextCursor = EncodeCursor(Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID})
	}
	return page
}
