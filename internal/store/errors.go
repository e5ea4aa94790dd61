package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable marks transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrInvalidCursor is returned for a history cursor that does not decode.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Unavailable wraps a backend error so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
