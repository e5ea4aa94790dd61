package outbound

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid matches every *ValidationError.
	ErrInvalid = errors.New("invalid send request")

	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationArchived = errors.New("conversation is archived")

	// ErrKeyConflict is returned when a client key is already taken by a
	// message of another conversation.
	ErrKeyConflict = errors.New("client key already used by another conversation")
)

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
