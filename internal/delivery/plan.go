// Package delivery paces multi-chunk replies to a conversation.
package delivery

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// ErrPlanHalted matches every *HaltError.
var ErrPlanHalted = errors.New("delivery plan halted")

// HaltError reports the chunk at which a plan stopped and why.
type HaltError struct {
	Index int
	Key   string
	Err   error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("delivery plan halted at chunk %d (%s): %v", e.Index, e.Key, e.Err)
}

func (e *HaltError) Is(target error) bool { return target == ErrPlanHalted }

func (e *HaltError) Unwrap() error { return e.Err }

// Chunk is one message of a plan. Key is its idempotency key.
type Chunk struct {
	Key  string
	Text string
}

// Plan is an ordered reply for one conversation.
type Plan struct {
	RootKey        string
	ConversationID uuid.UUID
	ConnectionID   string
	ChatID         string
	Author         string
	Chunks         []Chunk
}

// ChunkKey derives the idempotency key of chunk i. Keys are stable across
// retries of the same root key, which is what lets a resumed plan skip chunks
// that already went out.
func ChunkKey(rootKey string, i int) string {
	return rootKey + ":" + strconv.Itoa(i)
}

func NewPlan(rootKey string, conv *store.Conversation, texts []string) (Plan, error) {
	if rootKey == "" {
		return Plan{}, errors.New("delivery: empty root key")
	}
	if conv == nil {
		return Plan{}, errors.New("delivery: nil conversation")
	}
	p := Plan{
		RootKey:        rootKey,
		ConversationID: conv.ID,
		ConnectionID:   conv.ConnectionID,
		ChatID:         conv.ChatID,
	}
	for _, t := range texts {
		if t == "" {
			continue
		}
		p.Chunks = append(p.Chunks, Chunk{Key: ChunkKey(rootKey, len(p.Chunks)), Text: t})
	}
	if len(p.Chunks) == 0 {
		return Plan{}, errors.New("delivery: plan has no chunks")
	}
	return p, nil
}

// Result summarizes a Deliver call.
type Result struct {
	Sent    int // transmitted in this call
	Skipped int // already confirmed by an earlier attempt
}
