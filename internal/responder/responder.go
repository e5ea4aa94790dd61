// Package responder turns an aggregated batch of inbound messages into the
// text of a reply.
package responder

import (
	"context"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// ErrEmptyReply means the responder produced nothing to send.
var ErrEmptyReply = errors.New("empty reply")

// Request is the input for one reply.
type Request struct {
	Conversation *store.Conversation
	// Batch is the aggregated inbound text, one line per message.
	Batch string
	// History holds earlier messages of the conversation, oldest first.
	History []store.Message
}

// Responder produces reply text for a batch.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)

	// Name returns the responder identifier (e.g. "openai", "echo").
	Name() string
}

// New builds the responder selected by cfg.Provider.
func New(cfg config.ResponderConfig) (Responder, error) {
	switch cfg.Provider {
	case "", "echo":
		return Echo{}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("responder openai: WAPIPE_OPENAI_API_KEY is not set")
		}
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown responder provider %q", cfg.Provider)
	}
}

// Echo replies with the batch text. Useful for wiring tests and demos.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Respond(_ context.Context, req Request) (string, error) {
	if req.Batch == "" {
		return "", ErrEmptyReply
	}
	return req.Batch, nil
}
