package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/store"
)

const (
	DefaultModel        = "gpt-4o-mini"
	DefaultInstructions = "You are a helpful assistant replying to customers on WhatsApp. Keep replies short and plain. If the messages need no answer, reply with exactly NO_REPLY."
	defaultMaxTokens    = 512
)

// OpenAI generates replies with the OpenAI Responses API.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int

	mu           sync.RWMutex
	instructions string
}

func NewOpenAI(cfg config.ResponderConfig, extra ...option.RequestOption) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if t := cfg.TimeoutMs.Duration(); t > 0 {
		opts = append(opts, option.WithRequestTimeout(t))
	}
	opts = append(opts, extra...)

	o := &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
	if o.model == "" {
		o.model = DefaultModel
	}
	if o.maxTokens <= 0 {
		o.maxTokens = defaultMaxTokens
	}
	o.SetInstructions(cfg.SystemPrompt)
	return o
}

func (o *OpenAI) Name() string { return "openai" }

// SetInstructions replaces the system prompt; empty restores the default.
func (o *OpenAI) SetInstructions(s string) {
	if s == "" {
		s = DefaultInstructions
	}
	o.mu.Lock()
	o.instructions = s
	o.mu.Unlock()
}

func (o *OpenAI) Respond(ctx context.Context, req Request) (string, error) {
	o.mu.RLock()
	instructions := o.instructions
	o.mu.RUnlock()

	params := buildParams(o.model, instructions, o.maxTokens, req)
	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			slog.Warn("responder.openai_failed", "status", apiErr.StatusCode, "code", apiErr.Code, "message", apiErr.Message)
		}
		return "", fmt.Errorf("openai responses: %w", err)
	}

	text := Sanitize(outputText(resp))
	if text == "" || IsSilent(text) {
		return "", ErrEmptyReply
	}
	return text, nil
}

func buildParams(model, instructions string, maxTokens int, req Request) responses.ResponseNewParams {
	var items responses.ResponseInputParam
	for _, m := range req.History {
		text := m.Preview()
		if text == "" {
			continue
		}
		role := responses.EasyInputMessageRoleUser
		if m.Direction == store.DirectionOut {
			role = responses.EasyInputMessageRoleAssistant
		}
		items = append(items, responses.ResponseInputItemUnionParam{
			OfMessage: &responses.EasyInputMessageParam{
				Role:    role,
				Content: responses.EasyInputMessageContentUnionParam{OfString: openai.Opt(text)},
			},
		})
	}
	items = append(items, responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Role:    responses.EasyInputMessageRoleUser,
			Content: responses.EasyInputMessageContentUnionParam{OfString: openai.Opt(req.Batch)},
		},
	})

	return responses.ResponseNewParams{
		Model:           model,
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: items},
		Instructions:    openai.Opt(instructions),
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Store:           openai.Opt(false),
	}
}

func outputText(resp *responses.Response) string {
	var b strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				b.WriteString(c.Text)
			}
		}
	}
	return b.String()
}
