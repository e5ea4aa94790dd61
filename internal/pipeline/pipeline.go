// Package pipeline connects the pieces of the inbound path: a message from a
// channel is stored, published and pushed into its conversation's aggregation
// window; when the window closes the batch is answered and the reply is
// delivered chunk by chunk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/wapipe/internal/aggregator"
	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/delivery"
	"github.com/nextlevelbuilder/wapipe/internal/fanout"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
	"github.com/nextlevelbuilder/wapipe/internal/responder"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/internal/tracing"
)

const (
	defaultHistoryTurns = 20
	dedupeTTL           = 20 * time.Minute
	dedupeMax           = 5000
)

// ErrRejected marks an inbound message that cannot be stored as given.
var ErrRejected = errors.New("inbound message rejected")

// Deliverer runs a reply plan.
type Deliverer interface {
	Deliver(ctx context.Context, plan delivery.Plan) (delivery.Result, error)
}

// Publisher receives message events.
type Publisher interface {
	Publish(ev fanout.Event)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Conversations store.ConversationStore
	Messages      store.MessageStore
	Events        Publisher
	Responder     responder.Responder
	Delivery      Deliverer
}

type Pipeline struct {
	Deps
	agg       *aggregator.Aggregator
	dedupe    *bus.DedupeCache
	chunkSize atomic.Int64
	history   int
}

// New builds the pipeline and its aggregator. aggCfg is validated here.
func New(deps Deps, aggCfg aggregator.Config, maxChunkChars int, opts ...aggregator.Option) (*Pipeline, error) {
	p := &Pipeline{
		Deps:    deps,
		dedupe:  bus.NewDedupeCache(dedupeTTL, dedupeMax),
		history: defaultHistoryTurns,
	}
	p.SetMaxChunkChars(maxChunkChars)

	opts = append([]aggregator.Option{aggregator.WithErrorSink(p.flushFailed)}, opts...)
	agg, err := aggregator.New(aggCfg, p.Flush, opts...)
	if err != nil {
		return nil, err
	}
	p.agg = agg
	return p, nil
}

func (p *Pipeline) Aggregator() *aggregator.Aggregator { return p.agg }

// SetMaxChunkChars sets the reply chunk size; <= 0 restores the default.
func (p *Pipeline) SetMaxChunkChars(n int) {
	if n <= 0 {
		n = delivery.DefaultMaxChunkChars
	}
	p.chunkSize.Store(int64(n))
}

// Ingest stores one inbound message, publishes it and adds it to the
// conversation's open window. A redelivered message (same connection and
// external id) is stored once and aggregated once.
func (p *Pipeline) Ingest(ctx context.Context, in bus.InboundMessage) error {
	if in.TenantID == "" || in.ConnectionID == "" || in.ChatID == "" {
		metrics.InboundMessages.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: tenant, connection and chat are required", ErrRejected)
	}
	var seenKey string
	if in.ExternalID != "" {
		seenKey = in.ConnectionID + "|" + in.ExternalID
		if p.dedupe.IsDuplicate(seenKey) {
			metrics.InboundMessages.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	ct := store.ContentType(in.ContentType)
	if ct == "" {
		ct = store.ContentText
	}
	content, err := store.NewContent(ct, in.Text, in.MediaRef, in.FileName)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	conv, err := p.Conversations.GetOrCreate(ctx, store.ConversationKey{
		TenantID: in.TenantID, ConnectionID: in.ConnectionID, ChatID: in.ChatID,
	})
	if err != nil {
		p.dedupe.Forget(seenKey)
		return fmt.Errorf("resolve conversation: %w", err)
	}

	msg := &store.Message{
		ExternalID:     in.ExternalID,
		ConversationID: conv.ID,
		ConnectionID:   in.ConnectionID,
		ChatID:         in.ChatID,
		Direction:      store.DirectionIn,
		Author:         in.Author,
	}
	msg.SetContent(content)

	row, created, err := p.Messages.InsertInbound(ctx, msg)
	if err != nil {
		// Not stored: a redelivery must get through.
		p.dedupe.Forget(seenKey)
		return fmt.Errorf("store inbound: %w", err)
	}
	if !created {
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.InboundMessages.WithLabelValues("stored").Inc()

	if err := p.Conversations.Touch(ctx, conv.ID, row.Preview(), row.CreatedAt, true); err != nil {
		slog.Warn("pipeline.touch_failed", "conversation", conv.ID, "error", err)
	}
	conv.Archived = false
	if p.Events != nil {
		for _, ev := range fanout.MessageEvents(conv, row) {
			p.Events.Publish(ev)
		}
	}

	return p.agg.Push(conv.ID.String(), *row)
}

// Run consumes the router's inbound queue until ctx is done or the queue closes.
// Messages are ingested one at a time so per-conversation arrival order holds.
func (p *Pipeline) Run(ctx context.Context, router bus.MessageRouter) {
	slog.Info("inbound consumer started")
	for {
		in, ok := router.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if err := p.Ingest(ctx, in); err != nil {
			slog.Warn("pipeline.ingest_failed",
				"connection", in.ConnectionID,
				"chat_id", in.ChatID,
				"external_id", in.ExternalID,
				"error", err,
			)
		}
	}
}

// ReplyKey is the root idempotency key of the reply to a batch. It depends
// only on the conversation and the newest inbound message, so answering the
// same batch twice records the same chunks.
func ReplyKey(conversationID, lastInbound uuid.UUID) string {
	return "reply:" + conversationID.String() + ":" + lastInbound.String()
}

// Flush answers one closed window. It is the aggregator's FlushFunc.
func (p *Pipeline) Flush(ctx context.Context, b aggregator.Batch) error {
	if len(b.Messages) == 0 {
		return nil
	}
	conv, err := p.Conversations.Get(ctx, b.ConversationID())
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.Archived {
		slog.Info("pipeline.skip_archived", "conversation", conv.ID, "messages", len(b.Messages))
		return nil
	}

	req := responder.Request{Conversation: conv, Batch: b.Text(), History: p.priorHistory(ctx, conv.ID, b)}
	ctx, span := tracing.Start(ctx, "pipeline.respond",
		attribute.String("responder", p.Responder.Name()),
		attribute.Int("history", len(req.History)),
	)
	reply, err := p.Responder.Respond(ctx, req)
	tracing.End(span, err)
	if errors.Is(err, responder.ErrEmptyReply) {
		slog.Info("pipeline.empty_reply", "conversation", conv.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}

	plan, err := delivery.NewPlan(ReplyKey(conv.ID, b.Last().ID), conv, delivery.Split(reply, int(p.chunkSize.Load())))
	if err != nil {
		return err
	}
	res, err := p.Delivery.Deliver(ctx, plan)
	if err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	slog.Debug("pipeline.replied", "conversation", conv.ID, "chunks", len(plan.Chunks), "sent", res.Sent, "skipped", res.Skipped)
	return nil
}

// priorHistory returns the recent messages of the conversation that are not
// part of the batch, oldest first. History is context only; a failure to load
// it is logged and the reply goes ahead without it.
func (p *Pipeline) priorHistory(ctx context.Context, conversationID uuid.UUID, b aggregator.Batch) []store.Message {
	page, err := p.Messages.History(ctx, conversationID, store.HistoryOpts{Limit: p.history + len(b.Messages)})
	if err != nil {
		slog.Warn("pipeline.history_failed", "conversation", conversationID, "error", err)
		return nil
	}
	inBatch := make(map[uuid.UUID]bool, len(b.Messages))
	for _, m := range b.Messages {
		inBatch[m.ID] = true
	}
	out := make([]store.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if !inBatch[m.ID] {
			out = append(out, m)
		}
	}
	if len(out) > p.history {
		out = out[len(out)-p.history:]
	}
	return out
}

func (p *Pipeline) flushFailed(b aggregator.Batch, err error) {
	var halt *delivery.HaltError
	if errors.As(err, &halt) {
		slog.Warn("pipeline.reply_halted", "key", b.Key, "chunk", halt.Index, "error", halt.Err)
		return
	}
	slog.Error("pipeline.reply_failed", "key", b.Key, "messages", len(b.Messages), "error", err)
}

// Stop flushes the open windows and waits for their replies.
func (p *Pipeline) Stop() { p.agg.Stop() }
