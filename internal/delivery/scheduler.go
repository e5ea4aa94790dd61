package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/keyed"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
	"github.com/nextlevelbuilder/wapipe/internal/outbound"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/internal/tracing"
)

// Transport transmits one stored message and returns the transport's id for it.
type Transport interface {
	Send(ctx context.Context, msg *store.Message) (externalID string, err error)
}

// Recorder stores a chunk exactly once (the send gateway).
type Recorder interface {
	Record(ctx context.Context, req outbound.SendRequest) (*store.Message, bool, error)
}

// Acker moves messages along the ack ladder.
type Acker interface {
	Apply(ctx context.Context, r bus.Receipt) (*store.Message, bool, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) (*store.Message, error)
}

// Delays bounds the random pause between two transmitted chunks.
type Delays struct {
	Min time.Duration
	Max time.Duration
}

func DelaysFrom(d config.DeliveryConfig) Delays {
	return Delays{Min: d.MinChunkDelayMs.Duration(), Max: d.MaxChunkDelayMs.Duration()}
}

func (d Delays) Validate() error {
	for _, v := range []time.Duration{d.Min, d.Max} {
		if v%time.Millisecond != 0 {
			return fmt.Errorf("delivery: delay %v: %w", v, config.ErrInvalidDuration)
		}
		if _, err := config.CheckMillis(v.Milliseconds()); err != nil {
			return fmt.Errorf("delivery: %w", err)
		}
	}
	if d.Min > d.Max {
		return fmt.Errorf("delivery: min delay %v above max delay %v: %w", d.Min, d.Max, config.ErrInvalidDuration)
	}
	return nil
}

// pick returns a uniform duration in [Min, Max].
func (d Delays) pick() time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + rand.N(d.Max-d.Min+1)
}

// WaitFunc sleeps for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWait replaces the inter-chunk sleep.
func WithWait(w WaitFunc) Option { return func(s *Scheduler) { s.wait = w } }

// Scheduler delivers plans chunk by chunk. Plans for one conversation never
// interleave; plans for different conversations run in parallel.
type Scheduler struct {
	rec       Recorder
	transport Transport
	acks      Acker
	msgs      store.MessageStore
	wait      WaitFunc

	mu     sync.Mutex
	delays Delays
	active map[uuid.UUID]map[uint64]context.CancelFunc
	seq    uint64

	locks *keyed.Mutex

	// background work started by Enqueue
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewScheduler(rec Recorder, tr Transport, acks Acker, msgs store.MessageStore, delays Delays, opts ...Option) (*Scheduler, error) {
	if err := delays.Validate(); err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		rec:       rec,
		transport: tr,
		acks:      acks,
		msgs:      msgs,
		wait:      sleep,
		delays:    delays,
		active:    make(map[uuid.UUID]map[uint64]context.CancelFunc),
		locks:     keyed.NewMutex(),
		ctx:       ctx,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// UpdateDelays swaps the delay bounds for chunks transmitted from now on.
func (s *Scheduler) UpdateDelays(min, max time.Duration) error {
	d := Delays{Min: min, Max: max}
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.delays = d
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	d := s.delays
	s.mu.Unlock()
	return d.pick()
}

// track registers a cancellable context for conversation id.
func (s *Scheduler) track(ctx context.Context, id uuid.UUID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.seq++
	token := s.seq
	if s.active[id] == nil {
		s.active[id] = make(map[uint64]context.CancelFunc)
	}
	s.active[id][token] = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		delete(s.active[id], token)
		if len(s.active[id]) == 0 {
			delete(s.active, id)
		}
		s.mu.Unlock()
		cancel()
	}
}

// Cancel stops every running or waiting plan of the conversation. A cancelled
// plan transmits nothing further, even if it is sleeping between chunks.
func (s *Scheduler) Cancel(conversationID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cancel := range s.active[conversationID] {
		cancel()
		n++
	}
	return n
}

// Deliver sends the plan's chunks in order. Chunks already confirmed by an
// earlier attempt with the same root key are skipped without a delay. The
// first transport failure marks that chunk failed and halts the plan.
func (s *Scheduler) Deliver(ctx context.Context, plan Plan) (res Result, err error) {
	if len(plan.Chunks) == 0 {
		return res, errors.New("delivery: plan has no chunks")
	}
	ctx, done := s.track(ctx, plan.ConversationID)
	defer done()

	unlock := s.locks.Lock(plan.ConversationID.String())
	defer unlock()

	ctx, span := tracing.Start(ctx, "delivery.plan",
		attribute.String("plan.root_key", plan.RootKey),
		attribute.Int("plan.chunks", len(plan.Chunks)))
	defer func() { tracing.End(span, err) }()

	// One lookup finds the chunks an earlier attempt already delivered.
	keys := make([]string, len(plan.Chunks))
	for i, ch := range plan.Chunks {
		keys[i] = ch.Key
	}
	prior, err := s.msgs.ListByClientKeys(ctx, keys)
	if err != nil {
		return res, s.halt(plan, 0, err)
	}

	last := len(plan.Chunks) - 1
	for i, ch := range plan.Chunks {
		if ctx.Err() != nil {
			metrics.Chunks.WithLabelValues("cancelled").Inc()
			return res, &HaltError{Index: i, Key: ch.Key, Err: ctx.Err()}
		}
		if p, ok := prior[ch.Key]; ok && p.ConversationID == plan.ConversationID && p.Ack.Confirmed() {
			res.Skipped++
			metrics.Chunks.WithLabelValues("skipped").Inc()
			continue
		}

		msg, _, err := s.rec.Record(ctx, outbound.SendRequest{
			ClientKey:      ch.Key,
			ConversationID: plan.ConversationID,
			ConnectionID:   plan.ConnectionID,
			ChatID:         plan.ChatID,
			ContentType:    store.ContentText,
			Text:           ch.Text,
			Author:         plan.Author,
		})
		if err != nil {
			return res, s.halt(plan, i, err)
		}
		if msg.Ack.Confirmed() {
			res.Skipped++
			metrics.Chunks.WithLabelValues("skipped").Inc()
			continue
		}

		if err := s.transmit(ctx, msg); err != nil {
			return res, s.halt(plan, i, err)
		}
		res.Sent++

		if i == last {
			break
		}
		d := s.nextDelay()
		metrics.ChunkDelay.Observe(d.Seconds())
		if err := s.wait(ctx, d); err != nil {
			metrics.Chunks.WithLabelValues("cancelled").Inc()
			return res, &HaltError{Index: i + 1, Key: plan.Chunks[i+1].Key, Err: err}
		}
	}
	return res, nil
}

func (s *Scheduler) halt(plan Plan, i int, err error) error {
	slog.Warn("delivery.plan_halted", "root_key", plan.RootKey, "chunk", i, "of", len(plan.Chunks), "error", err)
	return &HaltError{Index: i, Key: plan.Chunks[i].Key, Err: err}
}

// transmit sends one recorded message and moves it to sent, or to failed.
func (s *Scheduler) transmit(ctx context.Context, msg *store.Message) error {
	extID, err := s.transport.Send(ctx, msg)
	if err != nil {
		metrics.Chunks.WithLabelValues("failed").Inc()
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "cancelled: " + reason
		}
		// The row must record the failure even when the plan was cancelled.
		if _, ferr := s.acks.Fail(context.WithoutCancel(ctx), msg.ID, reason); ferr != nil {
			slog.Error("delivery.mark_failed", "message", msg.ID, "error", ferr)
		}
		return fmt.Errorf("transmit %s: %w", msg.ClientKey, err)
	}
	metrics.Chunks.WithLabelValues("sent").Inc()

	ctx = context.WithoutCancel(ctx)
	if extID != "" {
		if err := s.msgs.SetExternalID(ctx, msg.ID, extID); err != nil {
			slog.Warn("delivery.set_external_id", "message", msg.ID, "external_id", extID, "error", err)
		}
	}
	if _, _, err := s.acks.Apply(ctx, bus.Receipt{MessageID: msg.ID, Level: int(store.AckSent), At: time.Now().UTC()}); err != nil {
		slog.Warn("delivery.ack_sent", "message", msg.ID, "error", err)
	}
	return nil
}

// Enqueue delivers one already recorded message in the background. It is the
// send gateway's dispatcher and the sweeper's redrive target.
func (s *Scheduler) Enqueue(msg *store.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Warn("delivery.enqueue_after_close", "message", msg.ID)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.deliverOne(s.ctx, msg); err != nil {
			slog.Warn("delivery.send_failed", "message", msg.ID, "client_key", msg.ClientKey, "error", err)
		}
	}()
}

func (s *Scheduler) deliverOne(ctx context.Context, msg *store.Message) error {
	ctx, done := s.track(ctx, msg.ConversationID)
	defer done()
	unlock := s.locks.Lock(msg.ConversationID.String())
	defer unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Re-read under the lock: a receipt or an earlier redrive may have won.
	cur, err := s.msgs.Get(ctx, msg.ID)
	if err != nil {
		return err
	}
	if cur.Ack.Confirmed() {
		metrics.Chunks.WithLabelValues("skipped").Inc()
		return nil
	}
	return s.transmit(ctx, cur)
}

// Close cancels background deliveries and waits for them to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}
