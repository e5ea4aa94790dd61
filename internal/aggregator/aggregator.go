// Package aggregator collapses bursts of inbound messages into one batch per
// conversation.
//
// Each conversation key has at most one open window. Every arrival resets the
// window deadline to now+Window, but never past openedAt+MaxWindow, so a
// steady trickle of messages cannot starve the conversation. When a window
// closes its messages are handed, in arrival order, to the flush function
// exactly once. Flushes for the same key run one after another in close order.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/keyed"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/internal/tracing"
)

// ErrStopped is returned by Push after Stop.
var ErrStopped = errors.New("aggregator stopped")

// Config holds window timing. Zero Window flushes every message on its own.
type Config struct {
	Window      time.Duration
	MaxWindow   time.Duration
	MaxMessages int // close as soon as the window holds this many; 0 = unlimited
}

// ConfigFrom converts the delivery config section.
func ConfigFrom(d config.DeliveryConfig) Config {
	return Config{
		Window:      d.DebounceWindowMs.Duration(),
		MaxWindow:   d.MaxWindowMs.Duration(),
		MaxMessages: d.MaxBatchMessages,
	}
}

// Validate rejects durations outside [0, 2^31-1] ms and a cap shorter than the window.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{"window": c.Window, "max window": c.MaxWindow} {
		if d%time.Millisecond != 0 {
			return fmt.Errorf("aggregator: %s %v: %w", name, d, config.ErrInvalidDuration)
		}
		if _, err := config.CheckMillis(d.Milliseconds()); err != nil {
			return fmt.Errorf("aggregator: %s: %w", name, err)
		}
	}
	if c.MaxWindow < c.Window {
		return fmt.Errorf("aggregator: max window %v shorter than window %v: %w", c.MaxWindow, c.Window, config.ErrInvalidDuration)
	}
	if c.MaxMessages < 0 {
		return fmt.Errorf("aggregator: negative max messages %d", c.MaxMessages)
	}
	return nil
}

// FlushFunc handles one closed window. It is called exactly once per window.
type FlushFunc func(ctx context.Context, b Batch) error

// ErrorSink receives batches whose flush failed. Failed batches are not retried.
type ErrorSink func(b Batch, err error)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(a *Aggregator) { a.clock = c } }

// WithErrorSink sets the sink for failed flushes.
func WithErrorSink(s ErrorSink) Option { return func(a *Aggregator) { a.onError = s } }

// WithContext sets the context passed to flushes.
func WithContext(ctx context.Context) Option { return func(a *Aggregator) { a.ctx = ctx } }

type window struct {
	key      string
	msgs     []store.Message
	openedAt time.Time
	cfg      Config

	timer  Timer
	token  uint64 // bumped on every re-arm; a firing timer with a stale token is ignored
	reason CloseReason
}

// Aggregator manages the open windows.
type Aggregator struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	stopped bool

	flush   FlushFunc
	onError ErrorSink
	clock   Clock
	ctx     context.Context
	serial  *keyed.Serial
}

// New validates cfg and returns an Aggregator. Misconfigured timing fails here.
func New(cfg Config, flush FlushFunc, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if flush == nil {
		return nil, errors.New("aggregator: nil flush func")
	}
	a := &Aggregator{
		cfg:     cfg,
		windows: make(map[string]*window),
		flush:   flush,
		clock:   realClock{},
		ctx:     context.Background(),
		serial:  keyed.NewSerial(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Push adds msg to the open window for key, opening one if needed.
func (a *Aggregator) Push(key string, msg store.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ErrStopped
	}

	now := a.clock.Now()
	w, ok := a.windows[key]
	if !ok {
		w = &window{key: key, openedAt: now, cfg: a.cfg}
		a.windows[key] = w
		metrics.OpenWindows.Inc()
	}
	w.msgs = append(w.msgs, msg)

	if w.cfg.MaxMessages > 0 && len(w.msgs) >= w.cfg.MaxMessages {
		a.closeLocked(w, CloseMaxMessages)
		return nil
	}

	deadline, reason := now.Add(w.cfg.Window), CloseIdle
	if capAt := w.openedAt.Add(w.cfg.MaxWindow); capAt.Before(deadline) {
		deadline, reason = capAt, CloseMaxWindow
	}
	if !deadline.After(now) {
		a.closeLocked(w, reason)
		return nil
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.token++
	w.reason = reason
	token := w.token
	w.timer = a.clock.AfterFunc(deadline.Sub(now), func() { a.fire(w, token) })
	return nil
}

// fire closes w if the timer that called it is still the current one.
func (a *Aggregator) fire(w *window, token uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.windows[w.key] != w || w.token != token {
		return
	}
	a.closeLocked(w, w.reason)
}

// closeLocked removes w and schedules its flush. Caller holds a.mu.
func (a *Aggregator) closeLocked(w *window, reason CloseReason) {
	delete(a.windows, w.key)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.token++
	metrics.OpenWindows.Dec()

	b := Batch{
		Key:      w.key,
		Messages: w.msgs,
		OpenedAt: w.openedAt,
		ClosedAt: a.clock.Now(),
		Reason:   reason,
	}
	a.serial.Go(w.key, func() { a.run(b) })
}

func (a *Aggregator) run(b Batch) {
	metrics.BatchesClosed.WithLabelValues(string(b.Reason)).Inc()
	metrics.BatchSize.Observe(float64(len(b.Messages)))

	ctx, span := tracing.Start(a.ctx, "aggregator.flush",
		attribute.String("conversation.key", b.Key),
		attribute.Int("batch.size", len(b.Messages)),
		attribute.String("batch.reason", string(b.Reason)),
	)
	err := a.safeFlush(ctx, b)
	tracing.End(span, err)
	if err == nil {
		return
	}

	metrics.BatchFailures.Inc()
	slog.Warn("aggregator.flush_failed", "key", b.Key, "messages", len(b.Messages), "reason", b.Reason, "error", err)
	if a.onError != nil {
		a.onError(b, err)
	}
}

func (a *Aggregator) safeFlush(ctx context.Context, b Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush panic: %v", r)
		}
	}()
	return a.flush(ctx, b)
}

// UpdateConfig applies new timing to windows opened from now on.
func (a *Aggregator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	return nil
}

// Pending returns the number of open windows.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}

// Wait blocks until every scheduled flush has returned.
func (a *Aggregator) Wait() { a.serial.Wait() }

// Stop flushes all open windows and waits for in-flight flushes.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	for _, w := range a.windows {
		a.closeLocked(w, CloseShutdown)
	}
	a.mu.Unlock()
	a.serial.Wait()
}
