// Package sweeper hands outbound messages that are still queued long after
// they were recorded back to delivery. Such rows are left behind when the
// process stops between recording a message and transmitting it.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// Source lists queued outbound messages older than a cutoff.
type Source interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]store.Message, error)
}

// Dispatcher re-delivers one recorded message.
type Dispatcher interface {
	Enqueue(msg *store.Message)
}

type Config struct {
	Schedule   string // cron expression
	StaleAfter time.Duration
	BatchSize  int
}

func ConfigFrom(c config.SweeperConfig) Config {
	return Config{Schedule: c.Schedule, StaleAfter: c.StaleAfter.Duration(), BatchSize: c.BatchSize}
}

func (c Config) Validate() error {
	if !gronx.New().IsValid(c.Schedule) {
		return fmt.Errorf("sweeper: invalid schedule %q", c.Schedule)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("sweeper: stale_after must be positive: %w", config.ErrInvalidDuration)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sweeper: batch_size must be positive")
	}
	return nil
}

type Sweeper struct {
	src  Source
	disp Dispatcher
	now  func() time.Time

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, src Source, disp Dispatcher) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{src: src, disp: disp, cfg: cfg, now: time.Now}, nil
}

// Update swaps the config for the next tick.
func (s *Sweeper) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Sweeper) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Sweep redrives one batch of stale messages and returns how many it handed
// to the dispatcher.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cfg := s.config()
	msgs, err := s.src.ListStale(ctx, s.now().Add(-cfg.StaleAfter), cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}
	for i := range msgs {
		s.disp.Enqueue(&msgs[i])
	}
	if len(msgs) > 0 {
		metrics.Redriven.Add(float64(len(msgs)))
		slog.Info("sweeper.redriven", "count", len(msgs))
	}
	return len(msgs), nil
}

// Run sweeps on every tick of the schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(s.config().Schedule, s.now(), false)
		if err != nil {
			return fmt.Errorf("sweeper: next tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil {
			slog.Warn("sweeper.failed", "error", err)
		}
	}
}
