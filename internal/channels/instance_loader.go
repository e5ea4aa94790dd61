package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/config"
)

// WhatsAppFactory creates a channel from one configured WhatsApp connection.
type WhatsAppFactory func(cfg config.WhatsAppConfig, router bus.MessageRouter) (Channel, error)

// InstanceLoader registers the configured connections with the Manager:
// LoadAll at startup, Reload when the config file changes.
type InstanceLoader struct {
	factory WhatsAppFactory
	manager *Manager
	router  bus.MessageRouter
	mu      sync.Mutex
	loaded  map[string]config.WhatsAppConfig
}

func NewInstanceLoader(mgr *Manager, router bus.MessageRouter, factory WhatsAppFactory) *InstanceLoader {
	return &InstanceLoader{
		factory: factory,
		manager: mgr,
		router:  router,
		loaded:  make(map[string]config.WhatsAppConfig),
	}
}

// LoadAll registers every enabled connection without starting it; the
// Manager's StartAll does that.
func (l *InstanceLoader) LoadAll(cfg config.ChannelsConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	for _, wa := range cfg.WhatsApp {
		if !wa.Enabled {
			continue
		}
		if seen[wa.ID] {
			return fmt.Errorf("duplicate connection id %q", wa.ID)
		}
		seen[wa.ID] = true
		if err := l.load(context.Background(), wa, false); err != nil {
			return fmt.Errorf("connection %s: %w", wa.ID, err)
		}
	}
	if len(l.loaded) > 0 {
		slog.Info("channel instances loaded", "count", len(l.loaded))
	}
	return nil
}

// Reload applies a new connection list: removed or changed connections are
// stopped, new or changed ones are started. Unchanged ones keep running.
func (l *InstanceLoader) Reload(ctx context.Context, cfg config.ChannelsConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := make(map[string]config.WhatsAppConfig)
	for _, wa := range cfg.WhatsApp {
		if wa.Enabled {
			want[wa.ID] = wa
		}
	}

	for id, old := range l.loaded {
		if next, ok := want[id]; ok && sameConnection(old, next) {
			continue
		}
		l.unload(ctx, id)
	}
	for id, wa := range want {
		if _, ok := l.loaded[id]; ok {
			continue
		}
		if err := l.load(ctx, wa, true); err != nil {
			slog.Error("failed to reload channel instance", "connection", id, "error", err)
		}
	}
	slog.Info("channel instances reloaded", "count", len(l.loaded))
}

// Stop stops and unregisters every managed connection.
func (l *InstanceLoader) Stop(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.loaded {
		l.unload(ctx, id)
	}
}

// load creates and registers one channel. Caller holds l.mu.
func (l *InstanceLoader) load(ctx context.Context, wa config.WhatsAppConfig, autoStart bool) error {
	if wa.ID == "" || wa.TenantID == "" {
		return fmt.Errorf("connection requires id and tenant_id")
	}
	ch, err := l.factory(wa, l.router)
	if err != nil {
		return err
	}
	l.manager.RegisterChannel(ch)
	l.loaded[wa.ID] = wa

	if autoStart {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel instance start failed", "connection", wa.ID, "error", err)
		}
	}
	slog.Info("channel instance loaded", "connection", wa.ID, "tenant", wa.TenantID)
	return nil
}

func (l *InstanceLoader) unload(ctx context.Context, id string) {
	if ch, ok := l.manager.GetChannel(id); ok {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("failed to stop channel instance", "connection", id, "error", err)
		}
	}
	l.manager.UnregisterChannel(id)
	delete(l.loaded, id)
}

func sameConnection(a, b config.WhatsAppConfig) bool {
	if a.TenantID != b.TenantID || a.BridgeURL != b.BridgeURL || a.SendPerSec != b.SendPerSec || a.SendTimeout != b.SendTimeout {
		return false
	}
	if len(a.AllowFrom) != len(b.AllowFrom) {
		return false
	}
	for i := range a.AllowFrom {
		if a.AllowFrom[i] != b.AllowFrom[i] {
			return false
		}
	}
	return true
}
