package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/wapipe/internal/store"
)

// Manager owns the registered connections and routes outbound messages to
// them by connection id.
type Manager struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// StartAll starts every registered channel. A channel that fails to start
// stays registered and reports as not running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for id, ch := range m.channels {
		slog.Info("starting channel", "connection", id)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "connection", id, "error", err)
		}
	}
	return nil
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "connection", id, "error", err)
		}
	}
	slog.Info("all channels stopped")
	return nil
}

// Send routes msg to its connection. It implements delivery.Transport.
func (m *Manager) Send(ctx context.Context, msg *store.Message) (string, error) {
	ch, ok := m.GetChannel(msg.ConnectionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, msg.ConnectionID)
	}
	return ch.Send(ctx, msg)
}

func (m *Manager) GetChannel(id string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// TenantOf returns the tenant owning a connection.
func (m *Manager) TenantOf(connectionID string) (string, bool) {
	ch, ok := m.GetChannel(connectionID)
	if !ok {
		return "", false
	}
	return ch.TenantID(), true
}

// Status describes one connection for the health endpoint.
type Status struct {
	Connection string `json:"connection"`
	Tenant     string `json:"tenant"`
	Running    bool   `json:"running"`
}

func (m *Manager) GetStatus() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.channels))
	for id, ch := range m.channels {
		out = append(out, Status{Connection: id, Tenant: ch.TenantID(), Running: ch.IsRunning()})
	}
	return out
}

func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID()] = ch
}

func (m *Manager) UnregisterChannel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
}
