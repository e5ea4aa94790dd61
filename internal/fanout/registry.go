// Package fanout routes message events to live subscribers.
//
// Every subscription is scoped to a tenant and may be narrowed to one
// connection and one conversation. Events for the same conversation reach each
// subscriber in publish order. Delivery is fire-and-forget: there is no
// buffering beyond a subscriber's own queue and no replay.
package fanout

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wapipe/internal/keyed"
	"github.com/nextlevelbuilder/wapipe/internal/metrics"
)

// ErrTenantRequired is returned when subscribing without a tenant.
var ErrTenantRequired = errors.New("fanout: tenant id is required")

// Event is one notification about a message or conversation.
type Event struct {
	Name           string      `json:"event"`
	TenantID       string      `json:"tenant_id"`
	ConnectionID   string      `json:"connection_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
	At             time.Time   `json:"at"`
}

// Filter selects events. Empty ConnectionID or ConversationID match any.
type Filter struct {
	TenantID       string `json:"tenant_id"`
	ConnectionID   string `json:"connection_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (f Filter) Matches(ev Event) bool {
	if f.TenantID != ev.TenantID {
		return false
	}
	if f.ConnectionID != "" && f.ConnectionID != ev.ConnectionID {
		return false
	}
	if f.ConversationID != "" && f.ConversationID != ev.ConversationID {
		return false
	}
	return true
}

// Subscriber receives events. Deliver must not block; returning false means
// the subscriber cannot take more and will be dropped.
type Subscriber interface {
	ID() string
	Deliver(ev Event) bool
	Close()
}

// Sink mirrors every published event somewhere else (e.g. Kafka for other nodes).
// Publish must not block.
type Sink interface {
	Publish(ev Event)
}

type subscription struct {
	sub     Subscriber
	filters []Filter
}

// Registry holds the live subscriptions.
type Registry struct {
	mu    sync.RWMutex
	subs  map[string]*subscription
	order *keyed.Mutex
	sinks []Sink
}

func NewRegistry() *Registry {
	return &Registry{
		subs:  make(map[string]*subscription),
		order: keyed.NewMutex(),
	}
}

// AddSink registers a mirror for published events. Call before serving traffic.
func (r *Registry) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Subscribe adds filter to sub's subscriptions, registering sub on first use.
func (r *Registry) Subscribe(sub Subscriber, filter Filter) error {
	if filter.TenantID == "" {
		return ErrTenantRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[sub.ID()]
	if !ok {
		s = &subscription{sub: sub}
		r.subs[sub.ID()] = s
		metrics.Subscribers.Inc()
	}
	for _, f := range s.filters {
		if f == filter {
			return nil
		}
	}
	s.filters = append(s.filters, filter)
	return nil
}

// RemoveFilter drops one filter. The subscriber stays registered with no filters.
func (r *Registry) RemoveFilter(id string, filter Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return
	}
	kept := s.filters[:0]
	for _, f := range s.filters {
		if f != filter {
			kept = append(kept, f)
		}
	}
	s.filters = kept
}

// Unsubscribe removes every subscription of id.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; ok {
		delete(r.subs, id)
		metrics.Subscribers.Dec()
	}
}

// Count returns the number of registered subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Publish delivers ev to every matching subscriber and to the sinks.
func (r *Registry) Publish(ev Event) {
	r.publish(ev, true)
}

// PublishLocal delivers ev to local subscribers only. Used for events that
// arrive from a sink on another node.
func (r *Registry) PublishLocal(ev Event) {
	r.publish(ev, false)
}

func (r *Registry) publish(ev Event, mirror bool) {
	if ev.TenantID == "" {
		slog.Warn("fanout.event_without_tenant", "event", ev.Name)
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	// Serialize per conversation so subscribers observe publish order.
	unlock := r.order.Lock(ev.TenantID + "|" + ev.ConversationID)
	defer unlock()

	r.mu.RLock()
	var targets []Subscriber
	for _, s := range r.subs {
		for _, f := range s.filters {
			if f.Matches(ev) {
				targets = append(targets, s.sub)
				break
			}
		}
	}
	var sinks []Sink
	if mirror {
		sinks = r.sinks
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if !sub.Deliver(ev) {
			r.drop(sub)
		}
	}
	for _, s := range sinks {
		s.Publish(ev)
	}
}

func (r *Registry) drop(sub Subscriber) {
	r.mu.Lock()
	cur, ok := r.subs[sub.ID()]
	if ok && cur.sub == sub {
		delete(r.subs, sub.ID())
		metrics.Subscribers.Dec()
	}
	r.mu.Unlock()
	if ok {
		metrics.EventsDropped.Inc()
		slog.Warn("fanout.subscriber_dropped", "id", sub.ID())
		sub.Close()
	}
}

// Close closes and removes every subscriber.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()
	for _, s := range subs {
		metrics.Subscribers.Dec()
		s.sub.Close()
	}
}
