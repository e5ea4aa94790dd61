package fanout

import "sync"

// ChanSubscriber buffers events in a channel for a consumer goroutine.
type ChanSubscriber struct {
	id     string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func NewChanSubscriber(id string, buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSubscriber{id: id, ch: make(chan Event, buffer)}
}

func (s *ChanSubscriber) ID() string { return s.id }

// Events is closed when the subscriber is dropped or closed.
func (s *ChanSubscriber) Events() <-chan Event { return s.ch }

func (s *ChanSubscriber) Deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *ChanSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
