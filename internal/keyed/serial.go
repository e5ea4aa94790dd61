// Package keyed provides per-key serialization primitives: work for one key
// runs in submission order while different keys proceed in parallel.
package keyed

import "sync"

// Serial runs submitted functions one at a time per key, in submission order.
// A key holds no goroutine or memory once its queue drains.
type Serial struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func NewSerial() *Serial {
	return &Serial{queues: make(map[string][]func())}
}

// Go schedules fn behind any pending work for key. It never blocks.
func (s *Serial) Go(key string, fn func()) {
	s.wg.Add(1)
	s.mu.Lock()
	q, running := s.queues[key]
	s.queues[key] = append(q, fn)
	s.mu.Unlock()

	if !running {
		go s.drain(key)
	}
}

func (s *Serial) drain(key string) {
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()

		fn()
		s.wg.Done()
	}
}

// Wait blocks until all submitted work has finished.
func (s *Serial) Wait() { s.wg.Wait() }

// Active returns the number of keys with pending or running work.
func (s *Serial) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}
