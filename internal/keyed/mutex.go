package keyed

import "sync"

// Mutex is a set of mutexes indexed by key. Entries are reference counted and
// dropped when unused.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewMutex() *Mutex {
	return &Mutex{locks: make(map[string]*entry)}
}

// Lock acquires the lock for key and returns its release function.
func (m *Mutex) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
