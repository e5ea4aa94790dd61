package keyed

import (
	"sync"
	"testing"
)

func TestSerialPreservesOrderPerKey(t *testing.T) {
	s := NewSerial()
	var mu sync.Mutex
	got := map[string][]int{}

	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			i, key := i, key
			s.Go(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			})
		}
	}
	s.Wait()

	for _, key := range []string{"a", "b"} {
		if len(got[key]) != 50 {
			t.Fatalf("key %s ran %d tasks, want 50", key, len(got[key]))
		}
		for i, v := range got[key] {
			if v != i {
				t.Fatalf("key %s task %d ran at position %d", key, v, i)
			}
		}
	}
	if n := s.Active(); n != 0 {
		t.Errorf("Active() = %d after Wait, want 0", n)
	}
}

func TestSerialNeverOverlapsSameKey(t *testing.T) {
	s := NewSerial()
	var mu sync.Mutex
	running, maxRunning := 0, 0

	for i := 0; i < 20; i++ {
		s.Go("k", func() {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	s.Wait()
	if maxRunning != 1 {
		t.Errorf("max concurrent tasks for one key = %d, want 1", maxRunning)
	}
}

func TestMutexReleasesEntries(t *testing.T) {
	m := NewMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("k")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
	if len(m.locks) != 0 {
		t.Errorf("locks map holds %d entries after release", len(m.locks))
	}
}
