package keylock

import (
	"sync"
	"testing"
)

func TestLock_SerializesSameKey(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("p1|blitz")
			c := counter
			c++
			counter = c
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter=%d want 50", counter)
	}
	if m.Len() != 0 {
		t.Fatalf("keys leaked: %d", m.Len())
	}
}

func TestLockAll_OppositeOrderNoDeadlock(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); m.LockAll("a", "b")() }()
		go func() { defer wg.Done(); m.LockAll("b", "a", "b")() }()
	}
	wg.Wait()
	if m.Len() != 0 {
		t.Fatalf("keys leaked: %d", m.Len())
	}
}
