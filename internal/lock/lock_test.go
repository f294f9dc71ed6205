package lock

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireReleaseBasic(t *testing.T) {
	m := New(Config{})
	h, err := m.Acquire("s1", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Release()
	h2, err := m.Acquire("s1", "b")
	if err != nil {
		t.Fatalf("unexpected error on re-acquire: %v", err)
	}
	h2.Release()
}

func TestSerializesConcurrentAcquirers(t *testing.T) {
	m := New(Config{AcquireWait: time.Second})
	h, _ := m.Acquire("s1", "a")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var order []string
	wg.Add(1)
	go func() {
		defer wg.Done()
		h2, err := m.Acquire("s1", "b")
		if err != nil {
			t.Errorf("waiter b failed: %v", err)
			return
		}
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		h2.Release()
	}()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "a-release")
	mu.Unlock()
	h.Release()
	wg.Wait()

	if len(order) != 2 || order[0] != "a-release" || order[1] != "b" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestQueueFullRejectsBeyondCap(t *testing.T) {
	m := New(Config{MaxWaiters: 1, AcquireWait: time.Second})
	h, _ := m.Acquire("s1", "a")
	defer h.Release()

	done := make(chan struct{})
	go func() {
		m.Acquire("s1", "b")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := m.Acquire("s1", "c")
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	h.Release()
	<-done
}

func TestAcquireTimesOut(t *testing.T) {
	m := New(Config{AcquireWait: 10 * time.Millisecond})
	h, _ := m.Acquire("s1", "a")
	defer h.Release()

	_, err := m.Acquire("s1", "b")
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStaleReleaseIgnored(t *testing.T) {
	m := New(Config{AcquireWait: 10 * time.Millisecond})
	h, _ := m.Acquire("s1", "a")
	h.Release()
	h2, _ := m.Acquire("s1", "b")
	// Stale release of h must not affect h2's ownership.
	h.Release()
	_, err := m.Acquire("s1", "c")
	if err != ErrTimeout {
		t.Fatalf("expected s1 still held by h2's lineage (timeout), got %v", err)
	}
	h2.Release()
}

func TestClearRejectsWaiters(t *testing.T) {
	m := New(Config{AcquireWait: time.Second})
	h, _ := m.Acquire("s1", "a")

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire("s1", "b")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Clear()

	select {
	case err := <-errCh:
		if err != ErrCleared {
			t.Fatalf("expected ErrCleared, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cleared waiter")
	}
	h.Release()
}
