package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEnqueueDequeuePreservesFIFOForPlainBuffers(t *testing.T) {
	q := New()
	q.Enqueue(nil, false, []byte("a"))
	q.Enqueue(nil, false, []byte("b"))
	q.Enqueue(nil, false, []byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		buf, ok := q.Dequeue()
		if !ok || string(buf) != want {
			t.Fatalf("expected %q, got %q ok=%v", want, buf, ok)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestConflationReplacesInPlace(t *testing.T) {
	q := New()
	conflated := 0
	q.OnConflate = func() { conflated++ }

	q.Enqueue("K", true, []byte("k1"))
	q.Enqueue("L", true, []byte("l1"))
	q.Enqueue("K", true, []byte("k2"))

	if conflated != 1 {
		t.Fatalf("expected 1 conflation, got %d", conflated)
	}

	// K retains its original FIFO position (before L) but carries k2's buffer.
	buf1, ok := q.Dequeue()
	if !ok || string(buf1) != "k2" {
		t.Fatalf("expected k2 first (original K slot), got %q ok=%v", buf1, ok)
	}
	buf2, ok := q.Dequeue()
	if !ok || string(buf2) != "l1" {
		t.Fatalf("expected l1 second, got %q ok=%v", buf2, ok)
	}
}

func TestQueuedBytesMatchesLiveEntries(t *testing.T) {
	q := New()
	q.Enqueue(nil, false, make([]byte, 100))
	q.Enqueue("K", true, make([]byte, 50))
	if got := q.QueuedBytes(); got != 150 {
		t.Fatalf("expected queuedBytes=150, got %d", got)
	}

	q.Enqueue("K", true, make([]byte, 30)) // conflate shrinks by 20
	if got := q.QueuedBytes(); got != 130 {
		t.Fatalf("expected queuedBytes=130 after conflation shrink, got %d", got)
	}

	q.Dequeue()
	q.Dequeue()
	if got := q.QueuedBytes(); got != 0 {
		t.Fatalf("expected queuedBytes=0 after draining, got %d", got)
	}
}

func TestDrainClosesQueueAndRejectsEnqueue(t *testing.T) {
	q := New()
	q.Enqueue(nil, false, []byte("x"))
	q.Drain()

	if ok := q.Enqueue(nil, false, []byte("y")); ok {
		t.Fatalf("expected Enqueue to fail after Drain")
	}
	if got := q.QueuedBytes(); got != 0 {
		t.Fatalf("expected queuedBytes=0 after Drain, got %d", got)
	}
}

func TestPusherDrainsQueueInOrder(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var written []string

	p := NewPusher(q, func(buf []byte) error {
		mu.Lock()
		written = append(written, string(buf))
		mu.Unlock()
		return nil
	}, 2*time.Second, nil)

	q.Enqueue(nil, false, []byte("1"))
	q.Enqueue(nil, false, []byte("2"))
	q.Enqueue(nil, false, []byte("3"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Start(ctx)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(written)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pusher did not drain in time, got %v", written)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if written[0] != "1" || written[1] != "2" || written[2] != "3" {
		t.Fatalf("expected FIFO order, got %v", written)
	}
}

func TestPusherSignalsSlowReceiverOnIdleOverrun(t *testing.T) {
	q := New()
	slowFired := make(chan struct{}, 1)

	p := NewPusher(q, func(buf []byte) error { return nil }, 10*time.Millisecond, func() {
		select {
		case slowFired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Start(ctx)

	select {
	case <-slowFired:
	case <-time.After(time.Second):
		t.Fatalf("expected onSlow callback to fire")
	}
}
