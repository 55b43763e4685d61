// Package queue implements the per-connection asynchronous outbound queue
// with conflation (§4.5): a single pusher drains it in FIFO order while
// same-key updates are collapsed in place.
package queue

import (
	"sync"
	"sync/atomic"

	"gopkg.in/eapache/channels.v1"
)

// entry is one FIFO slot. For a conflatable key, later enqueues of the
// same key mutate buf in place rather than creating a new slot, so the
// slot's position in the FIFO reflects the key's first insertion.
type entry struct {
	key         any
	conflatable bool
	buf         []byte
}

// Queue is the outbound async queue for one connection. Not safe to share
// across connections; each connection owns one.
type Queue struct {
	ch *channels.InfiniteChannel

	mu    sync.Mutex
	index map[any]*entry // conflatable entries currently enqueued, by key

	queuedBytes int64 // atomic; sum of remaining bytes over live entries

	disconnectRequested atomic.Bool

	// OnConflate is called once per collapsed (superseded) buffer, letting
	// the caller drive the engine's incAsyncConflatedMsgs stat (§8 scenario 4).
	OnConflate func()
}

// New creates an empty async queue.
func New() *Queue {
	return &Queue{
		ch:    channels.NewInfiniteChannel(),
		index: make(map[any]*entry),
	}
}

// QueuedBytes reports the current sum of remaining bytes across live
// entries (§3 invariant, §8 testable property).
func (q *Queue) QueuedBytes() int64 {
	return atomic.LoadInt64(&q.queuedBytes)
}

// Closed reports whether Drain was called; further Enqueue calls fail.
func (q *Queue) Closed() bool { return q.disconnectRequested.Load() }

// Enqueue adds buf to the queue. If conflatable is true and key is
// non-nil, a prior live entry for the same key has its buffer replaced in
// place (preserving FIFO position) instead of creating a new slot.
// Returns false if the queue has been closed for disconnection.
func (q *Queue) Enqueue(key any, conflatable bool, buf []byte) bool {
	if q.disconnectRequested.Load() {
		return false
	}

	if conflatable && key != nil {
		q.mu.Lock()
		if existing, ok := q.index[key]; ok && existing.buf != nil {
			delta := int64(len(buf)) - int64(len(existing.buf))
			existing.buf = buf
			atomic.AddInt64(&q.queuedBytes, delta)
			q.mu.Unlock()
			if q.OnConflate != nil {
				q.OnConflate()
			}
			return true
		}
		e := &entry{key: key, conflatable: true, buf: buf}
		q.index[key] = e
		q.mu.Unlock()
		atomic.AddInt64(&q.queuedBytes, int64(len(buf)))
		q.ch.In() <- e
		return true
	}

	e := &entry{buf: buf}
	atomic.AddInt64(&q.queuedBytes, int64(len(buf)))
	q.ch.In() <- e
	return true
}

// Dequeue pops the next buffer to write, skipping any straggler slot whose
// buffer was already consumed by a concurrent drain. Returns ok=false when
// the queue is currently empty (pusher should stop and clear
// asyncQueuingInProgress).
func (q *Queue) Dequeue() (buf []byte, ok bool) {
	for {
		// Len is answered by the channel's own goroutine after it has
		// buffered every accepted entry, so a non-zero count means a
		// receive on Out will not block (single consumer).
		if q.ch.Len() == 0 {
			return nil, false
		}
		v, open := <-q.ch.Out()
		if !open {
			return nil, false
		}
		e := v.(*entry)
		q.mu.Lock()
		if e.buf == nil {
			q.mu.Unlock()
			continue // lazily-tolerated straggler
		}
		buf = e.buf
		e.buf = nil
		if e.conflatable && e.key != nil {
			delete(q.index, e.key)
		}
		q.mu.Unlock()
		atomic.AddInt64(&q.queuedBytes, -int64(len(buf)))
		return buf, true
	}
}

// Drain marks the queue closed for further enqueues and discards all
// remaining entries by accounting only (§4.9 close cascade step 2): the
// pusher is expected to stop calling Dequeue once Drain has run.
func (q *Queue) Drain() {
	q.disconnectRequested.Store(true)
	q.mu.Lock()
	q.index = make(map[any]*entry)
	q.mu.Unlock()
	atomic.StoreInt64(&q.queuedBytes, 0)
	q.ch.Close()
}
