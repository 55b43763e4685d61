package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WriteFunc performs one synchronous socket write of buf, returning an
// error on any I/O failure.
type WriteFunc func(buf []byte) error

// Pusher drains a Queue in the background, one buffer at a time, until
// the queue goes empty or the connection closes (§4.5). A single pusher
// per connection preserves per-connection ordering.
type Pusher struct {
	q      *Queue
	write  WriteFunc
	idle   time.Duration // asyncQueueTimeout: max idle time before slow-receiver
	onSlow func()        // invoked once if idle exceeds q's asyncQueueTimeout

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewPusher builds a pusher bound to q, write, and the asyncQueueTimeout
// idle deadline. onSlow fires at most once if the pusher goes idle (queue
// empty-poll exceeding idle) while disconnectSlowReceiver should trigger.
func NewPusher(q *Queue, write WriteFunc, idle time.Duration, onSlow func()) *Pusher {
	return &Pusher{q: q, write: write, idle: idle, onSlow: onSlow}
}

// Start spawns the pusher goroutine if one isn't already running, mirroring
// asyncQueuingInProgress: creation is idempotent and safe to call from
// multiple writer goroutines racing to take over draining.
func (p *Pusher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
}

// Running reports whether a pusher goroutine currently owns draining.
func (p *Pusher) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until the pusher goroutine has exited (queue drained or
// context cancelled).
func (p *Pusher) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Pusher) loop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.running = false
		close(p.done)
		p.mu.Unlock()
	}()

	// Exponential backoff 1,2,4,...,32ms between empty-queue polls,
	// modeled as a token-bucket whose refill interval grows rather than a
	// raw time.Sleep loop (§4.5 Design rationale).
	backoff := 1 * time.Millisecond
	const maxBackoff = 32 * time.Millisecond
	lim := rate.NewLimiter(rate.Every(backoff), 1)

	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf, ok := p.q.Dequeue()
		if !ok {
			if p.idle > 0 && time.Since(lastProgress) > p.idle {
				if p.onSlow != nil {
					p.onSlow()
				}
				return
			}
			if err := lim.Wait(ctx); err != nil {
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				lim.SetLimit(rate.Every(backoff))
			}
			continue
		}

		backoff = 1 * time.Millisecond
		lim.SetLimit(rate.Every(backoff))
		lastProgress = time.Now()

		if err := p.write(buf); err != nil {
			return
		}
	}
}
