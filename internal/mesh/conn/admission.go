package conn

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// WriterContext is passed explicitly into every writer call instead of
// relying on a thread-local, per Design Notes §9.c: isReaderThread lets
// the ack-reader bypass the sender semaphore so acks can always progress,
// and holds tracks how many permits the calling logical writer already
// holds so a chained send (a send triggered from inside another send)
// re-enters without deadlocking.
type WriterContext struct {
	IsReaderThread bool
	holds          int
}

// ReaderContext returns a WriterContext for the connection's own reader
// goroutine, which always bypasses the semaphore (§4.4).
func ReaderContext() *WriterContext { return &WriterContext{IsReaderThread: true} }

// NewWriterContext returns a fresh context for an application-thread
// writer, subject to semaphore admission.
func NewWriterContext() *WriterContext { return &WriterContext{} }

// senderAdmission bounds concurrent senders per connection to
// maxConnectionSenders (§4.4), wrapping *semaphore.Weighted with the
// reentrant/reader-bypass behavior the JVM original got from a
// ThreadLocal.
type senderAdmission struct {
	sem *semaphore.Weighted
}

func newSenderAdmission(maxSenders int) *senderAdmission {
	if maxSenders <= 0 {
		maxSenders = 8
	}
	return &senderAdmission{sem: semaphore.NewWeighted(int64(maxSenders))}
}

// Acquire blocks until wc is admitted to write. Reader threads and
// writers that already hold a permit (reentrant chained sends) bypass the
// semaphore entirely.
func (a *senderAdmission) Acquire(ctx context.Context, wc *WriterContext) error {
	if wc.IsReaderThread || wc.holds > 0 {
		wc.holds++
		return nil
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	wc.holds++
	return nil
}

// Release gives back the permit acquired by the matching Acquire call.
func (a *senderAdmission) Release(wc *WriterContext) {
	if wc.holds == 0 {
		return
	}
	wc.holds--
	if wc.IsReaderThread {
		return
	}
	if wc.holds == 0 {
		a.sem.Release(1)
	}
}
