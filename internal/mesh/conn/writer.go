package conn

import (
	protoerr "github.com/gridmesh/tcpmesh/internal/errors"
	"github.com/gridmesh/tcpmesh/internal/mesh/framing"
)

// writeSync performs one header+payload write under outLock, wrapping the
// bytes through the I/O filter and looping over partial writes (§4.4). It
// does not touch admission or state; callers bracket that.
func (c *Connection) writeSync(payload []byte, msgType uint8, id uint16, directAck bool) error {
	var hdr [framing.HeaderLen]byte
	if err := framing.EncodeHeader(hdr[:], msgType, id, uint32(len(payload)), directAck); err != nil {
		return err
	}
	frame := append(append([]byte{}, hdr[:]...), payload...)
	return c.writeRaw(frame)
}

// writeRaw writes an already-framed buffer to the socket, looping until
// the whole frame is flushed or an error occurs. A deadline is
// deliberately not applied mid-frame: a partial write that later errors
// out as "timed out" cannot be safely resent without corrupting the
// stream, so frame writes always run to completion or fatal error.
func (c *Connection) writeRaw(frame []byte) error {
	c.outLock.Lock()
	defer c.outLock.Unlock()
	if c.closing.Load() {
		return protoerr.NewConnectionClosedError("write", nil)
	}
	c.idleTask.Touch()
	for len(frame) > 0 {
		n, err := c.filter.Write(frame)
		if err != nil {
			return protoerr.NewConnectionClosedError("write", err)
		}
		frame = frame[n:]
	}
	return nil
}

// Send is the outward write entry point (§4.4/§4.5). It picks the
// synchronous fast path unless the caller forces the async queue (test
// hook) or a pusher is already draining this connection — once any
// message has gone async, later messages follow the same path so
// delivery order is preserved (§3 ordering invariant).
func (c *Connection) Send(key any, conflatable bool, payload []byte, wc *WriterContext) error {
	if c.closing.Load() {
		return protoerr.NewConnectionClosedError("send", nil)
	}
	if c.deps.ForceAsyncQueue || c.pusher.Running() {
		return c.SendAsync(key, conflatable, payload, wc)
	}
	if err := c.admission.Acquire(c.ctx, wc); err != nil {
		return err
	}
	defer c.admission.Release(wc)

	c.state.set(StateSending)
	defer c.state.set(StateIdle)

	return c.writeSync(payload, framing.TypeNormal, framing.NoMsgID, false)
}

// SendAsync enqueues payload on the connection's conflating async queue
// and ensures a pusher goroutine is draining it (§4.5).
func (c *Connection) SendAsync(key any, conflatable bool, payload []byte, wc *WriterContext) error {
	if c.closing.Load() {
		return protoerr.NewConnectionClosedError("send-async", nil)
	}
	var hdr [framing.HeaderLen]byte
	if err := framing.EncodeHeader(hdr[:], framing.TypeNormal, framing.NoMsgID, uint32(len(payload)), false); err != nil {
		return err
	}
	frame := append(append([]byte{}, hdr[:]...), payload...)

	if !c.asyncQ.Enqueue(key, conflatable, frame) {
		return protoerr.NewConnectionClosedError("send-async", nil)
	}
	queued := c.asyncQ.QueuedBytes()
	if c.deps.Stats != nil {
		c.deps.Stats.SetQueuedBytes(c.id, queued)
	}
	if c.deps.AsyncMaxQueueSize > 0 && queued > c.deps.AsyncMaxQueueSize {
		c.disconnectSlowReceiver("async queue size exceeded asyncMaxQueueSize")
		return protoerr.NewSlowReceiverError("send-async: async queue size exceeded asyncMaxQueueSize")
	}
	c.ensurePusher()
	return nil
}

// ensurePusher lazily creates and starts the connection's single pusher
// goroutine (idempotent: Start no-ops if one is already running).
func (c *Connection) ensurePusher() {
	c.pusher.Start(c.ctx)
}

// SendWithAck writes a direct-ack-flagged message and blocks for the
// reply, arming the ack-timeout monitor for the duration (§4.6, §4.7).
func (c *Connection) SendWithAck(payload []byte, wc *WriterContext) ([]byte, error) {
	if c.closing.Load() {
		return nil, protoerr.NewConnectionClosedError("send-with-ack", nil)
	}
	if err := c.admission.Acquire(c.ctx, wc); err != nil {
		return nil, err
	}
	defer c.admission.Release(wc)

	c.outLock.Lock()
	c.state.set(StateSending)
	id := c.nextMsgID()
	err := c.writeSyncLocked(payload, framing.TypeNormal, id, true)
	c.outLock.Unlock()
	if err != nil {
		c.state.set(StateIdle)
		return nil, err
	}

	c.state.set(StatePostSending)
	c.state.set(StateReadingAck)
	c.ackMonitor.Arm()
	reply, err := c.readAck(id)
	c.ackMonitor.Cancel()
	if err != nil {
		c.state.set(StateIdle)
		return nil, err
	}
	c.state.set(StateReceivedAck)
	c.state.set(StateIdle)
	return reply, nil
}

// writeSyncLocked is writeSync's body for callers that already hold
// outLock (SendWithAck needs the lock held across state transitions).
func (c *Connection) writeSyncLocked(payload []byte, msgType uint8, id uint16, directAck bool) error {
	var hdr [framing.HeaderLen]byte
	if err := framing.EncodeHeader(hdr[:], msgType, id, uint32(len(payload)), directAck); err != nil {
		return err
	}
	frame := append(append([]byte{}, hdr[:]...), payload...)
	if c.closing.Load() {
		return protoerr.NewConnectionClosedError("write", nil)
	}
	c.idleTask.Touch()
	for len(frame) > 0 {
		n, err := c.filter.Write(frame)
		if err != nil {
			return protoerr.NewConnectionClosedError("write", err)
		}
		frame = frame[n:]
	}
	return nil
}

// readAck blocks for the direct-ack reply matching id. It runs on the
// calling (sender) goroutine rather than the background reader, mirroring
// the original's dedicated ack-read path (§4.6). It reads the socket
// directly, so it only receives replies on connections started with
// ownReaderless=true; on a connection whose background reader is running,
// that reader consumes the replies instead. Because
// senderAdmission allows up to maxConnectionSenders concurrent
// SendWithAck callers on the same connection, ackMu/ackCond serialize the
// actual socket reads to one goroutine at a time ("socketInUse", §5) and
// dispatch completed messages to whichever waiter's id they match.
func (c *Connection) readAck(id uint16) ([]byte, error) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	for {
		if payload, ok := c.ackReady[id]; ok {
			delete(c.ackReady, id)
			return payload, nil
		}
		if c.ackFatal != nil {
			return nil, c.ackFatal
		}
		if c.ackReading {
			c.ackCond.Wait()
			continue
		}

		c.ackReading = true
		c.ackMu.Unlock()
		gotID, payload, err := c.pumpAckFrame()
		c.ackMu.Lock()
		c.ackReading = false

		if err != nil {
			if c.ackFatal == nil {
				c.ackFatal = err
			}
			c.ackCond.Broadcast()
			return nil, c.ackFatal
		}
		if gotID == id {
			c.ackCond.Broadcast()
			return payload, nil
		}
		c.ackReady[gotID] = payload
		c.ackCond.Broadcast()
	}
}

// pumpAckFrame performs one physical read-decode-assemble pass over the
// socket and returns exactly one complete message's id and payload. Only
// the goroutine that set ackReading may call this; ackPending (the
// unconsumed-byte carry-over between calls) is otherwise untouched.
func (c *Connection) pumpAckFrame() (id uint16, payload []byte, err error) {
	for {
		for len(c.ackPending) >= framing.HeaderLen {
			h, herr := framing.DecodeHeader(c.ackPending[:framing.HeaderLen])
			if herr != nil {
				return 0, nil, protoerr.NewFramingError("read-ack", herr)
			}
			total := framing.HeaderLen + int(h.PayloadLen)
			if len(c.ackPending) < total {
				break
			}
			body := c.ackPending[framing.HeaderLen:total]
			c.ackPending = c.ackPending[total:]

			assembled, complete, derr := c.destreamer.Append(h, body)
			if derr != nil {
				return 0, nil, protoerr.NewFramingError("read-ack", derr)
			}
			if !complete {
				continue
			}
			return h.ID, assembled, nil
		}

		buf := make([]byte, c.deps.TCPBufferSize)
		c.idleTask.Touch()
		n, rerr := c.netConn.Read(buf)
		if rerr != nil {
			return 0, nil, protoerr.NewConnectionClosedError("read-ack", rerr)
		}
		if n == 0 {
			continue
		}
		unwrapped, uerr := c.filter.Unwrap(buf[:n])
		if uerr != nil {
			return 0, nil, protoerr.NewFramingError("read-ack", uerr)
		}
		c.ackPending = append(c.ackPending, unwrapped...)
		c.filter.DoneReading()
	}
}
