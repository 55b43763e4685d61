// Package conn implements the engine's Connection type (§3, §4.3, §4.4,
// §4.9): construction, the reader state machine, the synchronous and
// asynchronous writer paths, and the close cascade.
package conn

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridmesh/tcpmesh/internal/bufpool"
	protoerr "github.com/gridmesh/tcpmesh/internal/errors"
	"github.com/gridmesh/tcpmesh/internal/logger"
	"github.com/gridmesh/tcpmesh/internal/mesh/ackmonitor"
	"github.com/gridmesh/tcpmesh/internal/mesh/dispatch"
	"github.com/gridmesh/tcpmesh/internal/mesh/framing"
	"github.com/gridmesh/tcpmesh/internal/mesh/iofilter"
	"github.com/gridmesh/tcpmesh/internal/mesh/idle"
	"github.com/gridmesh/tcpmesh/internal/mesh/queue"
	"github.com/gridmesh/tcpmesh/internal/stats"
)

// Role distinguishes which side of the TCP link this Connection is (§3).
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

var nextConnID uint64

func allocID() uint64 { return atomic.AddUint64(&nextConnID, 1) }

// Deps bundles every external collaborator a Connection needs (§6), kept
// as one injected struct rather than package-level singletons so the
// engine never reaches for process-wide mutable state (Design Notes §9.a).
type Deps struct {
	Dispatcher dispatch.Dispatcher
	Stats      *stats.Sink

	TCPBufferSize        int
	SmallBufferSize      int
	MaxConnectionSenders int

	AsyncDistributionTimeout time.Duration
	AsyncQueueTimeout        time.Duration
	AsyncMaxQueueSize        int64

	AckWaitThreshold        time.Duration
	AckSevereAlertThreshold time.Duration
	SuspectRemote           func(identity []byte, reason string)
	RequestRemoval          func(identity []byte, reason string)

	IdleTimeout time.Duration

	// ForceAsyncQueue is the test hook (§8 scenario 4) routing every
	// write through the async path even when the fast-path conditions
	// would otherwise select sync mode. Lives only in Deps, never in the
	// production config record (Design Notes §9.a).
	ForceAsyncQueue bool
}

// Connection is one process-local TCP link, sender or receiver, shared or
// thread-owned (§3).
type Connection struct {
	id   uint64
	role Role

	shared        bool
	preserveOrder bool

	remoteIdentity []byte
	remoteVersion  uint16

	netConn net.Conn
	filter  iofilter.Filter

	deps Deps
	log  *slog.Logger

	state   stateHolder
	closing atomic.Bool

	outLock   sync.Mutex
	admission *senderAdmission

	asyncQ *queue.Queue
	pusher *queue.Pusher

	ackMonitor *ackmonitor.Monitor

	destreamer *framing.Destreamer
	idleTask   *idle.Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onClose func(c *Connection) // table removal hook

	msgIDCounter uint16

	// ackMu/ackCond/ackReading guard the "socketInUse" invariant (§5): at
	// most one goroutine ever calls netConn.Read for ack replies at a
	// time, even though senderAdmission lets up to maxConnectionSenders
	// callers have a SendWithAck in flight concurrently. ackPending is the
	// unconsumed-byte carry-over between reads, touched only by whichever
	// goroutine currently holds the reader role. ackReady holds completed
	// messages read for an id other than the current reader's own, so the
	// matching waiter can pick them up without re-reading the socket.
	ackMu      sync.Mutex
	ackCond    *sync.Cond
	ackReading bool
	ackPending []byte
	ackReady   map[uint16][]byte
	ackFatal   error
}

// New constructs a Connection around an already-connected/accepted socket.
// The handshake is assumed complete by the time New is called; callers
// build Connection from the handshake.Result / handshake.Accept output.
func New(netConn net.Conn, role Role, shared, preserveOrder bool, remoteIdentity []byte, remoteVersion uint16, filter iofilter.Filter, deps Deps, onClose func(*Connection)) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := allocID()
	c := &Connection{
		id:             id,
		role:           role,
		shared:         shared,
		preserveOrder:  preserveOrder,
		remoteIdentity: remoteIdentity,
		remoteVersion:  remoteVersion,
		netConn:        netConn,
		filter:         filter,
		deps:           deps,
		log:            logger.WithConn(logger.Logger(), id, netConn.RemoteAddr().String()),
		admission:      newSenderAdmission(deps.MaxConnectionSenders),
		asyncQ:         queue.New(),
		destreamer:     framing.NewDestreamer(),
		ackReady:       make(map[uint16][]byte),
		ctx:            ctx,
		cancel:         cancel,
		onClose:        onClose,
	}
	c.ackCond = sync.NewCond(&c.ackMu)
	if deps.Stats != nil {
		c.asyncQ.OnConflate = deps.Stats.IncAsyncConflatedMsgs
	}
	c.idleTask = idle.NewTask(deps.IdleTimeout, c.isFailureDetectionChannel(), func() {
		c.Close(CloseOpts{Reason: "idle timeout"})
	})
	c.pusher = queue.NewPusher(c.asyncQ, c.writeRaw, deps.AsyncQueueTimeout, func() {
		c.disconnectSlowReceiver("async queue timeout exceeded")
	})
	c.ackMonitor = ackmonitor.New(deps.AckWaitThreshold, deps.AckSevereAlertThreshold, ackmonitor.Callbacks{
		OnWarn: func() {
			if deps.Stats != nil {
				deps.Stats.IncAckTimeoutWarning()
			}
			c.log.Warn("ack wait threshold exceeded")
			if deps.SuspectRemote != nil {
				deps.SuspectRemote(remoteIdentity, "ack wait threshold exceeded")
			}
		},
		OnFatal: func() {
			if deps.Stats != nil {
				deps.Stats.IncAckSevereAlert()
			}
			c.log.Error("ack severe alert threshold exceeded")
		},
	}, nil)
	return c
}

// ID returns the connection's unique 64-bit id (§3).
func (c *Connection) ID() uint64 { return c.id }

// RemoteIdentity implements dispatch.ConnectionHandle.
func (c *Connection) RemoteIdentity() []byte { return c.remoteIdentity }

// JoinAckGroup attaches this connection's ack monitor to g, so a severe
// alert on any sibling in the same multicast-style send resets this
// connection's transmission clock too (§4.7).
func (c *Connection) JoinAckGroup(g *ackmonitor.Group) { c.ackMonitor.SetGroup(g) }

// LeaveAckGroup detaches this connection's ack monitor from whatever
// group it was joined to, once the multicast-style send completes.
func (c *Connection) LeaveAckGroup() { c.ackMonitor.SetGroup(nil) }

// isFailureDetectionChannel reports whether this is a shared, unordered
// connection — the membership failure-detection channel exempted from
// idle reaping (§4.8).
func (c *Connection) isFailureDetectionChannel() bool {
	return c.shared && !c.preserveOrder
}

// Start launches the background reader goroutine. Thread-owned initiator
// connections that only ever send-and-await-ack pass
// ownReaderless=true: their reads happen synchronously on the sending
// goroutine via readAck (§4.6), and no background reader is spawned, since
// a second concurrent net.Conn.Read would race with it.
func (c *Connection) Start(ownReaderless bool) {
	c.idleTask.Start()
	if ownReaderless {
		return
	}
	c.wg.Add(1)
	go c.readLoop()
}

// nextMsgID returns the next chunk-correlation id, skipping the reserved
// NoMsgID value. Only called with outLock held.
func (c *Connection) nextMsgID() uint16 {
	c.msgIDCounter++
	if c.msgIDCounter == framing.NoMsgID {
		c.msgIDCounter++
	}
	return c.msgIDCounter
}

// readLoop is the reader state machine (§4.3): one read/unwrap/frame pass
// per iteration, toggling IDLE/READING around each blocking read so an
// async close can detect a blocked reader.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	buf := bufpool.Get(c.deps.TCPBufferSize)
	defer bufpool.Put(buf)

	var pending []byte // unconsumed bytes carried across reads

	for {
		if c.closing.Load() {
			return
		}

		c.state.set(StateReading)
		c.idleTask.Touch()
		n, err := c.netConn.Read(buf)
		c.state.set(StateIdle)

		if err != nil {
			c.handleReadError(err)
			return
		}
		if n == 0 {
			continue // transient: treat as retry/continue per §7
		}

		unwrapped, uerr := c.filter.Unwrap(buf[:n])
		if uerr != nil {
			c.log.Warn("unwrap failed", "error", uerr)
			c.Close(CloseOpts{Reason: "unwrap error"})
			return
		}
		pending = append(pending, unwrapped...)
		c.filter.DoneReading()

		var done bool
		pending, done = c.processBuffer(pending)
		if done {
			return
		}
	}
}

// processBuffer decodes as many complete frames as pending contains,
// dispatching each, and returns the leftover bytes. done=true means the
// reader should exit (a protocol error was fatal).
func (c *Connection) processBuffer(pending []byte) (rest []byte, done bool) {
	for {
		if len(pending) < framing.HeaderLen {
			return pending, false
		}
		h, err := framing.DecodeHeader(pending[:framing.HeaderLen])
		if err != nil {
			c.log.Warn("framing error", "error", err)
			c.Close(CloseOpts{Reason: "protocol error"})
			return nil, true
		}
		total := framing.HeaderLen + int(h.PayloadLen)
		if len(pending) < total {
			return pending, false
		}
		payload := pending[framing.HeaderLen:total]
		pending = pending[total:]

		assembled, complete, derr := c.destreamer.Append(h, payload)
		if derr != nil {
			c.log.Warn("destreamer error", "error", derr)
			c.Close(CloseOpts{Reason: "protocol error"})
			return nil, true
		}
		if !complete {
			continue
		}

		if c.deps.Dispatcher != nil {
			c.deps.Dispatcher.MessageReceived(c, assembled, len(assembled), h.DirectAck, h.ID)
		}
		if c.deps.Stats != nil {
			c.deps.Stats.IncMessagesReceived(1)
			c.deps.Stats.IncBytesReceived(len(assembled))
		}
	}
}

// disconnectSlowReceiver implements §7's slow-receiver taxonomy entry:
// request the peer's removal from membership and close the connection.
// Called from both the pusher's idle-overrun path and SendAsync's queue-size
// backpressure check (§4.5, §8 scenario 5).
func (c *Connection) disconnectSlowReceiver(reason string) {
	if c.deps.Stats != nil {
		c.deps.Stats.IncSlowReceiverDisconnect()
	}
	if c.deps.RequestRemoval != nil {
		c.deps.RequestRemoval(c.remoteIdentity, "Disconnected as a slow-receiver: "+reason)
	}
	c.Close(CloseOpts{Reason: "slow receiver", ForceRemoval: true})
}

func (c *Connection) handleReadError(err error) {
	if protoerr.IsIgnorableClose(err) || err == io.EOF {
		c.log.Debug("connection closed", "error", err)
	} else {
		c.log.Warn("read error", "error", err)
	}
	c.Close(CloseOpts{Reason: "read error"})
}

// SendDirectAckReply implements dispatch.ConnectionHandle: writes reply on
// the same socket, echoing id so the sender's readAck can match the reply
// to the right waiter, bypassing enqueue/ack bookkeeping since this *is*
// the ack reply (§4.6).
func (c *Connection) SendDirectAckReply(id uint16, reply []byte) error {
	return c.writeSync(reply, framing.TypeNormal, id, false)
}

// CloseOpts parameterizes the close cascade (§4.9).
type CloseOpts struct {
	CleanupEndpoint bool
	RemoveEndpoint  bool
	BeingSick       bool
	ForceRemoval    bool
	Reason          string
}

// Close runs the close cascade. Safe to call from any goroutine, including
// the reader or pusher, and idempotent (§4.9 invariant).
func (c *Connection) Close(opts CloseOpts) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	c.idleTask.Cancel()
	c.ackMonitor.Cancel()
	c.asyncQ.Drain()

	c.ackMu.Lock()
	if c.ackFatal == nil {
		c.ackFatal = protoerr.NewConnectionClosedError("read-ack", nil)
	}
	c.ackCond.Broadcast()
	c.ackMu.Unlock()

	closer := func() {
		_ = c.filter.Close()
		_ = c.netConn.Close()
	}
	if opts.BeingSick {
		closer()
	} else {
		go closer()
	}

	c.cancel()

	if c.onClose != nil {
		c.onClose(c)
	}

	if c.deps.Stats != nil {
		c.deps.Stats.ForgetConnection(c.id)
		c.deps.Stats.ConnectionClosed()
	}

	c.log.Debug("connection closed", "reason", opts.Reason)
}

// Closing reports whether the close cascade has started.
func (c *Connection) Closing() bool { return c.closing.Load() }

// State returns the connection's current lifecycle state (§3).
func (c *Connection) State() State { return c.state.get() }
