// Package engine wires the connection-level packages (framing, handshake,
// conn, table, queue, stats) into one listening TCP conduit, grounded on
// the teacher's accept-loop/Stop/Addr server shape.
package engine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gridmesh/tcpmesh/internal/config"
	protoerr "github.com/gridmesh/tcpmesh/internal/errors"
	"github.com/gridmesh/tcpmesh/internal/logger"
	"github.com/gridmesh/tcpmesh/internal/mesh/ackmonitor"
	"github.com/gridmesh/tcpmesh/internal/mesh/conn"
	"github.com/gridmesh/tcpmesh/internal/mesh/dispatch"
	"github.com/gridmesh/tcpmesh/internal/mesh/handshake"
	"github.com/gridmesh/tcpmesh/internal/mesh/iofilter"
	"github.com/gridmesh/tcpmesh/internal/mesh/membership"
	"github.com/gridmesh/tcpmesh/internal/mesh/table"
	"github.com/gridmesh/tcpmesh/internal/stats"
)

// Engine is one member's TCP conduit: a listener accepting inbound peer
// connections, a table tracking the live set, and the dial path for
// outbound connections this member initiates.
type Engine struct {
	cfg        config.Config
	identity   []byte
	membership membership.Service
	dispatcher dispatch.Dispatcher
	stats      *stats.Sink
	tlsConfig  *tls.Config

	log *slog.Logger

	mu          sync.RWMutex
	ln          net.Listener
	closing     bool
	acceptingWg sync.WaitGroup

	table *table.Table
}

// New constructs an unstarted Engine. identity is this member's own
// identity bytes, exchanged during the handshake (§4.2).
func New(cfg config.Config, identity []byte, svc membership.Service, disp dispatch.Dispatcher, sink *stats.Sink, tlsConfig *tls.Config) *Engine {
	return &Engine{
		cfg:        cfg,
		identity:   identity,
		membership: svc,
		dispatcher: disp,
		stats:      sink,
		tlsConfig:  tlsConfig,
		log:        logger.Logger().With("component", "mesh_engine"),
		table:      table.New(),
	}
}

// Start binds the listener and launches the accept loop. Safe to call
// only once.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.ln != nil {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("listen %s: %w", e.cfg.ListenAddr, err)
	}
	e.ln = ln
	e.mu.Unlock()

	e.log.Info("mesh engine listening", "addr", ln.Addr().String())
	e.acceptingWg.Add(1)
	go e.acceptLoop()
	return nil
}

func (e *Engine) acceptLoop() {
	defer e.acceptingWg.Done()
	for {
		e.mu.RLock()
		ln := e.ln
		e.mu.RUnlock()
		if ln == nil {
			return
		}
		raw, err := ln.Accept()
		if err != nil {
			e.mu.RLock()
			closing := e.closing
			e.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Warn("accept error", "error", err)
			continue
		}
		tuneTCPSocket(raw)
		go e.acceptOne(raw)
	}
}

// tuneTCPSocket enables keep-alive and disables Nagle's algorithm on every
// accepted or dialed socket (§6). Non-TCP conns (e.g. net.Pipe in tests)
// are left alone.
func tuneTCPSocket(raw net.Conn) {
	tc, ok := raw.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetNoDelay(true)
}

// acceptOne performs the acceptor side of one inbound connection: wrap the
// I/O filter, run the handshake, check membership, register the
// connection, and start its reader (§4.2, §3 registration-before-dispatch).
func (e *Engine) acceptOne(raw net.Conn) {
	filter := iofilter.New(raw, e.cfg.UseSSL, true, e.tlsConfig)

	plan := handshake.AcceptorReplyPlan{}
	if e.cfg.AsyncDistributionTimeout > 0 {
		plan.Async = &handshake.AsyncParams{
			AsyncDistributionTimeout: e.cfg.AsyncDistributionTimeout,
			AsyncQueueTimeout:        e.cfg.AsyncQueueTimeout,
			AsyncMaxQueueSize:        e.cfg.AsyncMaxQueueSize,
		}
	}

	// The remote's sharing flag is only known once Accept has read the
	// frame, so Accept evaluates the domino count alone and the
	// thread-owned condition is applied when latching the hint below.
	remote, decision, err := handshake.Accept(filter, e.membership, plan, true, e.cfg.UseSSL, e.cfg.HandshakeTimeout)
	if err != nil {
		if e.stats != nil {
			e.stats.IncHandshakeFailure()
		}
		// a timed-out exchange is the caller's cue to suspect the remote
		// peer rather than just log-and-drop (§7 "handshake timeout ->
		// suspect peer, close").
		if protoerr.IsTimeout(err) && e.membership != nil {
			e.membership.SuspectMember(remote.Identity, "handshake timeout")
		}
		e.log.Warn("handshake failed", "error", err, "remote", raw.RemoteAddr().String())
		_ = filter.Close()
		return
	}
	e.table.SetDominoHint(decision.PreferThreadOwned && !remote.SharedResource)

	c := conn.New(raw, conn.RoleAcceptor, remote.SharedResource, remote.PreserveOrder, remote.Identity, remote.ProductVersion, filter, e.connDeps(), e.onConnClose(remote.Identity, remote.SharedResource, remote.PreserveOrder))
	e.table.RegisterReceiver(remote.Identity, remote.SharedResource, remote.PreserveOrder, c)
	if e.stats != nil {
		e.stats.ConnectionOpened()
	}
	c.Start(false)
}

// Dial opens an outbound connection to addr as this member's initiator
// side, reserving (or adopting) the connection-table slot for the target
// identity once the handshake has completed.
func (e *Engine) Dial(addr string, targetIdentity []byte, shared, preserveOrder bool) (*conn.Connection, error) {
	raw, err := net.DialTimeout("tcp", addr, e.cfg.P2PConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	tuneTCPSocket(raw)
	filter := iofilter.New(raw, e.cfg.UseSSL, false, e.tlsConfig)

	domino := 0
	if e.table.DominoHint() {
		domino = 1
	}
	local := handshake.PeerInfo{
		Identity:       e.identity,
		SharedResource: shared,
		PreserveOrder:  preserveOrder,
		UniqueID:       uniqueID(),
		DominoCount:    domino,
	}
	result, err := handshake.Initiate(filter, local, e.cfg.HandshakeTimeout)
	if err != nil {
		_ = filter.Close()
		if e.stats != nil {
			e.stats.IncHandshakeFailure()
		}
		if protoerr.IsTimeout(err) && e.membership != nil {
			e.membership.SuspectMember(targetIdentity, "handshake timeout")
		}
		return nil, err
	}

	deps := e.connDeps()
	if result.Async != nil {
		deps.AsyncDistributionTimeout = result.Async.AsyncDistributionTimeout
		deps.AsyncQueueTimeout = result.Async.AsyncQueueTimeout
		deps.AsyncMaxQueueSize = result.Async.AsyncMaxQueueSize
	}

	c := conn.New(raw, conn.RoleInitiator, shared, preserveOrder, targetIdentity, result.AcceptorVersion, filter, deps, e.onConnClose(targetIdentity, shared, preserveOrder))

	won, ok := e.table.ReserveOrAdopt(targetIdentity, shared, preserveOrder, c)
	if !ok {
		c.Close(conn.CloseOpts{Reason: "superseded by existing connection"})
		return won, nil
	}
	if e.stats != nil {
		e.stats.ConnectionOpened()
	}
	// a thread-owned, non-shared connection drives all its reads through
	// the sending goroutine's direct-ack path rather than a background
	// reader (§4.4 design rationale).
	c.Start(!shared)
	return c, nil
}

// MulticastTarget identifies one connection-table entry to include in a
// group send.
type MulticastTarget struct {
	Identity      []byte
	Shared        bool
	PreserveOrder bool
}

// SendToGroup performs a direct-ack send to every target concurrently as
// one logical multicast-style send (§4.7): every participating
// connection's ack monitor joins a single ackmonitor.Group for the
// duration of the call, so a severe alert on the slowest sibling resets
// the others' transmission clocks instead of each one alerting
// independently. Returns each target's reply keyed by its identity.
func (e *Engine) SendToGroup(targets []MulticastTarget, payload []byte) (map[string][]byte, error) {
	conns := make([]*conn.Connection, 0, len(targets))
	for _, t := range targets {
		c, ok := e.table.Get(t.Identity, t.Shared, t.PreserveOrder)
		if !ok {
			return nil, fmt.Errorf("no live connection for target %x", t.Identity)
		}
		conns = append(conns, c)
	}

	group := ackmonitor.NewGroup()
	for _, c := range conns {
		c.JoinAckGroup(group)
	}
	defer func() {
		for _, c := range conns {
			c.LeaveAckGroup()
		}
	}()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		results  = make(map[string][]byte, len(conns))
		firstErr error
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn.Connection) {
			defer wg.Done()
			reply, err := c.SendWithAck(payload, conn.NewWriterContext())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[string(c.RemoteIdentity())] = reply
		}(c)
	}
	wg.Wait()
	return results, firstErr
}

func (e *Engine) onConnClose(identity []byte, shared, preserveOrder bool) func(*conn.Connection) {
	return func(c *conn.Connection) {
		e.table.Remove(identity, shared, preserveOrder, c)
	}
}

func (e *Engine) connDeps() conn.Deps {
	return conn.Deps{
		Dispatcher:               e.dispatcher,
		Stats:                    e.stats,
		TCPBufferSize:            e.cfg.TCPBufferSize,
		SmallBufferSize:          e.cfg.SmallBufferSize,
		MaxConnectionSenders:     e.cfg.MaxConnectionSenders,
		AsyncDistributionTimeout: e.cfg.AsyncDistributionTimeout,
		AsyncQueueTimeout:        e.cfg.AsyncQueueTimeout,
		AsyncMaxQueueSize:        e.cfg.AsyncMaxQueueSize,
		AckWaitThreshold:         e.cfg.AckWaitThreshold,
		AckSevereAlertThreshold:  e.cfg.AckSevereAlertThreshold,
		SuspectRemote: func(identity []byte, reason string) {
			if e.cfg.EnableNetworkPartitionDetection && e.membership != nil {
				e.membership.SuspectMember(identity, reason)
			}
		},
		RequestRemoval: func(identity []byte, reason string) {
			if e.cfg.EnableNetworkPartitionDetection && e.membership != nil {
				e.membership.RequestMemberRemoval(identity, reason)
			}
		},
		IdleTimeout: e.cfg.IdleTimeout,
	}
}

// Stop gracefully shuts down the engine: stops accepting, closes every
// live connection, waits for the accept loop to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.ln == nil {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	ln := e.ln
	e.ln = nil
	e.mu.Unlock()
	_ = ln.Close()

	for _, c := range e.table.Snapshot() {
		c.Close(conn.CloseOpts{Reason: "engine shutdown", CleanupEndpoint: true})
	}

	e.acceptingWg.Wait()
	e.log.Info("mesh engine stopped")
	return nil
}

// Addr returns the bound listener address (nil if not started).
func (e *Engine) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// ConnectionCount returns the number of live connections in the table.
func (e *Engine) ConnectionCount() int { return e.table.Len() }
