package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gridmesh/tcpmesh/internal/mesh/dispatch"
	"github.com/gridmesh/tcpmesh/internal/mesh/iofilter"
	"github.com/gridmesh/tcpmesh/internal/stats"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	received [][]byte
	ackReply []byte
}

func (d *recordingDispatcher) MessageReceived(h dispatch.ConnectionHandle, payload []byte, n int, directAck bool, msgID uint16) bool {
	d.mu.Lock()
	cp := append([]byte{}, payload...)
	d.received = append(d.received, cp)
	d.mu.Unlock()
	if d.ackReply != nil {
		_ = h.SendDirectAckReply(msgID, d.ackReply)
	}
	return true
}

func testDeps(d *recordingDispatcher) Deps {
	return Deps{
		Dispatcher:               d,
		Stats:                    stats.New(),
		TCPBufferSize:            4096,
		MaxConnectionSenders:     8,
		AsyncDistributionTimeout: 50 * time.Millisecond,
		AsyncQueueTimeout:        200 * time.Millisecond,
		AckWaitThreshold:         100 * time.Millisecond,
		AckSevereAlertThreshold:  100 * time.Millisecond,
		IdleTimeout:              0,
	}
}

func TestSendDeliversAssembledMessageToDispatcher(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	disp := &recordingDispatcher{}
	srv := New(server, RoleAcceptor, false, true, []byte("client"), 1, iofilter.NewIdentity(server), testDeps(disp), nil)
	srv.Start(false)
	defer srv.Close(CloseOpts{Reason: "test teardown"})

	cli := New(client, RoleInitiator, false, true, []byte("server"), 1, iofilter.NewIdentity(client), Deps{TCPBufferSize: 4096}, nil)

	wc := NewWriterContext()
	if err := cli.Send("k", false, []byte("hello"), wc); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		disp.mu.Lock()
		n := len(disp.received)
		disp.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.received) != 1 || string(disp.received[0]) != "hello" {
		t.Fatalf("unexpected received messages: %v", disp.received)
	}
}

func TestSendWithAckReturnsReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	disp := &recordingDispatcher{ackReply: []byte("ack-ok")}
	srv := New(server, RoleAcceptor, false, true, []byte("client"), 1, iofilter.NewIdentity(server), testDeps(disp), nil)
	srv.Start(false)
	defer srv.Close(CloseOpts{Reason: "test teardown"})

	cli := New(client, RoleInitiator, false, true, []byte("server"), 1, iofilter.NewIdentity(client), testDeps(nil), nil)
	defer cli.Close(CloseOpts{Reason: "test teardown"})

	reply, err := cli.SendWithAck([]byte("ping"), NewWriterContext())
	if err != nil {
		t.Fatalf("send with ack: %v", err)
	}
	if string(reply) != "ack-ok" {
		t.Fatalf("unexpected ack reply: %q", reply)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := New(client, RoleInitiator, false, true, nil, 1, iofilter.NewIdentity(client), testDeps(nil), nil)
	c.Close(CloseOpts{Reason: "first"})
	c.Close(CloseOpts{Reason: "second"})
	if !c.Closing() {
		t.Fatalf("expected connection to report closing")
	}
}

func TestSendAsyncRoutesThroughQueue(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	disp := &recordingDispatcher{}
	srv := New(server, RoleAcceptor, false, true, []byte("client"), 1, iofilter.NewIdentity(server), testDeps(disp), nil)
	srv.Start(false)
	defer srv.Close(CloseOpts{Reason: "test teardown"})

	deps := testDeps(nil)
	deps.ForceAsyncQueue = true
	cli := New(client, RoleInitiator, false, true, []byte("server"), 1, iofilter.NewIdentity(client), deps, nil)
	defer cli.Close(CloseOpts{Reason: "test teardown"})

	if err := cli.Send("k", true, []byte("queued"), NewWriterContext()); err != nil {
		t.Fatalf("send async: %v", err)
	}
	if !cli.pusher.Running() {
		t.Fatalf("expected pusher to be running after async send")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		disp.mu.Lock()
		n := len(disp.received)
		disp.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.received) != 1 || string(disp.received[0]) != "queued" {
		t.Fatalf("unexpected received via async path: %v", disp.received)
	}
}
