package integration

import (
	"testing"

	"github.com/gridmesh/tcpmesh/internal/mesh/dispatch"
	"github.com/gridmesh/tcpmesh/internal/mesh/engine"
	"github.com/gridmesh/tcpmesh/internal/mesh/membership"
	"github.com/gridmesh/tcpmesh/internal/stats"
)

// ackingDispatcher accepts ack responsibility for every direct-ack message
// and replies with a fixed payload, so a multicast-style group send has
// something to receive a reply from.
type ackingDispatcher struct {
	reply []byte
}

func (d *ackingDispatcher) MessageReceived(conn dispatch.ConnectionHandle, payload []byte, bytesRead int, directAck bool, msgID uint16) bool {
	if !directAck {
		return false
	}
	_ = conn.SendDirectAckReply(msgID, d.reply)
	return true
}

// TestSendToGroupDeliversToEveryTarget exercises the multicast-style group
// send (§4.7): one member dials two peers and sends the same payload to
// both as one logical group, collecting each peer's direct-ack reply.
func TestSendToGroupDeliversToEveryTarget(t *testing.T) {
	identitySender := []byte("group-sender")
	identityC := []byte("group-peer-c")
	identityD := []byte("group-peer-d")

	engC := engine.New(testConfig("127.0.0.1:0"), identityC, membership.NewLocalService(identityC), &ackingDispatcher{reply: []byte("ack-from-c")}, stats.New(), nil)
	if err := engC.Start(); err != nil {
		t.Fatalf("start peer C: %v", err)
	}
	defer engC.Stop()

	engD := engine.New(testConfig("127.0.0.1:0"), identityD, membership.NewLocalService(identityD), &ackingDispatcher{reply: []byte("ack-from-d")}, stats.New(), nil)
	if err := engD.Start(); err != nil {
		t.Fatalf("start peer D: %v", err)
	}
	defer engD.Stop()

	sender := engine.New(testConfig("127.0.0.1:0"), identitySender, membership.NewLocalService(identitySender), &ackingDispatcher{}, stats.New(), nil)
	if err := sender.Start(); err != nil {
		t.Fatalf("start sender: %v", err)
	}
	defer sender.Stop()

	// Dial both peers as thread-owned (non-shared) connections: a
	// direct-ack round trip reads its reply synchronously on the sending
	// goroutine (readAck), so these connections must not also run a
	// background reader goroutine racing the same socket.
	if _, err := sender.Dial(engC.Addr().String(), identityC, false, true); err != nil {
		t.Fatalf("dial peer C: %v", err)
	}
	if _, err := sender.Dial(engD.Addr().String(), identityD, false, true); err != nil {
		t.Fatalf("dial peer D: %v", err)
	}

	targets := []engine.MulticastTarget{
		{Identity: identityC, Shared: false, PreserveOrder: true},
		{Identity: identityD, Shared: false, PreserveOrder: true},
	}
	replies, err := sender.SendToGroup(targets, []byte("broadcast payload"))
	if err != nil {
		t.Fatalf("send to group: %v", err)
	}

	if string(replies[string(identityC)]) != "ack-from-c" {
		t.Fatalf("unexpected reply from peer C: %q", replies[string(identityC)])
	}
	if string(replies[string(identityD)]) != "ack-from-d" {
		t.Fatalf("unexpected reply from peer D: %q", replies[string(identityD)])
	}
}
