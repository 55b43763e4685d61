package table

import (
	"net"
	"testing"

	"github.com/gridmesh/tcpmesh/internal/mesh/conn"
	"github.com/gridmesh/tcpmesh/internal/mesh/iofilter"
)

func newTestConn(t *testing.T) *conn.Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return conn.New(client, conn.RoleInitiator, true, true, []byte("peer"), 1, iofilter.NewIdentity(client), conn.Deps{TCPBufferSize: 4096}, nil)
}

func TestReserveOrAdoptInsertsOnFirstCall(t *testing.T) {
	tb := New()
	c := newTestConn(t)

	won, ok := tb.ReserveOrAdopt([]byte("peer"), true, true, c)
	if !ok || won != c {
		t.Fatalf("expected first reservation to win")
	}
	if tb.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tb.Len())
	}
}

func TestReserveOrAdoptSecondCallerAdoptsExisting(t *testing.T) {
	tb := New()
	first := newTestConn(t)
	second := newTestConn(t)

	tb.ReserveOrAdopt([]byte("peer"), true, true, first)
	won, ok := tb.ReserveOrAdopt([]byte("peer"), true, true, second)
	if ok {
		t.Fatalf("expected second caller to lose the race")
	}
	if won != first {
		t.Fatalf("expected the existing connection to be returned")
	}
	if tb.Len() != 1 {
		t.Fatalf("expected table to still hold exactly 1 entry")
	}
}

func TestDistinctKeysDoNotCollide(t *testing.T) {
	tb := New()
	shared := newTestConn(t)
	unordered := newTestConn(t)

	tb.ReserveOrAdopt([]byte("peer"), true, true, shared)
	tb.ReserveOrAdopt([]byte("peer"), true, false, unordered)

	if tb.Len() != 2 {
		t.Fatalf("expected shared+preserveOrder and shared+unordered to be distinct entries, got %d", tb.Len())
	}
}

func TestRemoveOnlyEvictsMatchingEntry(t *testing.T) {
	tb := New()
	first := newTestConn(t)
	second := newTestConn(t)

	tb.ReserveOrAdopt([]byte("peer"), true, true, first)
	// second never wins the race, so it must not be able to evict first.
	tb.Remove([]byte("peer"), true, true, second)
	if _, ok := tb.Get([]byte("peer"), true, true); !ok {
		t.Fatalf("expected first connection to remain registered")
	}

	tb.Remove([]byte("peer"), true, true, first)
	if _, ok := tb.Get([]byte("peer"), true, true); ok {
		t.Fatalf("expected entry to be gone after matching remove")
	}
}

func TestRegisterReceiverOverwritesPreviousEntry(t *testing.T) {
	tb := New()
	first := newTestConn(t)
	second := newTestConn(t)

	tb.RegisterReceiver([]byte("peer"), false, false, first)
	tb.RegisterReceiver([]byte("peer"), false, false, second)

	got, ok := tb.Get([]byte("peer"), false, false)
	if !ok || got != second {
		t.Fatalf("expected receiver registration to overwrite the prior entry")
	}
}

func TestSnapshotReturnsAllConnections(t *testing.T) {
	tb := New()
	a := newTestConn(t)
	b := newTestConn(t)
	tb.ReserveOrAdopt([]byte("a"), true, true, a)
	tb.ReserveOrAdopt([]byte("b"), true, true, b)

	snap := tb.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 connections in snapshot, got %d", len(snap))
	}
}
