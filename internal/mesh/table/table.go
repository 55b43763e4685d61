// Package table implements the connection table (§3): the map from
// (remote member identity, shared, preserveOrder) to at most one live
// Connection, grounded on the stream registry's double-checked-locking
// map pattern.
package table

import (
	"encoding/hex"
	"sync"

	"github.com/gridmesh/tcpmesh/internal/mesh/conn"
)

// Key identifies one entry in the connection table (§3: "at most one live
// shared connection per (remote, shared, preserveOrder) triple").
type Key struct {
	Remote        string // hex-encoded remote member identity
	Shared        bool
	PreserveOrder bool
}

func keyFor(remoteIdentity []byte, shared, preserveOrder bool) Key {
	return Key{Remote: hex.EncodeToString(remoteIdentity), Shared: shared, PreserveOrder: preserveOrder}
}

// Table is the live set of connections this member currently holds open to
// its peers, keyed so a shared connection is never duplicated.
type Table struct {
	mu    sync.RWMutex
	conns map[Key]*conn.Connection

	dominoMu   sync.RWMutex
	dominoHint bool
}

// New returns an empty connection table.
func New() *Table {
	return &Table{conns: make(map[Key]*conn.Connection)}
}

// Get returns the live connection for the given key, if any.
func (t *Table) Get(remoteIdentity []byte, shared, preserveOrder bool) (*conn.Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[keyFor(remoteIdentity, shared, preserveOrder)]
	return c, ok
}

// ReserveOrAdopt returns the existing connection for key if one is already
// registered, otherwise registers c and returns it. The boolean reports
// whether c itself was the one adopted (false means a pre-existing
// connection won the race and the caller should close c).
//
// This implements the data model's "at most one live shared connection"
// invariant with the registry's double-checked-locking pattern: a fast
// read-locked check, then a write-locked re-check before insertion.
func (t *Table) ReserveOrAdopt(remoteIdentity []byte, shared, preserveOrder bool, c *conn.Connection) (*conn.Connection, bool) {
	key := keyFor(remoteIdentity, shared, preserveOrder)

	t.mu.RLock()
	if existing, ok := t.conns[key]; ok {
		t.mu.RUnlock()
		return existing, false
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[key]; ok {
		return existing, false
	}
	t.conns[key] = c
	return c, true
}

// RegisterReceiver inserts a freshly-accepted connection into the table
// before any message can be dispatched to it, per §3's
// registration-before-dispatch rule for receivers. Acceptor connections
// never race each other the way outbound dials do, so this is an
// unconditional insert overwriting the key's previous entry.
func (t *Table) RegisterReceiver(remoteIdentity []byte, shared, preserveOrder bool, c *conn.Connection) {
	key := keyFor(remoteIdentity, shared, preserveOrder)
	t.mu.Lock()
	t.conns[key] = c
	t.mu.Unlock()
}

// Remove drops c from the table if it is still the entry registered under
// its key (a connection that lost a ReserveOrAdopt race, or one already
// superseded, must not evict its successor).
func (t *Table) Remove(remoteIdentity []byte, shared, preserveOrder bool, c *conn.Connection) {
	key := keyFor(remoteIdentity, shared, preserveOrder)
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[key]; ok && existing == c {
		delete(t.conns, key)
	}
}

// Len reports how many live connections the table currently holds.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// DominoHint reports whether this member currently prefers thread-owned
// outbound sockets, per the domino-count propagation rule (§4.2): once an
// accepted connection's domino count crosses the threshold on a
// thread-owned path, every subsequent outbound dial propagates that
// preference to the next hop instead of reverting to shared connections.
func (t *Table) DominoHint() bool {
	t.dominoMu.RLock()
	defer t.dominoMu.RUnlock()
	return t.dominoHint
}

// SetDominoHint latches the domino preference. It only ever escalates
// false->true; once a thread-owned preference is observed it sticks for
// the life of the table, matching the original's per-thread latch that
// never resets mid-handshake-chain.
func (t *Table) SetDominoHint(prefer bool) {
	if !prefer {
		return
	}
	t.dominoMu.Lock()
	t.dominoHint = true
	t.dominoMu.Unlock()
}

// Snapshot returns every connection currently registered, for callers that
// need to iterate without holding the table lock (e.g. idle sweeps,
// shutdown broadcast).
func (t *Table) Snapshot() []*conn.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*conn.Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}
