// Package ackmonitor implements the ack-timeout detection described in
// §4.7: a periodic timer that escalates from a
// warning to a severe alert while a direct-ack is outstanding, and resets
// sibling connections in the same multicast-style send group so they
// don't all alert on the same slow peer.
package ackmonitor

import (
	"sync"
	"time"
)

// Callbacks are the engine hooks the monitor drives as thresholds cross.
// OnWarn and OnFatal take no arguments; the owning connection's closures
// decide how (and whether) to notify membership, per
// enableNetworkPartitionDetection (§6).
type Callbacks struct {
	OnWarn  func()
	OnFatal func()
}

// Monitor tracks one in-flight send awaiting a direct-ack reply.
type Monitor struct {
	ackWait   time.Duration
	ackSevere time.Duration // 0 disables severe-alert escalation
	cb        Callbacks

	mu      sync.Mutex
	start   time.Time
	timer   *time.Timer
	warned  bool
	fatal   bool
	group   *Group
	stopped bool
}

// New creates a Monitor for one in-flight send. ackWait and ackSevere are
// zero-valued when ack-timeout detection is disabled for this send.
func New(ackWait, ackSevere time.Duration, cb Callbacks, group *Group) *Monitor {
	return &Monitor{ackWait: ackWait, ackSevere: ackSevere, cb: cb, group: group}
}

// Arm records the transmission start time and schedules the periodic
// check. Call once per send that carries the direct-ack flag and sets
// ackWaitThreshold > 0 (§4.7).
func (m *Monitor) Arm() {
	if m.ackWait <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = time.Now()
	m.warned = false
	m.fatal = false
	m.stopped = false
	m.schedule(m.ackWait)
}

// schedule must be called with mu held.
func (m *Monitor) schedule(after time.Duration) {
	if m.stopped {
		return
	}
	m.timer = time.AfterFunc(after, m.fire)
}

func (m *Monitor) fire() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	elapsed := time.Since(m.start)

	switch {
	case m.ackSevere > 0 && elapsed >= m.ackWait+m.ackSevere:
		if !m.fatal {
			m.fatal = true
			cb := m.cb.OnFatal
			group := m.group
			m.mu.Unlock()
			if cb != nil {
				cb()
			}
			if group != nil {
				group.ResetSiblings(m.ackSevere)
			}
			return
		}
		m.mu.Unlock()
	case elapsed >= m.ackWait:
		if !m.warned {
			m.warned = true
			cb := m.cb.OnWarn
			m.mu.Unlock()
			if cb != nil {
				cb()
			}
			m.mu.Lock()
		}
		if m.ackSevere > 0 {
			remaining := m.ackWait + m.ackSevere - elapsed
			if remaining < 0 {
				remaining = 0
			}
			m.schedule(remaining)
		}
		m.mu.Unlock()
	default:
		m.schedule(m.ackWait - elapsed)
		m.mu.Unlock()
	}
}

// SetGroup attaches (or detaches, with a nil g) the sibling group this
// monitor reports a severe alert to. Joining adds m to g's sibling list so
// g can also reset m's own clock when a different sibling fires first.
func (m *Monitor) SetGroup(g *Group) {
	m.mu.Lock()
	m.group = g
	m.mu.Unlock()
	if g != nil {
		g.Join(m)
	}
}

// Advance pushes transmissionStartTime forward by d, used when this
// connection is reset as a sibling in a group whose lead connection just
// fired a severe alert (§4.7).
func (m *Monitor) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = m.start.Add(d)
}

// Cancel stops the monitor; call when the ack is received or the
// connection closes.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	m.stopped = true
	t := m.timer
	m.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Group is the registry of sibling connections participating in one
// logical multicast-style send, so a severe alert on one can advance the
// others' transmission start times (SUPPLEMENTED FEATURES).
type Group struct {
	mu       sync.Mutex
	siblings []*Monitor
}

// NewGroup creates an empty sibling group.
func NewGroup() *Group { return &Group{} }

// Join adds m as a member of the group.
func (g *Group) Join(m *Monitor) {
	g.mu.Lock()
	g.siblings = append(g.siblings, m)
	g.mu.Unlock()
}

// ResetSiblings advances every member's transmissionStartTime by d.
func (g *Group) ResetSiblings(d time.Duration) {
	g.mu.Lock()
	siblings := append([]*Monitor(nil), g.siblings...)
	g.mu.Unlock()
	for _, m := range siblings {
		m.Advance(d)
	}
}
