package ackmonitor

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWarnFiresAfterAckWait(t *testing.T) {
	var warned atomic.Bool
	m := New(20*time.Millisecond, 0, Callbacks{OnWarn: func() { warned.Store(true) }}, nil)
	m.Arm()
	defer m.Cancel()

	deadline := time.After(time.Second)
	for !warned.Load() {
		select {
		case <-deadline:
			t.Fatalf("expected warn to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSevereAlertFiresAfterAckWaitPlusSevere(t *testing.T) {
	var fatal atomic.Bool
	m := New(10*time.Millisecond, 20*time.Millisecond, Callbacks{OnFatal: func() { fatal.Store(true) }}, nil)
	m.Arm()
	defer m.Cancel()

	deadline := time.After(time.Second)
	for !fatal.Load() {
		select {
		case <-deadline:
			t.Fatalf("expected severe alert to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCancelPreventsFurtherCallbacks(t *testing.T) {
	var warnCount atomic.Int32
	m := New(10*time.Millisecond, 0, Callbacks{OnWarn: func() { warnCount.Add(1) }}, nil)
	m.Arm()
	m.Cancel()

	time.Sleep(50 * time.Millisecond)
	if warnCount.Load() != 0 {
		t.Fatalf("expected no callbacks after cancel, got %d", warnCount.Load())
	}
}

func TestGroupResetAdvancesSiblingStartTimes(t *testing.T) {
	group := NewGroup()

	var leadFatal atomic.Bool
	lead := New(10*time.Millisecond, 15*time.Millisecond, Callbacks{OnFatal: func() { leadFatal.Store(true) }}, group)
	sibling := New(1*time.Hour, 1*time.Hour, Callbacks{}, nil)
	group.Join(lead)
	group.Join(sibling)

	before := sibling.start
	lead.Arm()
	defer lead.Cancel()

	deadline := time.After(time.Second)
	for !leadFatal.Load() {
		select {
		case <-deadline:
			t.Fatalf("expected lead severe alert to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// give ResetSiblings a moment to run (invoked right after OnFatal)
	time.Sleep(10 * time.Millisecond)

	sibling.mu.Lock()
	after := sibling.start
	sibling.mu.Unlock()
	if !after.After(before) {
		t.Fatalf("expected sibling start time to advance, before=%v after=%v", before, after)
	}
}
