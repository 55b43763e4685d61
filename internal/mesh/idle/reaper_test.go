package idle

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestReapsAfterWindowWithNoActivity(t *testing.T) {
	var reaped atomic.Bool
	task := NewTask(10*time.Millisecond, false, func() { reaped.Store(true) })
	task.Start()
	defer task.Cancel()

	deadline := time.After(time.Second)
	for !reaped.Load() {
		select {
		case <-deadline:
			t.Fatalf("expected reap to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTouchPreventsReapAcrossOneWindow(t *testing.T) {
	var reaped atomic.Bool
	task := NewTask(15*time.Millisecond, false, func() { reaped.Store(true) })
	task.Start()
	defer task.Cancel()

	// Keep touching for longer than one window; should never reap while touched.
	stop := time.Now().Add(60 * time.Millisecond)
	for time.Now().Before(stop) {
		task.Touch()
		time.Sleep(5 * time.Millisecond)
	}
	if reaped.Load() {
		t.Fatalf("expected no reap while repeatedly touched")
	}
}

func TestExemptConnectionNeverReaps(t *testing.T) {
	var reaped atomic.Bool
	task := NewTask(10*time.Millisecond, true, func() { reaped.Store(true) })
	task.Start()
	defer task.Cancel()

	time.Sleep(60 * time.Millisecond)
	if reaped.Load() {
		t.Fatalf("expected exempt connection never to reap")
	}
}

func TestCancelStopsFurtherReap(t *testing.T) {
	var reaped atomic.Bool
	task := NewTask(10*time.Millisecond, false, func() { reaped.Store(true) })
	task.Start()
	task.Cancel()

	time.Sleep(40 * time.Millisecond)
	if reaped.Load() {
		t.Fatalf("expected no reap after cancel")
	}
}
