package integration

import (
	"testing"
	"time"

	"github.com/gridmesh/tcpmesh/internal/mesh/engine"
	"github.com/gridmesh/tcpmesh/internal/mesh/membership"
	"github.com/gridmesh/tcpmesh/internal/stats"
)

// TestIdleConnectionIsReaped exercises the idle reaper (§4.8): a connection
// with no traffic for longer than IdleTimeout is closed and dropped from
// the table without either side calling Close explicitly.
func TestIdleConnectionIsReaped(t *testing.T) {
	identityA := []byte("idle-a")
	identityB := []byte("idle-b")

	cfgA := testConfig("127.0.0.1:0")
	cfgA.IdleTimeout = 150 * time.Millisecond
	engA := engine.New(cfgA, identityA, membership.NewLocalService(identityA), &recordingDispatcher{}, stats.New(), nil)
	if err := engA.Start(); err != nil {
		t.Fatalf("start member A: %v", err)
	}
	defer engA.Stop()

	cfgB := testConfig("127.0.0.1:0")
	cfgB.IdleTimeout = 150 * time.Millisecond
	engB := engine.New(cfgB, identityB, membership.NewLocalService(identityB), &recordingDispatcher{}, stats.New(), nil)
	if err := engB.Start(); err != nil {
		t.Fatalf("start member B: %v", err)
	}
	defer engB.Stop()

	if _, err := engB.Dial(engA.Addr().String(), identityA, true, true); err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if engA.ConnectionCount() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if engA.ConnectionCount() != 0 {
		t.Fatalf("expected idle connection to be reaped on the acceptor side, still have %d", engA.ConnectionCount())
	}
}

// TestEngineStopClosesAllConnections exercises the shutdown cascade (§7):
// Stop must tear down every live connection and return once the listener
// and accept loop have fully unwound.
func TestEngineStopClosesAllConnections(t *testing.T) {
	identityA := []byte("stop-a")
	identityB := []byte("stop-b")

	engA := engine.New(testConfig("127.0.0.1:0"), identityA, membership.NewLocalService(identityA), &recordingDispatcher{}, stats.New(), nil)
	if err := engA.Start(); err != nil {
		t.Fatalf("start member A: %v", err)
	}

	engB := engine.New(testConfig("127.0.0.1:0"), identityB, membership.NewLocalService(identityB), &recordingDispatcher{}, stats.New(), nil)
	if err := engB.Start(); err != nil {
		t.Fatalf("start member B: %v", err)
	}
	defer engB.Stop()

	if _, err := engB.Dial(engA.Addr().String(), identityA, true, true); err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && engA.ConnectionCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if engA.ConnectionCount() != 1 {
		t.Fatalf("expected member A to have registered the inbound connection")
	}

	if err := engA.Stop(); err != nil {
		t.Fatalf("stop member A: %v", err)
	}
	if engA.ConnectionCount() != 0 {
		t.Fatalf("expected Stop to close every connection, still have %d", engA.ConnectionCount())
	}
}
