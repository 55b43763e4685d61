package membership

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/gridmesh/tcpmesh/internal/logger"
)

// LocalService is a minimal, single-process Service implementation: it
// tracks shunned/suspected identities in memory without participating in
// any distributed view protocol. It exists for the demo binary and tests;
// a real deployment wires the engine to its own membership component
// through the Service interface instead (§6 Non-goals: the engine itself
// never implements membership view maintenance).
type LocalService struct {
	local []byte
	log   *slog.Logger

	mu       sync.RWMutex
	shunned  map[string]bool
	shutdown bool
}

// NewLocalService returns a Service rooted at the given local identity.
func NewLocalService(localIdentity []byte) *LocalService {
	return &LocalService{
		local:   localIdentity,
		log:     logger.Logger().With("component", "membership"),
		shunned: make(map[string]bool),
	}
}

func (s *LocalService) LocalMemberID() []byte { return s.local }

func (s *LocalService) MemberExists(identity []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.shunned[string(identity)]
}

func (s *LocalService) IsShunned(identity []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shunned[string(identity)]
}

func (s *LocalService) ShutdownInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}

func (s *LocalService) SuspectMember(identity []byte, reason string) {
	s.log.Warn("member suspected", "identity", identity, "reason", reason)
}

func (s *LocalService) RequestMemberRemoval(identity []byte, reason string) {
	s.log.Warn("member removal requested", "identity", identity, "reason", reason)
	s.mu.Lock()
	s.shunned[string(identity)] = true
	s.mu.Unlock()
}

func (s *LocalService) AddSurpriseMember(identity []byte) {
	if bytes.Equal(identity, s.local) {
		return
	}
	s.log.Info("surprise member admitted", "identity", identity)
}

// AwaitClearance reports immediately: a single-process membership view has
// nothing to wait on, so any non-shunned identity clears at once.
func (s *LocalService) AwaitClearance(identity []byte) bool {
	return !s.IsShunned(identity)
}

// Shutdown marks this process as unwinding, for ShutdownInProgress.
func (s *LocalService) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}
