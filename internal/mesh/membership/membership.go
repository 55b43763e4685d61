// Package membership declares the narrow external-collaborator contract
// the connection engine needs from the cluster membership service (§6).
// The engine never implements membership view maintenance itself
// (Non-goals) — it only calls through this interface.
package membership

// Service is the inbound contract the engine calls into membership with.
// A production embedder supplies a concrete implementation; tests supply
// a fake.
type Service interface {
	// LocalMemberID returns this process's own member identity bytes.
	LocalMemberID() []byte
	// MemberExists reports whether identity is a known, current member.
	MemberExists(identity []byte) bool
	// IsShunned reports whether identity has been forcibly excluded.
	IsShunned(identity []byte) bool
	// ShutdownInProgress reports whether the local process is unwinding,
	// used as the cancellation criterion (§5 Cancellation).
	ShutdownInProgress() bool
	// SuspectMember reports a peer as suspected of failure with reason.
	SuspectMember(identity []byte, reason string)
	// RequestMemberRemoval asks membership to eject identity with reason.
	RequestMemberRemoval(identity []byte, reason string)
	// AddSurpriseMember admits identity that connected before membership
	// learned about it through the normal view-update path.
	AddSurpriseMember(identity []byte)
	// AwaitClearance blocks until membership confirms identity has cleared
	// the membership check, used by the acceptor's secure-mode handshake
	// gating (§4.2). Implementations bound the wait themselves: the
	// handshake's socket deadline does not interrupt this call.
	AwaitClearance(identity []byte) bool
}
