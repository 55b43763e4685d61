// Package dispatch declares the outbound contract the connection engine
// calls into once a message is fully assembled (§6: "Outbound contract to
// dispatcher").
package dispatch

// ConnectionHandle is the minimal surface the dispatcher needs back from
// the engine to route a reply (e.g. a direct-ack response) to the
// connection that delivered the message, without importing the conn
// package and creating an import cycle.
type ConnectionHandle interface {
	ID() uint64
	RemoteIdentity() []byte
	// SendDirectAckReply writes reply on the same socket that delivered
	// the original direct-ack message, bypassing the general dispatch
	// pipeline (§4.6). id must be the msgID the dispatcher was handed in
	// MessageReceived, so the reply is routable back to the sender's
	// readAck waiter.
	SendDirectAckReply(id uint16, reply []byte) error
}

// Dispatcher receives a fully assembled inbound message plus the
// originating connection handle for reply routing.
type Dispatcher interface {
	// MessageReceived is invoked once per assembled message (single-shot
	// or chunk-reassembled). bytesRead is the total payload length.
	// directAck reports whether the sender flagged the message for a
	// direct-ack reply (§4.3); msgID is the id to echo back through
	// SendDirectAckReply if the dispatcher decides to reply. A dispatcher
	// must reply only when directAck is true and it accepts responsibility
	// for this message. The returned bool reports whether it accepted
	// that responsibility; when false, the engine treats the message as
	// unacknowledged rather than attempting a reply itself.
	MessageReceived(conn ConnectionHandle, payload []byte, bytesRead int, directAck bool, msgID uint16) (acceptsAck bool)
}
