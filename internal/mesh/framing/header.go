// Package framing implements the engine's 7-byte wire header (§4.1): encode,
// decode, and type validation, plus the chunk accumulator shared by the
// general reader and the direct-ack read path (§4.6).
package framing

import (
	"encoding/binary"
	"fmt"

	protoerr "github.com/gridmesh/tcpmesh/internal/errors"
)

// HandshakeVersion is the protocol version carried in the top 8 bits of
// every header's length field. A mismatch is a fatal protocol error.
const HandshakeVersion = 7

// Message type bytes (§4.1/§6). DirectAckFlag is ORed into the type byte by
// senders that expect an inline reply on the same socket.
const (
	TypeNormal      uint8 = 0x4C
	TypeChunk       uint8 = 0x4D
	TypeFinalChunk  uint8 = 0x4E
	DirectAckFlag   uint8 = 0x20
	typeMask        uint8 = ^DirectAckFlag
	maxPayloadBytes       = 16*1024*1024 - 1 // 16 MiB - 1

	// NoMsgID is the reserved message id used by handshake and single-shot
	// reply frames that need no chunk correlation.
	NoMsgID uint16 = 0xFFFF

	// HeaderLen is the fixed size of the wire header in bytes.
	HeaderLen = 7
)

// Header is the decoded form of the 7-byte wire header.
type Header struct {
	Type       uint8 // raw type byte, direct-ack bit already cleared
	ID         uint16
	PayloadLen uint32
	DirectAck  bool
}

// EncodeHeader writes a wire header for (msgType, id, payloadLen) into dst,
// which must have at least HeaderLen bytes of capacity from offset 0.
// directAck ORs in the inline-reply bit.
func EncodeHeader(dst []byte, msgType uint8, id uint16, payloadLen uint32, directAck bool) error {
	if len(dst) < HeaderLen {
		return fmt.Errorf("framing: dst too small for header: %d < %d", len(dst), HeaderLen)
	}
	if payloadLen > maxPayloadBytes {
		return protoerr.NewFramingError("encodeHeader", fmt.Errorf("payload %d exceeds max %d", payloadLen, maxPayloadBytes))
	}
	if !ValidateType(msgType) {
		return protoerr.NewFramingError("encodeHeader", fmt.Errorf("illegal type byte 0x%02X", msgType))
	}

	lengthField := (uint32(HandshakeVersion) << 24) | (payloadLen & 0x00FFFFFF)
	binary.BigEndian.PutUint32(dst[0:4], lengthField)

	typeByte := msgType
	if directAck {
		typeByte |= DirectAckFlag
	}
	dst[4] = typeByte

	binary.BigEndian.PutUint16(dst[5:7], id)
	return nil
}

// DecodeHeader parses a 7-byte wire header. The direct-ack bit is cleared
// from Type before ValidateType is consulted, matching §8's testable
// property that the flag never participates in type validation.
func DecodeHeader(src []byte) (Header, error) {
	var h Header
	if len(src) < HeaderLen {
		return h, fmt.Errorf("framing: src too small for header: %d < %d", len(src), HeaderLen)
	}

	lengthField := binary.BigEndian.Uint32(src[0:4])
	version := uint8(lengthField >> 24)
	if version != HandshakeVersion {
		return h, protoerr.NewFramingError("decodeHeader", fmt.Errorf("version mismatch: got %d want %d", version, HandshakeVersion))
	}
	h.PayloadLen = lengthField & 0x00FFFFFF

	rawType := src[4]
	h.DirectAck = rawType&DirectAckFlag != 0
	h.Type = rawType & typeMask

	if !ValidateType(h.Type) {
		return h, protoerr.NewFramingError("decodeHeader", fmt.Errorf("illegal type byte 0x%02X", h.Type))
	}

	h.ID = binary.BigEndian.Uint16(src[5:7])
	return h, nil
}

// ValidateType reports whether t (with any direct-ack bit already cleared)
// is one of the three legal frame types.
func ValidateType(t uint8) bool {
	switch t {
	case TypeNormal, TypeChunk, TypeFinalChunk:
		return true
	default:
		return false
	}
}
