package engine

import (
	"crypto/rand"
	"encoding/binary"
)

// uniqueID generates the 64-bit handshake uniqueId (§4.2): a value that
// just needs to disambiguate reconnect attempts from the same member, not
// a cryptographic secret, so plain crypto/rand sourcing is sufficient.
func uniqueID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
