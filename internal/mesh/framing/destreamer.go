package framing

import (
	"fmt"
	"sync"
)

// Destreamer reassembles a message delivered as a sequence of TypeChunk
// frames terminated by one TypeFinalChunk frame sharing the same message
// id (§4.3, §4.6). One Destreamer serves every message id multiplexed over
// a connection; the general reader and the direct-ack reader (readAck)
// share the same instance so a chunked ack reply accumulates the same way
// a chunked dispatched message does.
type Destreamer struct {
	mu  sync.Mutex
	acc map[uint16][]byte
}

// NewDestreamer returns an empty accumulator.
func NewDestreamer() *Destreamer {
	return &Destreamer{acc: make(map[uint16][]byte)}
}

// Append adds payload for the given header to the in-flight message keyed
// by header.ID. When header.Type is TypeFinalChunk, the assembled message
// is returned and the accumulator entry is cleared. For TypeChunk, Append
// returns (nil, false, nil) — caller should keep reading.
func (d *Destreamer) Append(h Header, payload []byte) (assembled []byte, complete bool, err error) {
	switch h.Type {
	case TypeChunk:
		d.mu.Lock()
		d.acc[h.ID] = append(d.acc[h.ID], payload...)
		d.mu.Unlock()
		return nil, false, nil
	case TypeFinalChunk:
		d.mu.Lock()
		buf := append(d.acc[h.ID], payload...)
		delete(d.acc, h.ID)
		d.mu.Unlock()
		return buf, true, nil
	case TypeNormal:
		return payload, true, nil
	default:
		return nil, false, fmt.Errorf("framing: destreamer: unexpected type 0x%02X", h.Type)
	}
}

// Discard drops any partial accumulation for id. The connection close
// path does not call it.
func (d *Destreamer) Discard(id uint16) {
	d.mu.Lock()
	delete(d.acc, id)
	d.mu.Unlock()
}
