// Package handshake implements the connection engine's peer handshake
// (§4.2): identity/flags/version exchange, domino-count propagation, and
// the OK / OK-with-async-info reply shapes.
package handshake

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	protoerr "github.com/gridmesh/tcpmesh/internal/errors"
	"github.com/gridmesh/tcpmesh/internal/mesh/framing"
)

// Reply codes (§4.2, §6).
const (
	ReplyOK           uint8 = 69
	ReplyOKWithAsync   uint8 = 70
)

// reservedByte must be zero on the initiator frame; a nonzero value marks
// an older, incompatible peer.
const reservedByte = 0x00

// PeerInfo is what each side learns about the other during the handshake.
type PeerInfo struct {
	Identity       []byte
	SharedResource bool
	PreserveOrder  bool
	UniqueID       uint64
	ProductVersion uint16
	DominoCount    int
}

// AsyncParams is carried by the OK-with-async-info reply (§4.2). Sizes are
// in bytes; the wire form carries asyncMaxQueueSize in megabytes and the
// initiator scales it.
type AsyncParams struct {
	AsyncDistributionTimeout time.Duration
	AsyncQueueTimeout        time.Duration
	AsyncMaxQueueSize        int64
}

// Result is returned to the initiator after a successful handshake.
type Result struct {
	Remote         PeerInfo
	Async          *AsyncParams // nil unless the acceptor replied OK-with-async-info
	AcceptorVersion uint16
}

// DominoDecision records whether the acceptor's own reader thread should
// now prefer creating thread-owned outbound sockets, per the domino-count
// propagation rule (Glossary, SUPPLEMENTED FEATURES).
type DominoDecision struct {
	PreferThreadOwned bool
}

// Membership is the narrow slice of the membership collaborator the
// acceptor needs during handshake, injected to avoid a dependency cycle
// between handshake and the membership package.
type Membership interface {
	IsShunned(identity []byte) bool
	// AwaitClearance blocks until membership confirms identity has cleared
	// the membership check (or a bounded internal wait expires), used only
	// when secure mode is configured (§4.2).
	AwaitClearance(identity []byte) bool
}

// deadliner is the subset of net.Conn (and iofilter.Filter's concrete
// implementations, which embed net.Conn/*tls.Conn) used to bound the
// handshake exchange. Checked with a type assertion since io.ReadWriter
// itself carries no deadline methods.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// armDeadline sets rw's deadline to timeout from now, if rw supports it and
// timeout is positive, returning a func that clears the deadline again.
func armDeadline(rw io.ReadWriter, timeout time.Duration) func() {
	if timeout <= 0 {
		return func() {}
	}
	d, ok := rw.(deadliner)
	if !ok {
		return func() {}
	}
	_ = d.SetDeadline(time.Now().Add(timeout))
	return func() { _ = d.SetDeadline(time.Time{}) }
}

const productVersion uint16 = 1 // this engine's own build ordinal

// EncodeInitiatorFrame serializes the initiator's handshake payload per
// §4.2: reserved byte, handshake version, identity, flags, unique id,
// product version, domino count + 1.
func EncodeInitiatorFrame(local PeerInfo) []byte {
	buf := make([]byte, 0, 2+2+len(local.Identity)+1+1+8+2+1)
	buf = append(buf, reservedByte, framing.HandshakeVersion)

	idLen := make([]byte, 2)
	binary.BigEndian.PutUint16(idLen, uint16(len(local.Identity)))
	buf = append(buf, idLen...)
	buf = append(buf, local.Identity...)

	buf = append(buf, boolByte(local.SharedResource), boolByte(local.PreserveOrder))

	uid := make([]byte, 8)
	binary.BigEndian.PutUint64(uid, local.UniqueID)
	buf = append(buf, uid...)

	ver := make([]byte, 2)
	binary.BigEndian.PutUint16(ver, productVersion)
	buf = append(buf, ver...)

	domino := local.DominoCount + 1
	if domino > 255 {
		domino = 255
	}
	buf = append(buf, byte(domino))
	return buf
}

// DecodeInitiatorFrame parses the payload written by EncodeInitiatorFrame.
func DecodeInitiatorFrame(payload []byte) (PeerInfo, error) {
	var p PeerInfo
	if len(payload) < 2 {
		return p, protoerr.NewHandshakeError("decode.reserved", fmt.Errorf("frame too short"))
	}
	if payload[0] != reservedByte {
		return p, protoerr.NewHandshakeError("decode.reserved", fmt.Errorf("nonzero reserved byte 0x%02X: incompatible peer", payload[0]))
	}
	if payload[1] != framing.HandshakeVersion {
		return p, protoerr.NewHandshakeError("decode.version", fmt.Errorf("version mismatch: got %d want %d", payload[1], framing.HandshakeVersion))
	}
	off := 2
	if len(payload) < off+2 {
		return p, protoerr.NewHandshakeError("decode.identity_len", fmt.Errorf("frame too short"))
	}
	idLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	if len(payload) < off+idLen {
		return p, protoerr.NewHandshakeError("decode.identity", fmt.Errorf("frame too short for identity"))
	}
	p.Identity = append([]byte(nil), payload[off:off+idLen]...)
	off += idLen

	if len(payload) < off+1+1+8+2+1 {
		return p, protoerr.NewHandshakeError("decode.tail", fmt.Errorf("frame too short for flags/id/version/domino"))
	}
	p.SharedResource = payload[off] != 0
	off++
	p.PreserveOrder = payload[off] != 0
	off++
	p.UniqueID = binary.BigEndian.Uint64(payload[off : off+8])
	off += 8
	p.ProductVersion = binary.BigEndian.Uint16(payload[off : off+2])
	off += 2
	p.DominoCount = int(payload[off])
	return p, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// writeFrame wraps payload in a normal-message header carrying NoMsgID and
// writes it to w.
func writeFrame(w io.Writer, payload []byte) error {
	hdr := make([]byte, framing.HeaderLen)
	if err := framing.EncodeHeader(hdr, framing.TypeNormal, framing.NoMsgID, uint32(len(payload)), false); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return protoerr.NewHandshakeError("write.header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return protoerr.NewHandshakeError("write.payload", err)
	}
	return nil
}

// readFrame reads one normal-message framed payload from r.
func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, framing.HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, protoerr.NewHandshakeError("read.header", err)
	}
	h, err := framing.DecodeHeader(hdr)
	if err != nil {
		return nil, protoerr.NewHandshakeError("read.header.decode", err)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, protoerr.NewHandshakeError("read.payload", err)
	}
	return payload, nil
}

// Initiate performs the initiator side of the handshake: write the
// initiator frame, then read the acceptor's reply. timeout bounds the
// whole exchange (§6 handshakeTimeoutMs, default 59s); zero disables it.
func Initiate(rw io.ReadWriter, local PeerInfo, timeout time.Duration) (Result, error) {
	clear := armDeadline(rw, timeout)
	defer clear()

	if err := writeFrame(rw, EncodeInitiatorFrame(local)); err != nil {
		return Result{}, err
	}

	codeBuf := make([]byte, 1)
	if _, err := io.ReadFull(rw, codeBuf); err != nil {
		return Result{}, protoerr.NewHandshakeError("read.reply_code", err)
	}

	switch codeBuf[0] {
	case ReplyOK:
		var ver [2]byte
		if _, err := io.ReadFull(rw, ver[:]); err != nil {
			return Result{}, protoerr.NewHandshakeError("read.reply_version", err)
		}
		return Result{AcceptorVersion: binary.BigEndian.Uint16(ver[:])}, nil
	case ReplyOKWithAsync:
		var body [3*4 + 2]byte
		if _, err := io.ReadFull(rw, body[:]); err != nil {
			return Result{}, protoerr.NewHandshakeError("read.reply_async", err)
		}
		dist := binary.BigEndian.Uint32(body[0:4])
		queueTo := binary.BigEndian.Uint32(body[4:8])
		maxQueueMB := binary.BigEndian.Uint32(body[8:12])
		ver := binary.BigEndian.Uint16(body[12:14])
		return Result{
			Async: &AsyncParams{
				AsyncDistributionTimeout: time.Duration(dist) * time.Millisecond,
				AsyncQueueTimeout:        time.Duration(queueTo) * time.Millisecond,
				AsyncMaxQueueSize:        int64(maxQueueMB) * 1024 * 1024,
			},
			AcceptorVersion: ver,
		}, nil
	default:
		return Result{}, protoerr.NewHandshakeError("read.reply_code", fmt.Errorf("unknown reply code %d", codeBuf[0]))
	}
}

// AcceptorReplyPlan is what the caller of Accept decides to send back,
// computed from engine configuration (async enabled or not).
type AcceptorReplyPlan struct {
	Async *AsyncParams // nil selects the plain OK reply
}

// Accept performs the acceptor side: read the initiator frame, consult
// membership for shunning (and, when secureMode is set, block the reply
// until membership confirms clearance), decide the domino hint, and write
// the reply described by plan. timeout bounds the whole exchange (§4.2, §6
// handshakeTimeoutMs, default 59s); zero disables it. A timed-out exchange
// is the caller's cue to suspect the remote peer (§7's "handshake timeout
// -> suspect peer, close").
func Accept(rw io.ReadWriter, membership Membership, plan AcceptorReplyPlan, threadOwned, secureMode bool, timeout time.Duration) (PeerInfo, DominoDecision, error) {
	clear := armDeadline(rw, timeout)
	defer clear()

	payload, err := readFrame(rw)
	if err != nil {
		return PeerInfo{}, DominoDecision{}, err
	}
	remote, err := DecodeInitiatorFrame(payload)
	if err != nil {
		return PeerInfo{}, DominoDecision{}, err
	}

	if membership != nil && membership.IsShunned(remote.Identity) {
		return remote, DominoDecision{}, protoerr.NewHandshakeError("accept.shunned", fmt.Errorf("peer is shunned"))
	}
	if secureMode && membership != nil && !membership.AwaitClearance(remote.Identity) {
		return remote, DominoDecision{}, protoerr.NewHandshakeError("accept.not_cleared", fmt.Errorf("peer did not clear the membership check"))
	}

	decision := DominoDecision{PreferThreadOwned: remote.DominoCount >= 1 && threadOwned}

	if plan.Async == nil {
		if err := writeOKReply(rw); err != nil {
			return remote, decision, err
		}
		return remote, decision, nil
	}
	if err := writeOKAsyncReply(rw, *plan.Async); err != nil {
		return remote, decision, err
	}
	return remote, decision, nil
}

func writeOKReply(w io.Writer) error {
	buf := make([]byte, 1+2)
	buf[0] = ReplyOK
	binary.BigEndian.PutUint16(buf[1:3], productVersion)
	_, err := w.Write(buf)
	if err != nil {
		return protoerr.NewHandshakeError("write.reply_ok", err)
	}
	return nil
}

func writeOKAsyncReply(w io.Writer, a AsyncParams) error {
	buf := make([]byte, 1+12+2)
	buf[0] = ReplyOKWithAsync
	binary.BigEndian.PutUint32(buf[1:5], uint32(a.AsyncDistributionTimeout/time.Millisecond))
	binary.BigEndian.PutUint32(buf[5:9], uint32(a.AsyncQueueTimeout/time.Millisecond))
	binary.BigEndian.PutUint32(buf[9:13], uint32(a.AsyncMaxQueueSize/(1024*1024)))
	binary.BigEndian.PutUint16(buf[13:15], productVersion)
	_, err := w.Write(buf)
	if err != nil {
		return protoerr.NewHandshakeError("write.reply_async", err)
	}
	return nil
}
