//go:build ignore

// Generates deterministic handshake golden vector binary files for the
// engine's peer handshake (§4.2).
// Run: go run ./tests/golden/gen_handshake_vectors.go
//
// Initiator frame payload (wrapped in a normal-message header with
// NO_MSG_ID, as written by handshake.writeFrame):
//
//	reserved(1)=0x00, handshakeVersion(1), identityLen(2 BE), identity(N),
//	sharedResource(1), preserveOrder(1), uniqueId(8 BE), productVersion(2 BE),
//	dominoCount+1(1)
//
// Acceptor reply:
//
//	OK:            code(1)=0x45, acceptorVersion(2 BE)
//	OK-with-async: code(1)=0x46, distMs(4 BE), queueMs(4 BE), maxQueueMB(4 BE), acceptorVersion(2 BE)
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	handshakeVersion = 7
	replyOK          = 0x45
	replyOKAsync     = 0x46
)

func frameHeader(payloadLen uint32) []byte {
	b := make([]byte, 7)
	lengthField := (uint32(handshakeVersion) << 24) | (payloadLen & 0x00FFFFFF)
	binary.BigEndian.PutUint32(b[0:4], lengthField)
	b[4] = 0x4C // TypeNormal
	binary.BigEndian.PutUint16(b[5:7], 0xFFFF) // NoMsgID
	return b
}

func initiatorPayload(identity []byte, shared, preserveOrder bool, uniqueID uint64, productVersion uint16, dominoCount int) []byte {
	buf := []byte{0x00, handshakeVersion}

	idLen := make([]byte, 2)
	binary.BigEndian.PutUint16(idLen, uint16(len(identity)))
	buf = append(buf, idLen...)
	buf = append(buf, identity...)

	buf = append(buf, boolByte(shared), boolByte(preserveOrder))

	uid := make([]byte, 8)
	binary.BigEndian.PutUint64(uid, uniqueID)
	buf = append(buf, uid...)

	ver := make([]byte, 2)
	binary.BigEndian.PutUint16(ver, productVersion)
	buf = append(buf, ver...)

	domino := dominoCount + 1
	if domino > 255 {
		domino = 255
	}
	buf = append(buf, byte(domino))
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func main() {
	dir := filepath.Join("tests", "golden")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	identity := []byte("member-alpha")
	initPayload := initiatorPayload(identity, true, true, 0xAABBCCDDEEFF0011, 1, 0)
	initFrame := append(frameHeader(uint32(len(initPayload))), initPayload...)

	badVersionPayload := append([]byte(nil), initPayload...)
	badVersionPayload[1] = handshakeVersion + 1 // version mismatch

	reservedNonzeroPayload := append([]byte(nil), initPayload...)
	reservedNonzeroPayload[0] = 0x01 // reserved byte must be zero

	replyOKBytes := []byte{replyOK, 0x00, 0x01} // acceptorVersion=1

	replyAsync := []byte{replyOKAsync}
	distMs := make([]byte, 4)
	binary.BigEndian.PutUint32(distMs, 60000)
	queueMs := make([]byte, 4)
	binary.BigEndian.PutUint32(queueMs, 15000)
	maxQueueMB := make([]byte, 4)
	binary.BigEndian.PutUint32(maxQueueMB, 100)
	replyAsync = append(replyAsync, distMs...)
	replyAsync = append(replyAsync, queueMs...)
	replyAsync = append(replyAsync, maxQueueMB...)
	replyAsync = append(replyAsync, 0x00, 0x01) // acceptorVersion=1

	files := []struct {
		name string
		data []byte
	}{
		{"handshake_valid_initiator_frame.bin", initFrame},
		{"handshake_invalid_version.bin", append(frameHeader(uint32(len(badVersionPayload))), badVersionPayload...)},
		{"handshake_invalid_reserved_byte.bin", append(frameHeader(uint32(len(reservedNonzeroPayload))), reservedNonzeroPayload...)},
		{"handshake_reply_ok.bin", replyOKBytes},
		{"handshake_reply_ok_async.bin", replyAsync},
	}

	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.WriteFile(p, f.data, 0o644); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		h := sha256.Sum256(f.data)
		fmt.Printf("Wrote %-32s size=%4d sha256=%s\n", f.name, len(f.data), hex.EncodeToString(h[:8]))
	}
}
