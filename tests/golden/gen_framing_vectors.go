//go:build ignore

// Generates deterministic wire-header golden vector binary files for the
// engine's 7-byte framing format (§4.1).
// Run: go run ./tests/golden/gen_framing_vectors.go
//
// Layout: 4-byte length field (top byte = HANDSHAKE_VERSION, low 3 bytes =
// payload length), 1 type byte (direct-ack bit ORed in), 2-byte big-endian
// message id.
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
	typeNormal       = 0x4C
	typeChunk        = 0x4D
	typeFinalChunk   = 0x4E
	directAckFlag    = 0x20
)

func header(msgType uint8, id uint16, payloadLen uint32, directAck bool) []byte {
	b := make([]byte, 7)
	lengthField := (uint32(handshakeVersion) << 24) | (payloadLen & 0x00FFFFFF)
	binary.BigEndian.PutUint32(b[0:4], lengthField)
	t := msgType
	if directAck {
		t |= directAckFlag
	}
	b[4] = t
	binary.BigEndian.PutUint16(b[5:7], id)
	return b
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func main() {
	dir := filepath.Join("tests", "golden")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	files := []struct {
		name string
		data []byte
	}{
		// single-frame normal message, no direct-ack, NO_MSG_ID.
		{"frame_normal_no_ack.bin", append(header(typeNormal, 0xFFFF, 64, false), payload(64, 0x10)...)},
		// single-frame normal message with direct-ack requested.
		{"frame_normal_direct_ack.bin", append(header(typeNormal, 7, 32, true), payload(32, 0x20)...)},
		// first chunk of a fragmented message (more chunks follow).
		{"frame_chunk_first.bin", append(header(typeChunk, 11, 128, false), payload(128, 0x30)...)},
		// final chunk closing the same fragmented message.
		{"frame_final_chunk.bin", append(header(typeFinalChunk, 11, 16, false), payload(16, 0x40)...)},
		// zero-length payload (valid: empty normal message).
		{"frame_empty_payload.bin", header(typeNormal, 1, 0, false)},
		// header with an illegal type byte, for reject-path tests.
		{"frame_illegal_type.bin", append(header(0x00, 1, 8, false), payload(8, 0x50)...)},
	}
	// frame_illegal_type.bin: header() does not validate the type byte, so
	// byte 4 is already 0x00; the patch below only pins that explicitly.
	for i := range files {
		if files[i].name == "frame_illegal_type.bin" {
			files[i].data[4] = 0x00
		}
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
