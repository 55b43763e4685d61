// Package iofilter provides a uniform wrap/unwrap/close abstraction over a
// raw socket, selecting either TLS or an identity pass-through, so the
// reader and writer never need to know which one backs a connection.
package iofilter

import (
	"crypto/tls"
	"io"
	"net"
)

// Filter is the uniform I/O surface the reader/writer paths operate on
// (§4, "I/O Filter"). Write sends application bytes and Unwrap lets a TLS
// implementation buffer unconsumed plaintext across read calls; DoneReading signals the filter
// that the caller has finished draining what Unwrap returned, so it can
// release internal buffers; Close tears down the underlying socket.
type Filter interface {
	io.Reader
	io.Writer
	// Unwrap decrypts (or passes through) newly read ciphertext/plaintext
	// bytes, returning application bytes ready for header/payload parsing.
	Unwrap(src []byte) ([]byte, error)
	// DoneReading releases any buffered unwrapped bytes once the caller
	// has consumed everything it needs for this pass.
	DoneReading()
	Close() error
}

// identityFilter passes bytes through unchanged — selected when useSSL is
// false (§6 config table).
type identityFilter struct {
	net.Conn
}

// NewIdentity wraps conn with a no-op filter.
func NewIdentity(conn net.Conn) Filter {
	return &identityFilter{Conn: conn}
}

func (f *identityFilter) Unwrap(src []byte) ([]byte, error) { return src, nil }
func (f *identityFilter) DoneReading()                      {}

// tlsFilter wraps a *tls.Conn. Unwrap is a pass-through too: tls.Conn
// already decrypts during Read, so by the time bytes reach Unwrap they are
// plaintext application data; the method exists so callers can treat TLS
// and identity connections identically.
type tlsFilter struct {
	*tls.Conn
}

// NewTLSServer wraps conn as the server side of a TLS session using cfg
// and returns a Filter. The handshake is deferred to the first Read/Write
// unless the caller calls Handshake explicitly.
func NewTLSServer(conn net.Conn, cfg *tls.Config) Filter {
	return &tlsFilter{Conn: tls.Server(conn, cfg)}
}

// NewTLSClient wraps conn as the client side of a TLS session using cfg;
// as with NewTLSServer, the handshake runs on the first Read/Write.
func NewTLSClient(conn net.Conn, cfg *tls.Config) Filter {
	return &tlsFilter{Conn: tls.Client(conn, cfg)}
}

func (f *tlsFilter) Unwrap(src []byte) ([]byte, error) { return src, nil }
func (f *tlsFilter) DoneReading()                      {}

// New selects a Filter for conn based on useSSL, dialing as client or
// accepting as server per isServer.
func New(conn net.Conn, useSSL bool, isServer bool, tlsCfg *tls.Config) Filter {
	if !useSSL {
		return NewIdentity(conn)
	}
	if isServer {
		return NewTLSServer(conn, tlsCfg)
	}
	return NewTLSClient(conn, tlsCfg)
}
