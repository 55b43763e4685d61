package iofilter

import (
	"crypto/tls"
	"net"
	"testing"
)

func TestIdentityFilterPassesBytesThrough(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	f := NewIdentity(client)
	out, err := f.Unwrap([]byte("hello"))
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if string(out) != "hello" {
		t.Fatalf("expected passthrough, got %q", out)
	}
	f.DoneReading() // must not panic
}

func TestNewSelectsIdentityWhenSSLDisabled(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	f := New(client, false, false, nil)
	if _, ok := f.(*identityFilter); !ok {
		t.Fatalf("expected identityFilter, got %T", f)
	}
}

func TestNewSelectsTLSWhenSSLEnabled(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cfg := &tls.Config{InsecureSkipVerify: true}
	f := New(client, true, false, cfg)
	if _, ok := f.(*tlsFilter); !ok {
		t.Fatalf("expected tlsFilter, got %T", f)
	}
}
