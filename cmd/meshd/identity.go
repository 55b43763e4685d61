package main

import "crypto/rand"

// engineRandomIdentity generates a demo member identity when -identity is
// not supplied; a real embedder derives this from its own membership
// service instead.
func engineRandomIdentity() []byte {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return b
}
