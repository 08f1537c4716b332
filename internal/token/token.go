// Package token mints the opaque identifiers used as share link handles.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the number of random bytes in a token (128 bits of entropy).
const Size = 16

// Minter produces unguessable tokens.
type Minter interface {
	Mint() (string, error)
}

// RandomMinter draws tokens from a cryptographically secure source and
// renders them as lowercase hex.
type RandomMinter struct {
	source io.Reader
}

// NewMinter returns a Minter backed by crypto/rand.
func NewMinter() *RandomMinter {
	return &RandomMinter{source: rand.Reader}
}

// Mint returns a fresh 32-character hex token.
func (m *RandomMinter) Mint() (string, error) {
	b := make([]byte, Size)
	if _, err := io.ReadFull(m.source, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MinterFunc adapts a function to the Minter interface.
type MinterFunc func() (string, error)

// Mint calls f.
func (f MinterFunc) Mint() (string, error) {
	return f()
}

// Valid reports whether s has the shape of a minted token. It lets the
// access path reject garbage before touching storage.
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
