// Package token generates capability tokens which identify shouts and rooms.
package token

import (
	"crypto/rand"
	"encoding/base64"
)

const (
	// Bytes is the amount of randomness in a token
	Bytes = 36
	// Len is the length of an encoded token
	Len = 48
)

// New returns a fresh url-safe token carrying 288 bits of CSPRNG output.
func New() (string, error) {
	b := make([]byte, Bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Valid reports whether s is shaped like a token. It lets callers reject garbage without a store lookup.
func Valid(s string) bool {
	if len(s) != Len {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
