// Package common provides shared helpers for the shielded engine.
package common

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// Base58Encode encodes bytes with the bitcoin alphabet.
func Base58Encode(b []byte) string {
	return base58.Encode(b)
}

// Base58Decode decodes a base58 string and checks its length when want > 0.
func Base58Decode(s string, want int) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode base58")
	}
	if want > 0 && len(b) != want {
		return nil, errors.Errorf("decode base58: expected %d bytes, got %d", want, len(b))
	}
	return b, nil
}

// RandomBytes reads n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "read random")
	}
	return b, nil
}

// Uint64ToBytes returns n big-endian.
func Uint64ToBytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// Concat joins byte slices into a fresh buffer.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
