// Package types defines the value types shared by the shielded engine:
// field-element hashes, ledger public keys and signatures, and indexed
// transaction events.
package types

import (
	"encoding/hex"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

const (
	// HashSize is the size of a field element encoding in bytes
	HashSize = 32

	// PublicKeySize is the size of a ledger public key
	PublicKeySize = 32

	// SignatureSize is the size of a ledger transaction signature
	SignatureSize = 64
)

// Hash is a BN254 scalar field element in canonical big-endian form.
// Commitments, nullifiers, Merkle nodes and owner keys all use it.
type Hash [HashSize]byte

// PublicKey is a ledger account address. Asset mints are public keys too.
type PublicKey [PublicKeySize]byte

// Signature is a ledger transaction signature.
type Signature [SignatureSize]byte

// EmptyHash is the zero hash
var EmptyHash = Hash{}

// NativeAsset is the native token, encoded as the all-zero system address.
var NativeAsset = PublicKey{}

// IsEmpty returns true if the hash is empty (all zeros)
func (h Hash) IsEmpty() bool {
	return h == EmptyHash
}

// Bytes returns the hash as a byte slice
func (h Hash) Bytes() []byte {
	return h[:]
}

// String returns the hex string representation of the hash
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Base58 returns the base58 encoding used in ledger-facing strings.
func (h Hash) Base58() string {
	return base58.Encode(h[:])
}

// Element returns h as a field element, reduced modulo r.
func (h Hash) Element() fr.Element {
	var e fr.Element
	e.SetBytes(h[:])
	return e
}

// BigInt returns h as an unsigned integer.
func (h Hash) BigInt() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// HashFromElement encodes a field element.
func HashFromElement(e fr.Element) Hash {
	return Hash(e.Bytes())
}

// HashFromUint64 encodes a small integer as a field element.
func HashFromUint64(v uint64) Hash {
	var e fr.Element
	e.SetUint64(v)
	return HashFromElement(e)
}

// HashFromBytes creates a Hash from a byte slice, left-padding short input.
func HashFromBytes(b []byte) Hash {
	var h Hash
	if len(b) >= HashSize {
		copy(h[:], b[len(b)-HashSize:])
	} else {
		copy(h[HashSize-len(b):], b)
	}
	return h
}

// ParseHash decodes a 0x-prefixed or bare hex string.
func ParseHash(s string) (Hash, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, errors.Wrap(err, "parse hash")
	}
	if len(b) > HashSize {
		return Hash{}, errors.Errorf("parse hash: %d bytes exceeds %d", len(b), HashSize)
	}
	return HashFromBytes(b), nil
}

// IsCanonical reports whether h is strictly below the field modulus.
func (h Hash) IsCanonical() bool {
	return h.BigInt().Cmp(fr.Modulus()) < 0
}

// String returns the base58 address.
func (p PublicKey) String() string {
	return base58.Encode(p[:])
}

// IsNative reports whether p is the native asset.
func (p PublicKey) IsNative() bool {
	return p == NativeAsset
}

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return p, errors.Wrap(err, "parse public key")
	}
	if len(b) != PublicKeySize {
		return p, errors.Errorf("parse public key: expected %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// String returns the base58 signature.
func (s Signature) String() string {
	return base58.Encode(s[:])
}

// IsEmpty reports whether s is the zero signature.
func (s Signature) IsEmpty() bool {
	return s == Signature{}
}

// ParseSignature decodes a base58 signature.
func ParseSignature(str string) (Signature, error) {
	var s Signature
	b, err := base58.Decode(str)
	if err != nil {
		return s, errors.Wrap(err, "parse signature")
	}
	if len(b) != SignatureSize {
		return s, errors.Errorf("parse signature: expected %d bytes, got %d", SignatureSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}
