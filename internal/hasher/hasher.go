// Package hasher provides the field hash and byte digest used by every
// shielded component. A Hasher is constructed once and passed to the
// components that need it.
package hasher

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/ccoin/shielded/pkg/common"
)

// MaxPoseidonInputs is the widest Poseidon permutation available.
const MaxPoseidonInputs = 16

// Hasher errors
var (
	ErrNoInputs       = common.NewKind(common.KindValidation, "hash of zero inputs")
	ErrTooManyInputs  = common.NewKind(common.KindValidation, "too many hash inputs")
	ErrInvalidDigestN = common.NewKind(common.KindValidation, "digest length out of range")
)

// Hasher hashes field elements and digests raw bytes.
type Hasher interface {
	// Hash compresses field elements into one field element
	Hash(elems ...fr.Element) (fr.Element, error)

	// Digest returns an outLen-byte Blake2b digest of data.
	// outLen must be between 1 and 64.
	Digest(data []byte, outLen int) []byte
}

// Poseidon is the circomlib-compatible Poseidon hash over BN254.
type Poseidon struct{}

// NewPoseidon returns the Poseidon hasher.
func NewPoseidon() *Poseidon {
	return &Poseidon{}
}

// Hash implements Hasher.
func (p *Poseidon) Hash(elems ...fr.Element) (fr.Element, error) {
	var out fr.Element
	if len(elems) == 0 {
		return out, ErrNoInputs
	}
	if len(elems) > MaxPoseidonInputs {
		return out, errors.Wrapf(ErrTooManyInputs, "poseidon: %d inputs", len(elems))
	}

	inputs := make([]*big.Int, len(elems))
	for i := range elems {
		inputs[i] = elems[i].BigInt(new(big.Int))
	}
	res, err := poseidon.Hash(inputs)
	if err != nil {
		return out, errors.Wrap(err, "poseidon hash")
	}
	out.SetBigInt(res)
	return out, nil
}

// Digest implements Hasher.
func (p *Poseidon) Digest(data []byte, outLen int) []byte {
	return blake2bDigest(data, outLen)
}

// MiMC is the gnark-crypto MiMC sponge over BN254. It accepts any number
// of inputs and matches the in-circuit MiMC gadget.
type MiMC struct{}

// NewMiMC returns the MiMC hasher.
func NewMiMC() *MiMC {
	return &MiMC{}
}

// Hash implements Hasher.
func (m *MiMC) Hash(elems ...fr.Element) (fr.Element, error) {
	var out fr.Element
	if len(elems) == 0 {
		return out, ErrNoInputs
	}

	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		if _, err := h.Write(b[:]); err != nil {
			return out, errors.Wrap(err, "mimc write")
		}
	}
	out.SetBytes(h.Sum(nil))
	return out, nil
}

// Digest implements Hasher.
func (m *MiMC) Digest(data []byte, outLen int) []byte {
	return blake2bDigest(data, outLen)
}

func blake2bDigest(data []byte, outLen int) []byte {
	if outLen < 1 || outLen > blake2b.Size {
		panic(ErrInvalidDigestN)
	}
	h, err := blake2b.New(outLen, nil)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// HashToField digests data and reduces it into the scalar field.
func HashToField(h Hasher, data []byte) fr.Element {
	var e fr.Element
	e.SetBytes(h.Digest(data, 32))
	return e
}

// TruncateToCircuit digests data and clears the top byte so the result
// always fits below the field modulus without reduction.
func TruncateToCircuit(h Hasher, data []byte) fr.Element {
	d := h.Digest(data, 32)
	d[0] = 0
	var e fr.Element
	e.SetBytes(d)
	return e
}

// HashUint64s hashes small integers.
func HashUint64s(h Hasher, vals ...uint64) (fr.Element, error) {
	elems := make([]fr.Element, len(vals))
	for i, v := range vals {
		elems[i].SetUint64(v)
	}
	return h.Hash(elems...)
}
