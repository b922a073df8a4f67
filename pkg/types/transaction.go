package types

import (
	"math"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Action classifies an indexed transaction by the direction of its public
// amounts.
type Action uint8

const (
	// ActionTransfer moves value between shielded records only
	ActionTransfer Action = iota
	// ActionCompress moves public value into the pool
	ActionCompress
	// ActionDecompress moves shielded value out of the pool
	ActionDecompress
)

func (a Action) String() string {
	switch a {
	case ActionCompress:
		return "COMPRESS"
	case ActionDecompress:
		return "DECOMPRESS"
	default:
		return "TRANSFER"
	}
}

// ParsedIndexedTransaction is one decoded ledger event. It is never
// mutated after decoding; the indexer only derives sets from it.
type ParsedIndexedTransaction struct {
	// Signature identifies the ledger transaction that emitted the event
	Signature Signature

	// Signer is the fee payer of the ledger transaction
	Signer PublicKey

	// BlockTime is the ledger timestamp in unix seconds
	BlockTime int64

	// Slot is the ledger slot the transaction landed in
	Slot uint64

	// InputHashes are the nullifiers published by the transaction
	InputHashes []Hash

	// Leaves are the output commitments appended to the tree
	Leaves []Hash

	// FirstLeafIndex is the tree index of Leaves[0]. It orders events.
	FirstLeafIndex uint64

	// EncryptedOutputs holds one ciphertext per leaf
	EncryptedOutputs [][]byte

	// PublicAmountSol and PublicAmountSpl are field-encoded; values above
	// MaxUint64 represent negative amounts.
	PublicAmountSol Hash
	PublicAmountSpl Hash

	// Fee is the relayer fee in native base units
	Fee uint64

	// Message is an optional program message
	Message []byte
}

var maxU64 = new(big.Int).SetUint64(math.MaxUint64)

// PublicAmount decodes a field-encoded public amount into a magnitude and
// a sign. A value above MaxUint64 is the field negation of the magnitude.
func PublicAmount(h Hash) (magnitude *big.Int, negative bool) {
	v := h.BigInt()
	if v.Cmp(maxU64) <= 0 {
		return v, false
	}
	return new(big.Int).Sub(fr.Modulus(), v), true
}

// NegativeAmount encodes -v in the scalar field.
func NegativeAmount(v uint64) Hash {
	if v == 0 {
		return EmptyHash
	}
	n := new(big.Int).Sub(fr.Modulus(), new(big.Int).SetUint64(v))
	return HashFromBytes(n.Bytes())
}

// NetPublicAmountSol returns the native public amount with the relayer fee
// taken out of a withdrawal.
func (tx *ParsedIndexedTransaction) NetPublicAmountSol() (magnitude *big.Int, negative bool) {
	sol, neg := PublicAmount(tx.PublicAmountSol)
	if neg && tx.Fee > 0 {
		sol.Sub(sol, new(big.Int).SetUint64(tx.Fee))
		if sol.Sign() < 0 {
			sol.SetInt64(0)
		}
	}
	return sol, neg
}

// Action derives the transaction type from the public amounts. A relayed
// private transfer only withdraws the relayer fee and counts as a transfer.
func (tx *ParsedIndexedTransaction) Action() Action {
	sol, solNeg := tx.NetPublicAmountSol()
	spl, splNeg := PublicAmount(tx.PublicAmountSpl)
	switch {
	case solNeg || splNeg:
		if sol.Sign() == 0 && spl.Sign() == 0 {
			return ActionTransfer
		}
		return ActionDecompress
	case sol.Sign() > 0 || spl.Sign() > 0:
		return ActionCompress
	default:
		return ActionTransfer
	}
}

// LeafIndex returns the tree index of the i-th output.
func (tx *ParsedIndexedTransaction) LeafIndex(i int) uint64 {
	return tx.FirstLeafIndex + uint64(i)
}
