// Package prover builds circuit inputs for shielded transactions and
// adapts a Groth16 backend to the proof service interface.
package prover

import (
	"encoding/binary"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/pkg/errors"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// NumAssetPubkeys is the number of asset slots a transaction may touch:
// native, one mint and an empty slot.
const NumAssetPubkeys = 3

// Input errors
var (
	ErrTooManyUtxos = common.NewKind(common.KindValidation, "more utxos than circuit arity")
	ErrMixedMints   = common.NewKind(common.KindValidation, "transaction touches more than one mint")
	ErrMissingPath  = common.NewKind(common.KindValidation, "input has no merkle path")
	ErrForeignUtxo  = common.NewKind(common.KindValidation, "input not owned by account")
	ErrInvalidArity = common.NewKind(common.KindValidation, "invalid circuit arity")
)

// Arity is the fixed shape of a circuit.
type Arity struct {
	Inputs  int `yaml:"inputs"`
	Outputs int `yaml:"outputs"`
}

// DefaultArity is the two-in two-out shape.
var DefaultArity = Arity{Inputs: 2, Outputs: 2}

// Validate checks the arity
func (a Arity) Validate() error {
	if a.Inputs < 1 || a.Outputs < 1 {
		return errors.Wrapf(ErrInvalidArity, "%d in, %d out", a.Inputs, a.Outputs)
	}
	return nil
}

// Params describe a transaction before padding.
type Params struct {
	Inputs  []*utxo.Utxo
	Outputs []*utxo.OutUtxo

	// Root is the tree root every input path resolves to
	Root types.Hash

	// TxIntegrityHash binds data outside the proof, see TxIntegrityHash
	TxIntegrityHash types.Hash
}

// CircuitInputs are the field-element assignments of a transaction, in
// the order the circuit expects. Slices have exactly arity entries.
type CircuitInputs struct {
	Arity Arity

	// public
	Root              types.Hash
	PublicAmountSpl   types.Hash
	PublicAmountSol   types.Hash
	PublicMint        fr.Element
	TxIntegrityHash   types.Hash
	InputNullifiers   []types.Hash
	OutputCommitments []types.Hash

	// private
	InAmounts     [][utxo.NumAssets]uint64
	InBlindings   []types.Hash
	InOwners      []types.Hash
	InSignatures  []types.Hash
	InLeafIndices []uint64
	InPaths       [][]types.Hash
	InDataHashes  []types.Hash
	InMetaHashes  []types.Hash
	InAddresses   []types.Hash
	OutAmounts    [][utxo.NumAssets]uint64
	OutBlindings  []types.Hash
	OutOwners     []types.Hash
	OutDataHashes []types.Hash
	AssetPubkeys  [NumAssetPubkeys]fr.Element
	InIndices     [][][]uint8
	OutIndices    [][][]uint8

	// Padded holds the utxos after padding, for encryption and balance
	// updates by the caller.
	PaddedInputs  []*utxo.Utxo
	PaddedOutputs []*utxo.OutUtxo
}

// Build pads params to arity with filling utxos owned by acc and lays out
// the circuit inputs.
func Build(h hasher.Hasher, acc *account.Account, treeID types.PublicKey, height int, arity Arity, p Params) (*CircuitInputs, error) {
	if err := arity.Validate(); err != nil {
		return nil, err
	}
	if len(p.Inputs) > arity.Inputs || len(p.Outputs) > arity.Outputs {
		return nil, errors.Wrapf(ErrTooManyUtxos, "%d in, %d out for %d-in %d-out circuit",
			len(p.Inputs), len(p.Outputs), arity.Inputs, arity.Outputs)
	}

	ins := append([]*utxo.Utxo(nil), p.Inputs...)
	for len(ins) < arity.Inputs {
		f, err := utxo.NewFillingInput(h, acc, treeID, height)
		if err != nil {
			return nil, errors.Wrap(err, "filling input")
		}
		ins = append(ins, f)
	}
	outs := append([]*utxo.OutUtxo(nil), p.Outputs...)
	for len(outs) < arity.Outputs {
		f, err := utxo.NewFillingUtxo(h, acc.PublicKey())
		if err != nil {
			return nil, errors.Wrap(err, "filling output")
		}
		outs = append(outs, f)
	}

	mint, err := transactionMint(ins, outs)
	if err != nil {
		return nil, err
	}
	ci := &CircuitInputs{
		Arity:           arity,
		Root:            p.Root,
		TxIntegrityHash: p.TxIntegrityHash,
		PaddedInputs:    ins,
		PaddedOutputs:   outs,
	}
	ci.AssetPubkeys[0] = hasher.TruncateToCircuit(h, types.NativeAsset[:])
	if !mint.IsNative() {
		ci.AssetPubkeys[1] = hasher.TruncateToCircuit(h, mint[:])
		ci.PublicMint = ci.AssetPubkeys[1]
	}

	for _, in := range ins {
		if in.Owner != acc.PublicKey() {
			return nil, errors.Wrapf(ErrForeignUtxo, "leaf %d", in.MerkleTreeLeafIndex)
		}
		if len(in.MerkleProof) != height {
			return nil, errors.Wrapf(ErrMissingPath, "leaf %d has %d siblings, want %d", in.MerkleTreeLeafIndex, len(in.MerkleProof), height)
		}
		n, err := utxo.ComputeNullifier(h, acc, in.Hash(), in.MerkleTreeLeafIndex)
		if err != nil {
			return nil, err
		}
		sig, err := acc.Sign(in.Hash(), in.MerkleTreeLeafIndex)
		if err != nil {
			return nil, err
		}
		ci.InputNullifiers = append(ci.InputNullifiers, n)
		ci.InAmounts = append(ci.InAmounts, in.Amounts)
		ci.InBlindings = append(ci.InBlindings, in.Blinding)
		ci.InOwners = append(ci.InOwners, in.Owner)
		ci.InSignatures = append(ci.InSignatures, sig)
		ci.InLeafIndices = append(ci.InLeafIndices, in.MerkleTreeLeafIndex)
		ci.InPaths = append(ci.InPaths, append([]types.Hash(nil), in.MerkleProof...))
		ci.InDataHashes = append(ci.InDataHashes, in.AppDataHash)
		ci.InMetaHashes = append(ci.InMetaHashes, in.MetaHash)
		ci.InAddresses = append(ci.InAddresses, in.Address)
		ci.InIndices = append(ci.InIndices, Indices3D(in.AssetCircuitInputs(h), ci.AssetPubkeys))
	}
	for _, out := range outs {
		ci.OutputCommitments = append(ci.OutputCommitments, out.Hash())
		ci.OutAmounts = append(ci.OutAmounts, out.Amounts)
		ci.OutBlindings = append(ci.OutBlindings, out.Blinding)
		ci.OutOwners = append(ci.OutOwners, out.Owner)
		ci.OutDataHashes = append(ci.OutDataHashes, out.AppDataHash)
		ci.OutIndices = append(ci.OutIndices, Indices3D(out.AssetCircuitInputs(h), ci.AssetPubkeys))
	}

	inOuts := make([]*utxo.OutUtxo, len(ins))
	for i, in := range ins {
		inOuts[i] = &in.OutUtxo
	}
	ci.PublicAmountSol = ExternalAmount(0, inOuts, outs)
	ci.PublicAmountSpl = ExternalAmount(1, inOuts, outs)
	return ci, nil
}

// transactionMint returns the one non-native asset the utxos carry in
// slot 1, or the native asset when there is none.
func transactionMint(ins []*utxo.Utxo, outs []*utxo.OutUtxo) (types.PublicKey, error) {
	mint := types.NativeAsset
	check := func(a types.PublicKey) error {
		if a.IsNative() {
			return nil
		}
		if mint.IsNative() {
			mint = a
			return nil
		}
		if a != mint {
			return errors.Wrapf(ErrMixedMints, "%s and %s", mint, a)
		}
		return nil
	}
	for _, in := range ins {
		if err := check(in.Assets[1]); err != nil {
			return mint, err
		}
	}
	for _, out := range outs {
		if err := check(out.Assets[1]); err != nil {
			return mint, err
		}
	}
	return mint, nil
}

// ExternalAmount is (sum of outputs - sum of inputs) in slot, reduced
// into the field: a positive value compresses, a wrapped value
// decompresses.
func ExternalAmount(slot int, ins, outs []*utxo.OutUtxo) types.Hash {
	sum := new(big.Int)
	for _, o := range outs {
		sum.Add(sum, new(big.Int).SetUint64(o.Amounts[slot]))
	}
	for _, in := range ins {
		sum.Sub(sum, new(big.Int).SetUint64(in.Amounts[slot]))
	}
	sum.Mod(sum, fr.Modulus())
	return types.HashFromBytes(sum.Bytes())
}

// Indices3D marks, for each asset slot of a utxo, the asset pubkey it
// matches. Each row has at most one 1; zero pubkeys never match.
func Indices3D(assets [utxo.NumAssets]fr.Element, pubkeys [NumAssetPubkeys]fr.Element) [][]uint8 {
	rows := make([][]uint8, utxo.NumAssets)
	for a := range assets {
		row := make([]uint8, NumAssetPubkeys)
		for i := range pubkeys {
			if pubkeys[i].IsZero() || !assets[a].Equal(&pubkeys[i]) {
				continue
			}
			row[i] = 1
			break
		}
		rows[a] = row
	}
	return rows
}

// Integrity names the transaction data the proof commits to without
// constraining.
type Integrity struct {
	Message          []byte
	RecipientSpl     types.PublicKey
	RecipientSol     types.PublicKey
	Relayer          types.PublicKey
	RelayerFee       uint64
	EncryptedOutputs [][]byte
}

// TxIntegrityHash binds the relayer, recipients, fee and ciphertexts to
// the proof so a relayer cannot swap them.
func TxIntegrityHash(h hasher.Hasher, in Integrity) types.Hash {
	var msgHash [32]byte
	if len(in.Message) > 0 {
		copy(msgHash[:], h.Digest(in.Message, 32))
	}
	buf := append([]byte(nil), msgHash[:]...)
	buf = append(buf, in.RecipientSpl[:]...)
	buf = append(buf, in.RecipientSol[:]...)
	buf = append(buf, in.Relayer[:]...)
	buf = binary.BigEndian.AppendUint64(buf, in.RelayerFee)
	for _, ct := range in.EncryptedOutputs {
		buf = append(buf, ct...)
	}
	return types.HashFromElement(hasher.TruncateToCircuit(h, buf))
}

// PublicInputs returns the public field elements in circuit order: root,
// public amounts, mint, integrity hash, nullifiers, commitments.
func (ci *CircuitInputs) PublicInputs() []fr.Element {
	out := []fr.Element{
		ci.Root.Element(),
		ci.PublicAmountSpl.Element(),
		ci.PublicAmountSol.Element(),
		ci.PublicMint,
		ci.TxIntegrityHash.Element(),
	}
	for _, n := range ci.InputNullifiers {
		out = append(out, n.Element())
	}
	for _, c := range ci.OutputCommitments {
		out = append(out, c.Element())
	}
	return out
}

// AttachPaths fills MerkleProof on inputs from replica paths.
func AttachPaths(paths []*merkle.Path, inputs []*utxo.Utxo) error {
	if len(paths) != len(inputs) {
		return errors.Errorf("%d paths for %d inputs", len(paths), len(inputs))
	}
	for i, p := range paths {
		if p.LeafIndex != inputs[i].MerkleTreeLeafIndex {
			return errors.Wrapf(ErrMissingPath, "path for leaf %d given to leaf %d", p.LeafIndex, inputs[i].MerkleTreeLeafIndex)
		}
		inputs[i].MerkleProof = append([]types.Hash(nil), p.Siblings...)
	}
	return nil
}
