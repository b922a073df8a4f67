// Package utxo implements the shielded record: its commitment hash,
// nullifier, byte layout and encryption.
package utxo

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/pkg/errors"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

const (
	// NumAssets is the number of asset slots per record. Slot 0 is the
	// native asset, slot 1 an SPL asset.
	NumAssets = 2

	// DefaultVersion is the record version emitted by this engine
	DefaultVersion = 0

	// DefaultPoolType is the pool of plain value records
	DefaultPoolType = 0
)

// Utxo errors
var (
	ErrInvalidAmount         = common.NewKind(common.KindValidation, "invalid amount")
	ErrInvalidAssetCount     = common.NewKind(common.KindValidation, "invalid asset count")
	ErrAppDataSchemaMismatch = common.NewKind(common.KindValidation, "app data does not match schema")
	ErrNotInserted           = common.NewKind(common.KindValidation, "utxo has no leaf index")
	ErrInvalidFieldElement   = common.NewKind(common.KindValidation, "value exceeds field modulus")
)

var maxU64 = new(big.Int).SetUint64(^uint64(0))

// OutUtxo is a record that has not been inserted into the tree yet.
// Construct it with NewOutUtxo or Deserialize; its hash is fixed at
// construction.
type OutUtxo struct {
	// Owner is the shielded public key of the owner
	Owner types.Hash

	// Amounts per asset slot
	Amounts [NumAssets]uint64

	// Assets per slot; slot 0 is always native
	Assets [NumAssets]types.PublicKey

	// Blinding is a fresh random field element
	Blinding types.Hash

	PoolType uint64
	Version  uint64

	// AppData is the optional program payload
	AppData *AppData

	// AppDataHash commits to AppData, zero when absent
	AppDataHash types.Hash

	// MetaHash and Address carry program metadata, zero by default
	MetaHash types.Hash
	Address  types.Hash

	// EncryptionPublicKey selects asymmetric encryption to a third party
	EncryptionPublicKey *[account.EncryptionKeySize]byte

	// IsFillingUtxo marks an all-zero placeholder
	IsFillingUtxo bool

	hash types.Hash
}

// Params are the inputs of NewOutUtxo.
type Params struct {
	Owner   types.Hash
	Amounts []*big.Int
	Assets  []types.PublicKey

	// Blinding is drawn at random when nil
	Blinding *types.Hash

	PoolType uint64
	Version  uint64
	AppData  *AppData
	MetaHash types.Hash
	Address  types.Hash

	EncryptionPublicKey *[account.EncryptionKeySize]byte

	// Registry, when set, rejects a blinding already used for Owner
	Registry *BlindingRegistry
}

// Amounts converts base-unit values into NewOutUtxo amounts.
func Amounts(vals ...uint64) []*big.Int {
	out := make([]*big.Int, len(vals))
	for i, v := range vals {
		out[i] = new(big.Int).SetUint64(v)
	}
	return out
}

// NewOutUtxo validates p and computes the record's hash.
func NewOutUtxo(h hasher.Hasher, p Params) (*OutUtxo, error) {
	if len(p.Amounts) > NumAssets || len(p.Assets) > NumAssets {
		return nil, errors.Wrapf(ErrInvalidAssetCount, "%d amounts, %d assets, max %d", len(p.Amounts), len(p.Assets), NumAssets)
	}
	if len(p.Assets) != 0 && len(p.Assets) != len(p.Amounts) {
		return nil, errors.Wrapf(ErrInvalidAssetCount, "%d amounts for %d assets", len(p.Amounts), len(p.Assets))
	}
	if len(p.Assets) > 0 && !p.Assets[0].IsNative() {
		return nil, errors.Wrap(ErrInvalidAssetCount, "asset slot 0 must be native")
	}
	if !p.Owner.IsCanonical() || !p.MetaHash.IsCanonical() || !p.Address.IsCanonical() {
		return nil, errors.Wrap(ErrInvalidFieldElement, "owner or metadata")
	}

	u := &OutUtxo{
		Owner:               p.Owner,
		PoolType:            p.PoolType,
		Version:             p.Version,
		AppData:             p.AppData,
		MetaHash:            p.MetaHash,
		Address:             p.Address,
		EncryptionPublicKey: p.EncryptionPublicKey,
	}
	for i, a := range p.Amounts {
		if a == nil || a.Sign() < 0 || a.Cmp(maxU64) > 0 {
			return nil, errors.Wrapf(ErrInvalidAmount, "slot %d: %v", i, a)
		}
		u.Amounts[i] = a.Uint64()
	}
	copy(u.Assets[:], p.Assets)

	if p.Blinding != nil {
		if !p.Blinding.IsCanonical() {
			return nil, errors.Wrap(ErrInvalidFieldElement, "blinding")
		}
		u.Blinding = *p.Blinding
	} else {
		b, err := RandomBlinding()
		if err != nil {
			return nil, err
		}
		u.Blinding = b
	}

	if p.AppData != nil {
		dh, err := p.AppData.Hash(h)
		if err != nil {
			return nil, err
		}
		u.AppDataHash = types.HashFromElement(dh)
	}
	u.IsFillingUtxo = u.Amounts == [NumAssets]uint64{} && p.AppData == nil

	if err := u.computeHash(h); err != nil {
		return nil, err
	}
	if p.Registry != nil {
		if err := p.Registry.Register(u.Owner, u.Blinding); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// NewFillingUtxo returns a zero-value placeholder owned by owner.
func NewFillingUtxo(h hasher.Hasher, owner types.Hash) (*OutUtxo, error) {
	return NewOutUtxo(h, Params{Owner: owner, Amounts: Amounts(0, 0)})
}

// RandomBlinding draws a uniformly random field element.
func RandomBlinding() (types.Hash, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return types.Hash{}, errors.Wrap(err, "random blinding")
	}
	return types.HashFromElement(e), nil
}

// Hash returns the commitment, the leaf inserted into the tree.
func (u *OutUtxo) Hash() types.Hash {
	return u.hash
}

// AssetCircuitInputs returns the per-slot asset field elements. A native
// asset in slot 1 encodes as zero.
func (u *OutUtxo) AssetCircuitInputs(h hasher.Hasher) [NumAssets]fr.Element {
	var out [NumAssets]fr.Element
	for i, a := range u.Assets {
		if i > 0 && a.IsNative() {
			continue
		}
		out[i] = hasher.TruncateToCircuit(h, a[:])
	}
	return out
}

// computeHash is Hash(version, Hash(amounts), owner, blinding,
// Hash(assets), appDataHash, poolType, metaHash, address).
func (u *OutUtxo) computeHash(h hasher.Hasher) error {
	amountHash, err := hasher.HashUint64s(h, u.Amounts[:]...)
	if err != nil {
		return errors.Wrap(err, "hash amounts")
	}
	assets := u.AssetCircuitInputs(h)
	assetHash, err := h.Hash(assets[:]...)
	if err != nil {
		return errors.Wrap(err, "hash assets")
	}

	var version, poolType fr.Element
	version.SetUint64(u.Version)
	poolType.SetUint64(u.PoolType)

	res, err := h.Hash(
		version,
		amountHash,
		u.Owner.Element(),
		u.Blinding.Element(),
		assetHash,
		u.AppDataHash.Element(),
		poolType,
		u.MetaHash.Element(),
		u.Address.Element(),
	)
	if err != nil {
		return errors.Wrap(err, "hash utxo")
	}
	u.hash = types.HashFromElement(res)
	return nil
}

// Utxo is a record inserted into the tree.
type Utxo struct {
	OutUtxo

	// Nullifier is set when the record was materialized by its owner
	Nullifier types.Hash

	MerkleTreeLeafIndex uint64
	MerkleProof         []types.Hash
	MerkleTreeID        types.PublicKey
}

// NewUtxo records the tree position of out. When acc holds private keys
// the nullifier is computed as well.
func NewUtxo(h hasher.Hasher, out *OutUtxo, acc *account.Account, treeID types.PublicKey, leafIndex uint64) (*Utxo, error) {
	u := &Utxo{
		OutUtxo:             *out,
		MerkleTreeLeafIndex: leafIndex,
		MerkleTreeID:        treeID,
	}
	if acc != nil && acc.HasPrivateKeys() {
		n, err := ComputeNullifier(h, acc, out.Hash(), leafIndex)
		if err != nil {
			return nil, err
		}
		u.Nullifier = n
	}
	return u, nil
}

// NewFillingInput returns a placeholder input at leaf 0 with a zero path.
func NewFillingInput(h hasher.Hasher, acc *account.Account, treeID types.PublicKey, height int) (*Utxo, error) {
	out, err := NewFillingUtxo(h, acc.PublicKey())
	if err != nil {
		return nil, err
	}
	u, err := NewUtxo(h, out, acc, treeID, 0)
	if err != nil {
		return nil, err
	}
	u.MerkleProof = make([]types.Hash, height)
	return u, nil
}

// ComputeNullifier is Hash(hash, leafIndex, acc.Sign(hash, leafIndex)).
// Only the owner of the private scalar can compute it.
func ComputeNullifier(h hasher.Hasher, acc *account.Account, hash types.Hash, leafIndex uint64) (types.Hash, error) {
	sig, err := acc.Sign(hash, leafIndex)
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "nullifier")
	}
	var idx fr.Element
	idx.SetUint64(leafIndex)
	n, err := h.Hash(hash.Element(), idx, sig.Element())
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "nullifier")
	}
	return types.HashFromElement(n), nil
}

// ComputeNullifier recomputes u's nullifier for acc.
func (u *Utxo) ComputeNullifier(h hasher.Hasher, acc *account.Account) (types.Hash, error) {
	if u == nil {
		return types.Hash{}, ErrNotInserted
	}
	return ComputeNullifier(h, acc, u.Hash(), u.MerkleTreeLeafIndex)
}
