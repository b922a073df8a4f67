package utxo

import (
	"github.com/pkg/errors"

	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// ErrAssetNotFound is returned for assets missing from the lookup table
var ErrAssetNotFound = common.NewKind(common.KindValidation, "asset not in lookup table")

// AssetLookupTable maps assets to the compact index used in serialized
// records. Index 0 is always the native asset.
type AssetLookupTable struct {
	assets []types.PublicKey
	index  map[types.PublicKey]uint64
}

// NewAssetLookupTable builds a table from assets, placing the native asset
// first and dropping duplicates.
func NewAssetLookupTable(assets ...types.PublicKey) *AssetLookupTable {
	t := &AssetLookupTable{index: make(map[types.PublicKey]uint64)}
	t.add(types.NativeAsset)
	for _, a := range assets {
		t.add(a)
	}
	return t
}

func (t *AssetLookupTable) add(a types.PublicKey) {
	if _, ok := t.index[a]; ok {
		return
	}
	t.index[a] = uint64(len(t.assets))
	t.assets = append(t.assets, a)
}

// Index returns the table index of asset.
func (t *AssetLookupTable) Index(asset types.PublicKey) (uint64, error) {
	i, ok := t.index[asset]
	if !ok {
		return 0, errors.Wrap(ErrAssetNotFound, asset.String())
	}
	return i, nil
}

// Asset returns the asset at index i.
func (t *AssetLookupTable) Asset(i uint64) (types.PublicKey, error) {
	if i >= uint64(len(t.assets)) {
		return types.PublicKey{}, errors.Wrapf(ErrAssetNotFound, "index %d", i)
	}
	return t.assets[i], nil
}

// Assets returns the table in index order.
func (t *AssetLookupTable) Assets() []types.PublicKey {
	return append([]types.PublicKey(nil), t.assets...)
}
