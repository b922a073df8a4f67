// Package balance keeps the per-asset view of a session's records and
// selects inputs for spends.
package balance

import (
	"math"
	"math/bits"
	"sort"

	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/types"
)

// TokenUtxoBalance tracks one asset's unspent and spent records. The two
// maps are disjoint and a spent hash never returns to the unspent map.
type TokenUtxoBalance struct {
	TokenMint types.PublicKey

	utxos      map[types.Hash]*utxo.Utxo
	spentUtxos map[types.Hash]*utxo.Utxo
	pending    map[types.Hash]struct{}

	// arrival order of unspent hashes, used as the selection tie-break
	arrival map[types.Hash]uint64
	seq     uint64

	slot int
}

// NewTokenUtxoBalance returns an empty balance for mint.
func NewTokenUtxoBalance(mint types.PublicKey) *TokenUtxoBalance {
	slot := 1
	if mint.IsNative() {
		slot = 0
	}
	return &TokenUtxoBalance{
		TokenMint:  mint,
		utxos:      make(map[types.Hash]*utxo.Utxo),
		spentUtxos: make(map[types.Hash]*utxo.Utxo),
		pending:    make(map[types.Hash]struct{}),
		arrival:    make(map[types.Hash]uint64),
		slot:       slot,
	}
}

// AmountSlot is the amount slot this asset is counted in.
func (b *TokenUtxoBalance) AmountSlot() int { return b.slot }

// AddUtxo records an unspent record. It reports false when the hash is
// already known, spent or unspent.
func (b *TokenUtxoBalance) AddUtxo(hash types.Hash, u *utxo.Utxo) bool {
	if _, spent := b.spentUtxos[hash]; spent {
		return false
	}
	if _, ok := b.utxos[hash]; ok {
		return false
	}
	b.utxos[hash] = u
	b.arrival[hash] = b.seq
	b.seq++
	return true
}

// MoveToSpent moves hash out of the unspent map. Moving an already spent
// or unknown hash is a no-op; it reports whether anything moved.
func (b *TokenUtxoBalance) MoveToSpent(hash types.Hash) bool {
	u, ok := b.utxos[hash]
	if !ok {
		return false
	}
	delete(b.utxos, hash)
	delete(b.arrival, hash)
	delete(b.pending, hash)
	b.spentUtxos[hash] = u
	return true
}

// AddSpent records a record observed already spent, e.g. created and
// nullified within one fetch window.
func (b *TokenUtxoBalance) AddSpent(hash types.Hash, u *utxo.Utxo) {
	if _, ok := b.utxos[hash]; ok {
		b.MoveToSpent(hash)
		return
	}
	b.spentUtxos[hash] = u
}

// IsSpent reports whether hash was spent.
func (b *TokenUtxoBalance) IsSpent(hash types.Hash) bool {
	_, ok := b.spentUtxos[hash]
	return ok
}

// Get returns the unspent record for hash.
func (b *TokenUtxoBalance) Get(hash types.Hash) (*utxo.Utxo, bool) {
	u, ok := b.utxos[hash]
	return u, ok
}

// TotalBalance is the sum over unspent records, recomputed on every call.
// It saturates at the largest uint64.
func (b *TokenUtxoBalance) TotalBalance() uint64 {
	var total uint64
	for _, u := range b.utxos {
		total = addSaturating(total, u.Amounts[b.slot])
	}
	return total
}

// SpendableBalance excludes records locked by a pending submission.
func (b *TokenUtxoBalance) SpendableBalance() uint64 {
	var total uint64
	for h, u := range b.utxos {
		if _, locked := b.pending[h]; !locked {
			total = addSaturating(total, u.Amounts[b.slot])
		}
	}
	return total
}

// MarkPending locks hashes for an in-flight submission.
func (b *TokenUtxoBalance) MarkPending(hashes ...types.Hash) {
	for _, h := range hashes {
		if _, ok := b.utxos[h]; ok {
			b.pending[h] = struct{}{}
		}
	}
}

// ClearPending unlocks hashes after a failed submission.
func (b *TokenUtxoBalance) ClearPending(hashes ...types.Hash) {
	for _, h := range hashes {
		delete(b.pending, h)
	}
}

// Unspent returns the unspent records in arrival order.
func (b *TokenUtxoBalance) Unspent() []*utxo.Utxo {
	return b.ordered(false)
}

// Spendable returns unlocked unspent records in arrival order.
func (b *TokenUtxoBalance) Spendable() []*utxo.Utxo {
	return b.ordered(true)
}

func (b *TokenUtxoBalance) ordered(skipPending bool) []*utxo.Utxo {
	hashes := make([]types.Hash, 0, len(b.utxos))
	for h := range b.utxos {
		if _, locked := b.pending[h]; skipPending && locked {
			continue
		}
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return b.arrival[hashes[i]] < b.arrival[hashes[j]]
	})
	out := make([]*utxo.Utxo, len(hashes))
	for i, h := range hashes {
		out[i] = b.utxos[h]
	}
	return out
}

// Spent returns the spent records ordered by leaf index.
func (b *TokenUtxoBalance) Spent() []*utxo.Utxo {
	out := make([]*utxo.Utxo, 0, len(b.spentUtxos))
	for _, u := range b.spentUtxos {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MerkleTreeLeafIndex < out[j].MerkleTreeLeafIndex
	})
	return out
}

// Len returns the number of unspent and spent records.
func (b *TokenUtxoBalance) Len() (unspent, spent int) {
	return len(b.utxos), len(b.spentUtxos)
}

func addSaturating(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
