package balance

import (
	"sort"

	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/types"
)

// Balance is a session's store of token balances. Records decrypted from
// the owner's own ciphertexts go to the main balances, records received
// through the encryption key go to the inbox until accepted.
type Balance struct {
	tokens map[types.PublicKey]*TokenUtxoBalance
	inbox  map[types.PublicKey]*TokenUtxoBalance
}

// New returns an empty store.
func New() *Balance {
	return &Balance{
		tokens: make(map[types.PublicKey]*TokenUtxoBalance),
		inbox:  make(map[types.PublicKey]*TokenUtxoBalance),
	}
}

// Mint returns the asset a record is booked under: its SPL asset when
// set, otherwise native.
func Mint(u *utxo.Utxo) types.PublicKey {
	if !u.Assets[1].IsNative() {
		return u.Assets[1]
	}
	return types.NativeAsset
}

func get(m map[types.PublicKey]*TokenUtxoBalance, mint types.PublicKey) *TokenUtxoBalance {
	tb, ok := m[mint]
	if !ok {
		tb = NewTokenUtxoBalance(mint)
		m[mint] = tb
	}
	return tb
}

// Token returns the balance of mint, creating it when missing.
func (b *Balance) Token(mint types.PublicKey) *TokenUtxoBalance {
	return get(b.tokens, mint)
}

// Inbox returns the inbox balance of mint.
func (b *Balance) Inbox(mint types.PublicKey) *TokenUtxoBalance {
	return get(b.inbox, mint)
}

// Add books an unspent record, into the inbox when inbox is set.
func (b *Balance) Add(u *utxo.Utxo, inbox bool) bool {
	if inbox {
		return b.Inbox(Mint(u)).AddUtxo(u.Hash(), u)
	}
	return b.Token(Mint(u)).AddUtxo(u.Hash(), u)
}

// MarkSpent moves the record with hash to spent wherever it is booked.
func (b *Balance) MarkSpent(hash types.Hash) bool {
	moved := false
	for _, m := range []map[types.PublicKey]*TokenUtxoBalance{b.tokens, b.inbox} {
		for _, tb := range m {
			if tb.MoveToSpent(hash) {
				moved = true
			}
		}
	}
	return moved
}

// AcceptInbox moves every unspent inbox record of mint to the main
// balance and returns how many moved.
func (b *Balance) AcceptInbox(mint types.PublicKey) int {
	in, ok := b.inbox[mint]
	if !ok {
		return 0
	}
	main := b.Token(mint)
	n := 0
	for _, u := range in.Unspent() {
		delete(in.utxos, u.Hash())
		delete(in.arrival, u.Hash())
		delete(in.pending, u.Hash())
		if main.AddUtxo(u.Hash(), u) {
			n++
		}
	}
	return n
}

// Mints returns the assets with a main balance, sorted.
func (b *Balance) Mints() []types.PublicKey {
	out := make([]types.PublicKey, 0, len(b.tokens))
	for m := range b.tokens {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}
