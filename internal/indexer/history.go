package indexer

import (
	"math/big"

	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/types"
)

// HistoryEntry is one transaction as seen by one owner.
type HistoryEntry struct {
	Signature      types.Signature
	BlockTime      int64
	FirstLeafIndex uint64
	Action         types.Action
	Signer         types.PublicKey

	// Created are the owner's records output by the transaction
	Created []*utxo.Utxo

	// Spent are the owner's records nullified by the transaction
	Spent []*utxo.Utxo

	// PublicAmountSol and PublicAmountSpl are magnitudes; the sign follows
	// from Action. A withdrawn native amount excludes the relayer fee.
	PublicAmountSol *big.Int
	PublicAmountSpl *big.Int
	Fee             uint64
}

// buildHistory walks events in chain order and emits, per owner, an entry
// for every event that created or spent one of their records.
func buildHistory(ordered []*types.ParsedIndexedTransaction, owned []*Owned) map[types.Hash][]HistoryEntry {
	type touch struct {
		created map[types.Hash][]*utxo.Utxo
		spent   map[types.Hash][]*utxo.Utxo
	}
	bySig := make(map[types.Signature]*touch)
	get := func(sig types.Signature) *touch {
		t, ok := bySig[sig]
		if !ok {
			t = &touch{
				created: make(map[types.Hash][]*utxo.Utxo),
				spent:   make(map[types.Hash][]*utxo.Utxo),
			}
			bySig[sig] = t
		}
		return t
	}
	for _, o := range owned {
		c := get(o.CreatedIn)
		c.created[o.Owner] = append(c.created[o.Owner], o.Utxo)
		if o.SpentIn != nil {
			s := get(*o.SpentIn)
			s.spent[o.Owner] = append(s.spent[o.Owner], o.Utxo)
		}
	}

	history := make(map[types.Hash][]HistoryEntry)
	for _, ev := range ordered {
		t, ok := bySig[ev.Signature]
		if !ok {
			continue
		}
		owners := make(map[types.Hash]struct{})
		for o := range t.created {
			owners[o] = struct{}{}
		}
		for o := range t.spent {
			owners[o] = struct{}{}
		}
		sol, _ := ev.NetPublicAmountSol()
		spl, _ := types.PublicAmount(ev.PublicAmountSpl)
		for owner := range owners {
			history[owner] = append(history[owner], HistoryEntry{
				Signature:       ev.Signature,
				BlockTime:       ev.BlockTime,
				FirstLeafIndex:  ev.FirstLeafIndex,
				Action:          ev.Action(),
				Signer:          ev.Signer,
				Created:         t.created[owner],
				Spent:           t.spent[owner],
				PublicAmountSol: sol,
				PublicAmountSpl: spl,
				Fee:             ev.Fee,
			})
		}
	}
	return history
}
