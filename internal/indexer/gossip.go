package indexer

import (
	"bytes"
	"context"
	"sync"

	"github.com/ccoin/shielded/pkg/types"
)

// GossipSource is an EventSource fed by peers instead of the ledger RPC.
// Transactions are returned newest first, the same as an RPC page.
type GossipSource struct {
	mu   sync.RWMutex
	txs  []RawTransaction
	seen map[types.Signature]struct{}
}

// NewGossipSource creates an empty gossip source
func NewGossipSource() *GossipSource {
	return &GossipSource{seen: make(map[types.Signature]struct{})}
}

// Push records a transaction received from a peer. Repeats are ignored.
func (g *GossipSource) Push(raw RawTransaction) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[raw.Signature]; ok {
		return false
	}
	g.seen[raw.Signature] = struct{}{}
	raw.Data = bytes.Clone(raw.Data)
	g.txs = append(g.txs, raw)
	return true
}

// Len returns the number of buffered transactions
func (g *GossipSource) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.txs)
}

// FetchTransactions implements EventSource.
func (g *GossipSource) FetchTransactions(ctx context.Context, q Query) ([]RawTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	// newest first; slot then arrival breaks ties
	start := len(g.txs) - 1
	if !q.Before.IsEmpty() {
		start = -1
		for i := len(g.txs) - 1; i >= 0; i-- {
			if g.txs[i].Signature == q.Before {
				start = i - 1
				break
			}
		}
	}
	var out []RawTransaction
	for i := start; i >= 0; i-- {
		if !q.Until.IsEmpty() && g.txs[i].Signature == q.Until {
			break
		}
		out = append(out, g.txs[i])
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

var _ EventSource = (*GossipSource)(nil)
