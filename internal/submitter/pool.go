package submitter

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// Pool errors
var (
	ErrPoolFull        = common.NewKind(common.KindResource, "pending pool is full")
	ErrAlreadyPending  = common.NewKind(common.KindValidation, "transaction already pending")
	ErrDoubleSpend     = common.NewKind(common.KindValidation, "nullifier already pending")
	ErrPendingNotFound = common.NewKind(common.KindValidation, "transaction not pending")
)

// PendingTx is an envelope sent but not yet confirmed.
type PendingTx struct {
	Signature  types.Signature
	Nullifiers []types.Hash
	AddedAt    time.Time
	Attempts   int
}

// PendingPool tracks in-flight transactions and the nullifiers they
// spend so the same input is never sent twice.
type PendingPool struct {
	mu sync.RWMutex

	txs map[types.Signature]*PendingTx

	// nullifier -> pending transaction
	nullifiers map[types.Hash]types.Signature

	// nullifiers of sends in progress
	reserved map[types.Hash]struct{}
	inflight int

	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewPendingPool creates a pool holding at most maxSize transactions for
// at most ttl each.
func NewPendingPool(maxSize int, ttl time.Duration) *PendingPool {
	return &PendingPool{
		txs:        make(map[types.Signature]*PendingTx),
		nullifiers: make(map[types.Hash]types.Signature),
		reserved:   make(map[types.Hash]struct{}),
		maxSize:    maxSize,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Reservation holds a pool slot and nullifiers for a send in progress.
// It ends with Commit or Release.
type Reservation struct {
	pool       *PendingPool
	nullifiers []types.Hash
	done       bool
}

// Reserve claims a slot and nullifiers before a send, so a concurrent
// spend of the same inputs fails here instead of on the ledger.
func (p *PendingPool) Reserve(nullifiers []types.Hash) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.txs)+p.inflight >= p.maxSize {
		p.expireLocked()
		if len(p.txs)+p.inflight >= p.maxSize {
			return nil, ErrPoolFull
		}
	}
	seen := make(map[types.Hash]struct{}, len(nullifiers))
	for _, n := range nullifiers {
		if existing, ok := p.nullifiers[n]; ok {
			return nil, errors.Wrapf(ErrDoubleSpend, "%s conflicts with %s", n, existing)
		}
		if _, ok := p.reserved[n]; ok {
			return nil, errors.Wrapf(ErrDoubleSpend, "%s is being sent", n)
		}
		if _, ok := seen[n]; ok {
			return nil, errors.Wrapf(ErrDoubleSpend, "%s spent twice", n)
		}
		seen[n] = struct{}{}
	}

	for _, n := range nullifiers {
		p.reserved[n] = struct{}{}
	}
	p.inflight++
	return &Reservation{pool: p, nullifiers: append([]types.Hash(nil), nullifiers...)}, nil
}

// Commit turns the reservation into a pending transaction.
func (r *Reservation) Commit(sig types.Signature) error {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.done {
		return errors.Wrap(ErrPendingNotFound, "reservation already ended")
	}
	r.releaseLocked()
	if _, ok := p.txs[sig]; ok {
		return ErrAlreadyPending
	}
	p.txs[sig] = &PendingTx{
		Signature:  sig,
		Nullifiers: r.nullifiers,
		AddedAt:    p.now(),
		Attempts:   1,
	}
	for _, n := range r.nullifiers {
		p.nullifiers[n] = sig
	}
	pendingTransactions.Set(float64(len(p.txs)))
	return nil
}

// Release gives the reservation up. It is a no-op after Commit.
func (r *Reservation) Release() {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	r.releaseLocked()
}

func (r *Reservation) releaseLocked() {
	if r.done {
		return
	}
	r.done = true
	for _, n := range r.nullifiers {
		delete(r.pool.reserved, n)
	}
	r.pool.inflight--
}

// Add records a sent transaction.
func (p *PendingPool) Add(sig types.Signature, nullifiers []types.Hash) error {
	p.mu.RLock()
	_, known := p.txs[sig]
	p.mu.RUnlock()
	if known {
		return ErrAlreadyPending
	}
	r, err := p.Reserve(nullifiers)
	if err != nil {
		return err
	}
	return r.Commit(sig)
}

// Remove drops a transaction and frees its nullifiers.
func (p *PendingPool) Remove(sig types.Signature) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(sig)
}

func (p *PendingPool) removeLocked(sig types.Signature) bool {
	tx, ok := p.txs[sig]
	if !ok {
		return false
	}
	delete(p.txs, sig)
	for _, n := range tx.Nullifiers {
		delete(p.nullifiers, n)
	}
	pendingTransactions.Set(float64(len(p.txs)))
	return true
}

// Get returns a pending transaction.
func (p *PendingPool) Get(sig types.Signature) (*PendingTx, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.txs[sig]
	if !ok {
		return nil, false
	}
	cp := *tx
	return &cp, true
}

// HasNullifier reports whether a pending transaction spends n.
func (p *PendingPool) HasNullifier(n types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.nullifiers[n]
	return ok
}

// RemoveSpent drops every pending transaction that spends one of the
// nullifiers now observed on the ledger, whether it landed or lost a
// race to a conflicting transaction. It returns the dropped signatures.
func (p *PendingPool) RemoveSpent(nullifiers []types.Hash) []types.Signature {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dropped []types.Signature
	for _, n := range nullifiers {
		if sig, ok := p.nullifiers[n]; ok && p.removeLocked(sig) {
			dropped = append(dropped, sig)
		}
	}
	return dropped
}

// Expire drops transactions older than the TTL and returns them.
func (p *PendingPool) Expire() []*PendingTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expireLocked()
}

func (p *PendingPool) expireLocked() []*PendingTx {
	cutoff := p.now().Add(-p.ttl)
	var expired []*PendingTx
	for sig, tx := range p.txs {
		if tx.AddedAt.Before(cutoff) {
			expired = append(expired, tx)
			p.removeLocked(sig)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].AddedAt.Before(expired[j].AddedAt)
	})
	return expired
}

// Pending returns pending transactions, oldest first.
func (p *PendingPool) Pending() []*PendingTx {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PendingTx, 0, len(p.txs))
	for _, tx := range p.txs {
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return string(out[i].Signature[:]) < string(out[j].Signature[:])
	})
	return out
}

// Size returns the number of pending transactions
func (p *PendingPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}
