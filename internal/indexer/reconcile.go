package indexer

import (
	"context"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// ErrDuplicateNullifier marks a nullifier published by two transactions
var ErrDuplicateNullifier = common.NewKind(common.KindConsistency, "duplicate nullifier")

// Warning records an event that was skipped or partially applied.
type Warning struct {
	Signature types.Signature
	Err       error
}

// Owned is a decrypted record with the events that created and spent it.
type Owned struct {
	Utxo  *utxo.Utxo
	Owner types.Hash
	Mode  utxo.Mode

	CreatedIn types.Signature
	SpentIn   *types.Signature
}

// Result is the outcome of reconciling an event list.
type Result struct {
	// Unspent and Spent are ordered by leaf index
	Unspent []*utxo.Utxo
	Spent   []*utxo.Utxo

	// Records holds every decrypted record, ordered by leaf index
	Records []*Owned

	// HistoryByOwner is keyed by the owner's shielded public key, each
	// list in chain order
	HistoryByOwner map[types.Hash][]HistoryEntry

	Warnings []Warning
}

type cacheKey struct {
	owner  types.Hash
	leaf   types.Hash
	index  uint64
	sealed [32]byte
}

type outcome struct {
	out  *utxo.OutUtxo
	mode utxo.Mode
}

// Reconciler computes Results. It holds no state besides a cache of pure
// decryption outcomes keyed by ciphertext digest, so one Reconciler may
// serve many sessions.
type Reconciler struct {
	hasher  hasher.Hasher
	codec   *utxo.Codec
	workers int
	cache   *lru.Cache[cacheKey, outcome]
	logger  *zap.Logger
}

// NewReconciler creates a reconciler for records encrypted with codec.
func NewReconciler(cfg Config, h hasher.Hasher, codec *utxo.Codec, logger *zap.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[cacheKey, outcome](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "decryption cache")
	}
	return &Reconciler{
		hasher:  h,
		codec:   codec,
		workers: cfg.Workers,
		cache:   cache,
		logger:  logger,
	}, nil
}

type job struct {
	event  int
	output int
	acct   int
}

// Reconcile derives the unspent set and history from events for the
// given accounts. The result depends only on its inputs: running it twice
// over the same events yields identical results.
//
// Events are processed by ledger sequence. Every output is tried against
// every account; unspent is the set of decrypted outputs minus those whose
// nullifier appears as an input anywhere in the list.
func (r *Reconciler) Reconcile(ctx context.Context, events []*types.ParsedIndexedTransaction, accounts []*account.Account) (*Result, error) {
	for _, a := range accounts {
		if !a.HasPrivateKeys() {
			return nil, errors.Wrap(account.ErrKeyNotInitialized, "reconcile")
		}
	}
	timer := prometheus.NewTimer(reconcileDuration)
	defer timer.ObserveDuration()

	res := &Result{HistoryByOwner: make(map[types.Hash][]HistoryEntry)}
	ordered := r.order(events, res)

	// decrypt: one slot per (event, output, account)
	var jobs []job
	for ei, ev := range ordered {
		for oi := range ev.Leaves {
			for ai := range accounts {
				jobs = append(jobs, job{event: ei, output: oi, acct: ai})
			}
		}
	}
	outcomes := make([]outcome, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range jobs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			j := jobs[i]
			ev := ordered[j.event]
			outcomes[i] = r.tryDecrypt(accounts[j.acct], ev.EncryptedOutputs[j.output], ev.Leaves[j.output], ev.LeafIndex(j.output))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// merge in job order: the first account that opens an output owns it
	claimed := make(map[[2]int]bool)
	var owned []*Owned
	for i, j := range jobs {
		o := outcomes[i]
		key := [2]int{j.event, j.output}
		if o.out == nil || claimed[key] {
			continue
		}
		claimed[key] = true
		ev := ordered[j.event]
		acc := accounts[j.acct]
		u, err := utxo.NewUtxo(r.hasher, o.out, acc, r.codec.TreeID(), ev.LeafIndex(j.output))
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Signature: ev.Signature, Err: err})
			continue
		}
		owned = append(owned, &Owned{Utxo: u, Owner: acc.PublicKey(), Mode: o.mode, CreatedIn: ev.Signature})
	}
	outputsDecrypted.Add(float64(len(owned)))

	spentBy := r.nullifierIndex(ordered, res)
	for _, o := range owned {
		if sig, ok := spentBy[o.Utxo.Nullifier]; ok {
			s := sig
			o.SpentIn = &s
		}
	}

	sort.SliceStable(owned, func(i, j int) bool {
		return owned[i].Utxo.MerkleTreeLeafIndex < owned[j].Utxo.MerkleTreeLeafIndex
	})
	for _, o := range owned {
		if o.SpentIn == nil {
			res.Unspent = append(res.Unspent, o.Utxo)
		} else {
			res.Spent = append(res.Spent, o.Utxo)
		}
	}
	res.Records = owned
	res.HistoryByOwner = buildHistory(ordered, owned)

	for _, w := range res.Warnings {
		r.logger.Warn("reconcile skipped data",
			zap.String("signature", w.Signature.String()),
			zap.Error(w.Err))
	}
	return res, nil
}

// order copies events into chain order, dropping repeated signatures and
// inconsistent events.
func (r *Reconciler) order(events []*types.ParsedIndexedTransaction, res *Result) []*types.ParsedIndexedTransaction {
	seen := make(map[types.Signature]struct{}, len(events))
	out := make([]*types.ParsedIndexedTransaction, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if _, dup := seen[ev.Signature]; dup {
			continue
		}
		seen[ev.Signature] = struct{}{}
		if err := validateEvent(ev); err != nil {
			eventsSkipped.Inc()
			res.Warnings = append(res.Warnings, Warning{Signature: ev.Signature, Err: err})
			continue
		}
		out = append(out, ev)
	}
	SortChainOrder(out)
	return out
}

// nullifierIndex maps every observed nullifier to the first transaction
// that published it. Later repeats are reported as warnings.
func (r *Reconciler) nullifierIndex(ordered []*types.ParsedIndexedTransaction, res *Result) map[types.Hash]types.Signature {
	spentBy := make(map[types.Hash]types.Signature)
	for _, ev := range ordered {
		for _, n := range ev.InputHashes {
			if n.IsEmpty() {
				continue
			}
			if first, dup := spentBy[n]; dup {
				res.Warnings = append(res.Warnings, Warning{
					Signature: ev.Signature,
					Err:       errors.Wrapf(ErrDuplicateNullifier, "%s first seen in %s", n, first),
				})
				continue
			}
			spentBy[n] = ev.Signature
		}
	}
	return spentBy
}

func (r *Reconciler) tryDecrypt(acc *account.Account, ciphertext []byte, leaf types.Hash, index uint64) outcome {
	key := cacheKey{owner: acc.PublicKey(), leaf: leaf, index: index}
	copy(key.sealed[:], r.hasher.Digest(ciphertext, len(key.sealed)))
	if o, ok := r.cache.Get(key); ok {
		return o
	}
	out, mode, err := r.codec.Decrypt(acc, ciphertext, leaf, nil)
	o := outcome{}
	if err == nil {
		o = outcome{out: out, mode: mode}
	}
	r.cache.Add(key, o)
	return o
}
