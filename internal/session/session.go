// Package session owns one account's view of a tree: its merkle replica,
// balances and blinding registry. It runs the pipeline from indexed
// events to spendable records and from a transfer request to a submitted
// transaction.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/balance"
	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/internal/indexer"
	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/prover"
	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// Session errors
var (
	ErrLeafGap        = common.NewKind(common.KindConsistency, "event log has a leaf gap")
	ErrNoProver       = common.NewKind(common.KindValidation, "session has no proof service")
	ErrNoSubmitter    = common.NewKind(common.KindValidation, "session has no submitter")
	ErrNotProven      = common.NewKind(common.KindValidation, "transaction has no proof")
	ErrUnknownPending = common.NewKind(common.KindValidation, "transaction not pending in this session")
)

// Config holds session configuration
type Config struct {
	// TreeHeight is the height of the on-chain tree
	TreeHeight int `yaml:"treeHeight"`

	// Arity is the circuit shape transactions are padded to
	Arity prover.Arity `yaml:"arity"`

	// ProgramID is the shielded pool program, set from the RPC config
	ProgramID types.PublicKey `yaml:"-"`
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		TreeHeight: merkle.DefaultHeight,
		Arity:      prover.DefaultArity,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.TreeHeight < 1 || c.TreeHeight > merkle.MaxHeight {
		return errors.Wrapf(merkle.ErrInvalidHeight, "tree height %d", c.TreeHeight)
	}
	return c.Arity.Validate()
}

// Deps are the collaborators of a Session. Indexer is required; the
// rest are optional and disable the operations that need them.
type Deps struct {
	Indexer *indexer.Indexer

	// Ledger, when set, is checked after every sync and the replica is
	// rebuilt from it on divergence
	Ledger merkle.LedgerSource

	// TreeStore backs the replica; in memory when nil
	TreeStore merkle.TreeStore

	Prover    prover.ProofService
	Submitter *submitter.Submitter
}

// SyncReport summarizes one Sync.
type SyncReport struct {
	Events   int
	Rebuilt  bool
	Received int
	Spent    int
	Root     types.Hash
	Warnings []indexer.Warning
}

// Session is single-flow: operations take the session lock, so callers
// may share one Session between goroutines but never gain parallelism.
type Session struct {
	mu sync.Mutex

	cfg      Config
	hasher   hasher.Hasher
	acc      *account.Account
	codec    *utxo.Codec
	replica  *merkle.Replica
	balance  *balance.Balance
	registry *utxo.BlindingRegistry

	indexer   *indexer.Indexer
	ledger    merkle.LedgerSource
	prover    prover.ProofService
	submitter *submitter.Submitter

	// inputs locked by each in-flight transaction
	pending map[types.Signature]*PreparedTx
	history map[types.Hash][]indexer.HistoryEntry

	onEvents func([]*types.ParsedIndexedTransaction, *indexer.Checkpoint)

	logger *zap.Logger
}

// New creates a session for acc. acc must hold private keys.
func New(ctx context.Context, cfg Config, h hasher.Hasher, acc *account.Account, codec *utxo.Codec, deps Deps, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !acc.HasPrivateKeys() {
		return nil, account.ErrKeyNotInitialized
	}
	if deps.Indexer == nil {
		return nil, errors.New("session: indexer is required")
	}
	store := deps.TreeStore
	if store == nil {
		store = merkle.NewInMemoryTreeStore()
	}
	replica, err := merkle.New(ctx, h, cfg.TreeHeight, store)
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:       cfg,
		hasher:    h,
		acc:       acc,
		codec:     codec,
		replica:   replica,
		balance:   balance.New(),
		registry:  utxo.NewBlindingRegistry(),
		indexer:   deps.Indexer,
		ledger:    deps.Ledger,
		prover:    deps.Prover,
		submitter: deps.Submitter,
		pending:   make(map[types.Signature]*PreparedTx),
		logger:    logger.With(zap.String("account", acc.PublicKey().Base58())),
	}, nil
}

// OnEvents registers fn to receive the events each sync applies, with the
// checkpoint after them. fn runs under the session lock.
func (s *Session) OnEvents(fn func([]*types.ParsedIndexedTransaction, *indexer.Checkpoint)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvents = fn
}

// Account returns the session's account
func (s *Session) Account() *account.Account { return s.acc }

// Replica returns the session's merkle replica. Paths may be read from it
// concurrently with a sync.
func (s *Session) Replica() *merkle.Replica { return s.replica }

// Sync pulls new events, extends the replica with their leaves and books
// the account's records.
func (s *Session) Sync(ctx context.Context) (*SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.indexer.Sync(ctx)
	if err != nil && len(events) == 0 {
		return nil, errors.Wrap(err, "sync events")
	}
	// a partial sync still extends the replica with what was applied
	syncErr := err

	report := &SyncReport{Events: len(events)}
	rebuilt, err := s.applyLeaves(ctx, events)
	if err != nil {
		return nil, err
	}
	report.Rebuilt = rebuilt
	if s.onEvents != nil && len(events) > 0 {
		s.onEvents(events, s.indexer.Checkpoint())
	}

	res, err := s.indexer.Reconcile(ctx, []*account.Account{s.acc})
	if err != nil {
		return nil, errors.Wrap(err, "reconcile")
	}
	report.Warnings = res.Warnings
	report.Received, report.Spent = s.book(res)
	s.history = res.HistoryByOwner
	s.releaseExpired()
	report.Root = s.replica.Root()

	if len(events) > 0 || rebuilt {
		s.logger.Info("session synced",
			zap.Int("events", report.Events),
			zap.Bool("rebuilt", rebuilt),
			zap.Int("received", report.Received),
			zap.Int("spent", report.Spent),
			zap.String("root", report.Root.Base58()))
	}
	return report, syncErr
}

// applyLeaves appends event leaves the replica does not hold yet. A gap
// or a ledger divergence rebuilds the replica from authoritative leaves.
func (s *Session) applyLeaves(ctx context.Context, events []*types.ParsedIndexedTransaction) (bool, error) {
	gap := false
	for _, ev := range events {
		size := s.replica.Size()
		end := ev.FirstLeafIndex + uint64(len(ev.Leaves))
		switch {
		case end <= size:
			continue
		case ev.FirstLeafIndex > size:
			gap = true
		default:
			if _, err := s.replica.BulkInsert(ctx, ev.Leaves[size-ev.FirstLeafIndex:]); err != nil {
				return false, errors.Wrapf(err, "insert leaves of %s", ev.Signature)
			}
		}
		if gap {
			break
		}
	}

	if s.ledger != nil {
		rebuilt, err := merkle.EnsureConsistent(ctx, s.replica, s.ledger)
		if rebuilt {
			s.logger.Warn("replica rebuilt from ledger", zap.Uint64("leaves", s.replica.Size()))
		}
		return rebuilt, err
	}
	if !gap {
		return false, nil
	}
	return true, s.rebuildFromLog(ctx)
}

// rebuildFromLog replays every leaf of the local event log.
func (s *Session) rebuildFromLog(ctx context.Context) error {
	events, err := s.indexer.Events(ctx)
	if err != nil {
		return errors.Wrap(err, "load events")
	}
	indexer.SortChainOrder(events)

	var leaves []types.Hash
	for _, ev := range events {
		next := uint64(len(leaves))
		switch {
		case ev.FirstLeafIndex+uint64(len(ev.Leaves)) <= next:
			continue
		case ev.FirstLeafIndex > next:
			return errors.Wrapf(ErrLeafGap, "missing leaves %d..%d", next, ev.FirstLeafIndex)
		}
		leaves = append(leaves, ev.Leaves[next-ev.FirstLeafIndex:]...)
	}
	if err := s.replica.Rebuild(ctx, leaves, nil); err != nil {
		return err
	}
	s.logger.Warn("replica rebuilt from event log", zap.Int("leaves", len(leaves)))
	return nil
}

// book records reconciled records in the balance store and releases
// pending transactions whose nullifiers were observed.
func (s *Session) book(res *indexer.Result) (received, spent int) {
	var nullifiers []types.Hash
	for _, rec := range res.Records {
		u := rec.Utxo
		inbox := rec.Mode == utxo.ModeAsymmetric
		if rec.SpentIn == nil {
			if s.balance.Add(u, inbox) {
				received++
			}
			continue
		}
		nullifiers = append(nullifiers, u.Nullifier)
		if s.balance.MarkSpent(u.Hash()) {
			spent++
			continue
		}
		tb := s.balance.Token(balance.Mint(u))
		if inbox {
			tb = s.balance.Inbox(balance.Mint(u))
		}
		if !tb.IsSpent(u.Hash()) {
			tb.AddSpent(u.Hash(), u)
		}
	}

	if s.submitter != nil && len(nullifiers) > 0 {
		for _, sig := range s.submitter.Pool().RemoveSpent(nullifiers) {
			s.release(sig)
			s.logger.Info("pending transaction settled", zap.String("signature", sig.String()))
		}
	}
	return received, spent
}

// releaseExpired unlocks inputs of transactions the pool gave up on.
func (s *Session) releaseExpired() {
	if s.submitter == nil {
		return
	}
	for _, tx := range s.submitter.Pool().Expire() {
		s.release(tx.Signature)
		s.logger.Warn("pending transaction expired", zap.String("signature", tx.Signature.String()))
	}
}

func (s *Session) release(sig types.Signature) {
	tx, ok := s.pending[sig]
	if !ok {
		return
	}
	delete(s.pending, sig)
	s.unlock(tx)
}

func (s *Session) unlock(tx *PreparedTx) {
	for _, in := range tx.Inputs {
		s.balance.Token(balance.Mint(in)).ClearPending(in.Hash())
	}
}

// Balance returns the total and spendable balance of mint.
func (s *Session) Balance(mint types.PublicKey) (total, spendable uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.balance.Token(mint)
	return tb.TotalBalance(), tb.SpendableBalance()
}

// InboxBalance returns the total of records received from third parties
// and not accepted yet.
func (s *Session) InboxBalance(mint types.PublicKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.Inbox(mint).TotalBalance()
}

// AcceptInbox moves received records of mint into the spendable balance.
func (s *Session) AcceptInbox(mint types.PublicKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.AcceptInbox(mint)
}

// Utxos returns the unspent records of mint in arrival order.
func (s *Session) Utxos(mint types.PublicKey) []*utxo.Utxo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.Token(mint).Unspent()
}

// Mints returns the assets the account holds a balance in.
func (s *Session) Mints() []types.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.Mints()
}

// History returns the account's transaction history in chain order as of
// the last sync.
func (s *Session) History() []indexer.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]indexer.HistoryEntry(nil), s.history[s.acc.PublicKey()]...)
}

// CreateOutput builds a record owned by p.Owner (the session account when
// zero) and encrypts it. Blindings are checked against the session
// registry.
func (s *Session) CreateOutput(p utxo.Params) (*utxo.OutUtxo, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOutput(p)
}

func (s *Session) createOutput(p utxo.Params) (*utxo.OutUtxo, []byte, error) {
	if p.Owner.IsEmpty() {
		p.Owner = s.acc.PublicKey()
	}
	p.Registry = s.registry
	out, err := utxo.NewOutUtxo(s.hasher, p)
	if err != nil {
		return nil, nil, err
	}
	ct, err := s.codec.Encrypt(s.acc, out)
	if err != nil {
		return nil, nil, err
	}
	return out, ct, nil
}
