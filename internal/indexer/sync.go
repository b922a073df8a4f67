package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// ErrCheckpointNotFound is returned by a CheckpointStore with no checkpoint
var ErrCheckpointNotFound = common.NewKind(common.KindResource, "checkpoint not found")

// Checkpoint marks the newest event applied to the local log.
type Checkpoint struct {
	Signature types.Signature
	// Sequence is the ledger sequence after the event: its first leaf
	// index plus its leaf count.
	Sequence  uint64
	UpdatedAt time.Time
}

// CheckpointStore persists the sync checkpoint.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
}

// EventStore persists decoded events.
type EventStore interface {
	SaveEvents(ctx context.Context, events []*types.ParsedIndexedTransaction) error
	LoadEvents(ctx context.Context) ([]*types.ParsedIndexedTransaction, error)
}

// Store is the persistence needed by an Indexer.
type Store interface {
	CheckpointStore
	EventStore
}

// InMemoryStore keeps events and the checkpoint in memory
type InMemoryStore struct {
	mu         sync.RWMutex
	events     map[types.Signature]*types.ParsedIndexedTransaction
	checkpoint *Checkpoint
}

// NewInMemoryStore creates an empty in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[types.Signature]*types.ParsedIndexedTransaction)}
}

func (s *InMemoryStore) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	cp := *s.checkpoint
	return &cp, nil
}

func (s *InMemoryStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	s.checkpoint = &c
	return nil
}

func (s *InMemoryStore) SaveEvents(ctx context.Context, events []*types.ParsedIndexedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.events[ev.Signature] = ev
	}
	return nil
}

func (s *InMemoryStore) LoadEvents(ctx context.Context) ([]*types.ParsedIndexedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ParsedIndexedTransaction, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	SortChainOrder(out)
	return out, nil
}

// Indexer keeps a local copy of the event log in sync with the ledger
// and reconciles it against session keys.
type Indexer struct {
	cfg        Config
	fetcher    *Fetcher
	reconciler *Reconciler
	store      Store
	logger     *zap.Logger

	mu         sync.Mutex
	checkpoint *Checkpoint
}

// New creates an indexer. A nil store keeps the log in memory.
func New(cfg Config, fetcher *Fetcher, reconciler *Reconciler, store Store, logger *zap.Logger) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Indexer{
		cfg:        cfg,
		fetcher:    fetcher,
		reconciler: reconciler,
		store:      store,
		logger:     logger,
	}, nil
}

// Restore loads the persisted checkpoint, if any.
func (ix *Indexer) Restore(ctx context.Context) error {
	cp, err := ix.store.LoadCheckpoint(ctx)
	if errors.Is(err, ErrCheckpointNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load checkpoint")
	}
	ix.mu.Lock()
	ix.checkpoint = cp
	ix.mu.Unlock()
	checkpointSequence.Set(float64(cp.Sequence))
	ix.logger.Info("restored indexer checkpoint",
		zap.String("signature", cp.Signature.String()),
		zap.Uint64("sequence", cp.Sequence))
	return nil
}

// Checkpoint returns the last applied checkpoint or nil.
func (ix *Indexer) Checkpoint() *Checkpoint {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.checkpoint == nil {
		return nil
	}
	cp := *ix.checkpoint
	return &cp
}

// Sync fetches events newer than the checkpoint and appends them to the
// log in batches, checkpointing after each. It returns the newly applied
// events. A cancelled context stops between batches; the checkpoint then
// reflects everything applied so far.
func (ix *Indexer) Sync(ctx context.Context) ([]*types.ParsedIndexedTransaction, error) {
	var since types.Signature
	var seq uint64
	if cp := ix.Checkpoint(); cp != nil {
		since = cp.Signature
		seq = cp.Sequence
	}

	events, err := ix.fetcher.FetchEvents(ctx, since)
	if err != nil {
		return nil, err
	}

	// a source that ignores Until may replay events already applied
	fresh := events[:0]
	for _, ev := range events {
		if ev.FirstLeafIndex+uint64(len(ev.Leaves)) <= seq && len(ev.Leaves) > 0 {
			continue
		}
		fresh = append(fresh, ev)
	}

	var applied []*types.ParsedIndexedTransaction
	for start := 0; start < len(fresh); start += ix.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		end := start + ix.cfg.BatchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		batch := fresh[start:end]
		if err := ix.store.SaveEvents(ctx, batch); err != nil {
			return applied, errors.Wrap(err, "save events")
		}

		last := batch[len(batch)-1]
		cp := &Checkpoint{
			Signature: last.Signature,
			Sequence:  last.FirstLeafIndex + uint64(len(last.Leaves)),
			UpdatedAt: time.Now(),
		}
		if err := ix.store.SaveCheckpoint(ctx, cp); err != nil {
			return applied, errors.Wrap(err, "save checkpoint")
		}
		ix.mu.Lock()
		ix.checkpoint = cp
		ix.mu.Unlock()
		checkpointSequence.Set(float64(cp.Sequence))
		applied = append(applied, batch...)
	}

	if len(applied) > 0 {
		ix.logger.Debug("indexer synced",
			zap.Int("events", len(applied)),
			zap.Uint64("sequence", ix.Checkpoint().Sequence))
	}
	return applied, nil
}

// Events returns the local log in chain order.
func (ix *Indexer) Events(ctx context.Context) ([]*types.ParsedIndexedTransaction, error) {
	return ix.store.LoadEvents(ctx)
}

// Reconcile runs the reconciler over the full local log.
func (ix *Indexer) Reconcile(ctx context.Context, accounts []*account.Account) (*Result, error) {
	events, err := ix.store.LoadEvents(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load events")
	}
	return ix.reconciler.Reconcile(ctx, events, accounts)
}
