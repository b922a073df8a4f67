// Package indexer turns ledger events into the set of records a session
// owns: it fetches and decodes events, trial-decrypts outputs and derives
// the unspent set and per-owner history by set difference.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// ErrIndexerUnavailable is returned once fetch retries are exhausted
var ErrIndexerUnavailable = common.NewKind(common.KindResource, "indexer unavailable")

// Query selects a page of transactions, newest first. Before and Until
// are exclusive bounds; zero values are open.
type Query struct {
	Before types.Signature
	Until  types.Signature
	Limit  int
}

// EventSource is the ledger RPC boundary.
type EventSource interface {
	FetchTransactions(ctx context.Context, q Query) ([]RawTransaction, error)
}

// UnavailableError carries the last transport error after retries.
type UnavailableError struct {
	Attempts int
	Last     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrIndexerUnavailable, e.Attempts, e.Last)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrIndexerUnavailable, e.Last}
}

// Fetcher pages through an EventSource with bounded retries.
type Fetcher struct {
	cfg    Config
	source EventSource
	logger *zap.Logger
}

// NewFetcher creates a fetcher over source.
func NewFetcher(cfg Config, source EventSource, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, source: source, logger: logger}
}

// FetchEvents returns every event newer than since in chain order. Events
// that do not decode are skipped and logged.
func (f *Fetcher) FetchEvents(ctx context.Context, since types.Signature) ([]*types.ParsedIndexedTransaction, error) {
	raws, err := f.fetchAll(ctx, since)
	if err != nil {
		return nil, err
	}

	events := make([]*types.ParsedIndexedTransaction, 0, len(raws))
	// pages arrive newest first
	for i := len(raws) - 1; i >= 0; i-- {
		if len(raws[i].Data) == 0 {
			continue
		}
		ev, err := DecodeEvent(raws[i])
		if err != nil {
			eventsSkipped.Inc()
			f.logger.Warn("skipping undecodable event",
				zap.String("signature", raws[i].Signature.String()),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	SortChainOrder(events)
	eventsFetched.Add(float64(len(events)))
	return events, nil
}

// SortChainOrder orders events by ledger sequence, the first leaf index.
func SortChainOrder(events []*types.ParsedIndexedTransaction) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].FirstLeafIndex < events[j].FirstLeafIndex
	})
}

func (f *Fetcher) fetchAll(ctx context.Context, since types.Signature) ([]RawTransaction, error) {
	var all []RawTransaction
	q := Query{Until: since, Limit: f.cfg.PageSize}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := f.fetchPage(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < q.Limit || len(page) == 0 {
			return all, nil
		}
		q.Before = page[len(page)-1].Signature
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, q Query) ([]RawTransaction, error) {
	var (
		page     []RawTransaction
		attempts int
		last     error
	)
	op := func() error {
		attempts++
		var err error
		page, err = f.source.FetchTransactions(ctx, q)
		if err != nil {
			last = err
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		fetchRetries.Inc()
		f.logger.Warn("event fetch failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.cfg.RetryInterval
	eb.MaxInterval = f.cfg.MaxRetryInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.cfg.MaxRetries)), ctx)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.WithStack(&UnavailableError{Attempts: attempts, Last: last})
	}
	return page, nil
}
