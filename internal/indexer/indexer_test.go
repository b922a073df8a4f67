package indexer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

var (
	testTree = types.PublicKey{0x71, 0x72}
	testMint = types.PublicKey{0x09}
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 2
	cfg.BatchSize = 2
	cfg.Workers = 4
	cfg.MaxRetries = 2
	cfg.RetryInterval = time.Millisecond
	cfg.MaxRetryInterval = 2 * time.Millisecond
	cfg.CacheSize = 128
	return cfg
}

type fixture struct {
	h     hasher.Hasher
	codec *utxo.Codec
	alice *account.Account
	bob   *account.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := hasher.NewPoseidon()
	alice, err := account.DeriveAccount(h, bytes.Repeat([]byte{0xa1}, 32))
	require.NoError(t, err)
	bob, err := account.DeriveAccount(h, bytes.Repeat([]byte{0xb0}, 32))
	require.NoError(t, err)
	return &fixture{
		h:     h,
		codec: utxo.NewCodec(h, utxo.NewAssetLookupTable(testMint), testTree),
		alice: alice,
		bob:   bob,
	}
}

func (f *fixture) out(t *testing.T, owner *account.Account, native uint64) *utxo.OutUtxo {
	t.Helper()
	u, err := utxo.NewOutUtxo(f.h, utxo.Params{
		Owner:   owner.PublicKey(),
		Amounts: utxo.Amounts(native, 0),
		Assets:  []types.PublicKey{types.NativeAsset, testMint},
	})
	require.NoError(t, err)
	return u
}

// event builds an event whose outputs are sealed symmetrically by their
// owners.
func (f *fixture) event(t *testing.T, sig byte, first uint64, nullifiers []types.Hash, outs map[*utxo.OutUtxo]*account.Account, order ...*utxo.OutUtxo) *types.ParsedIndexedTransaction {
	t.Helper()
	ev := &types.ParsedIndexedTransaction{
		Signature:      types.Signature{sig},
		BlockTime:      int64(1700000000 + int(sig)),
		FirstLeafIndex: first,
		InputHashes:    nullifiers,
	}
	for _, o := range order {
		ct, err := f.codec.Encrypt(outs[o], o)
		require.NoError(t, err)
		ev.Leaves = append(ev.Leaves, o.Hash())
		ev.EncryptedOutputs = append(ev.EncryptedOutputs, ct)
	}
	return ev
}

func (f *fixture) reconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := NewReconciler(testConfig(), f.h, f.codec, nil)
	require.NoError(t, err)
	return r
}

func TestEventRoundTrip(t *testing.T) {
	ev := &types.ParsedIndexedTransaction{
		Signature:        types.Signature{1},
		Signer:           types.PublicKey{2},
		Slot:             9,
		BlockTime:        1700000000,
		Leaves:           []types.Hash{types.HashFromUint64(10), types.HashFromUint64(11)},
		EncryptedOutputs: [][]byte{{1, 2, 3}, {4, 5}},
		InputHashes:      []types.Hash{types.HashFromUint64(20)},
		FirstLeafIndex:   42,
		PublicAmountSol:  types.NegativeAmount(500),
		PublicAmountSpl:  types.HashFromUint64(7),
		Fee:              5000,
		Message:          []byte("memo"),
	}
	raw := RawTransaction{Signature: ev.Signature, Signer: ev.Signer, Slot: ev.Slot, BlockTime: ev.BlockTime, Data: EncodeEvent(ev)}

	got, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
	assert.Equal(t, types.ActionDecompress, got.Action())
}

func TestDecodeEventMalformed(t *testing.T) {
	good := EncodeEvent(&types.ParsedIndexedTransaction{
		Leaves:           []types.Hash{types.HashFromUint64(1)},
		EncryptedOutputs: [][]byte{{1}},
	})

	mismatched := EncodeEvent(&types.ParsedIndexedTransaction{
		Leaves: []types.Hash{types.HashFromUint64(1)},
	})

	var nonCanonical types.Hash
	for i := range nonCanonical {
		nonCanonical[i] = 0xff
	}
	outside := EncodeEvent(&types.ParsedIndexedTransaction{
		Leaves:           []types.Hash{nonCanonical},
		EncryptedOutputs: [][]byte{{1}},
	})

	huge := append([]byte(nil), good...)
	huge[0], huge[1], huge[2], huge[3] = 0xff, 0xff, 0xff, 0xff

	tests := map[string][]byte{
		"empty":              nil,
		"truncated":          good[:len(good)-3],
		"trailing":           append(append([]byte(nil), good...), 0),
		"count mismatch":     mismatched,
		"leaf outside field": outside,
		"oversized vector":   huge,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent(RawTransaction{Data: data})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEvent))
			assert.Equal(t, common.KindValidation, common.KindOf(err))
		})
	}
}

func TestReconcileCreateThenSpend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o1 := f.out(t, f.alice, 1000)
	evA := f.event(t, 1, 0, nil, map[*utxo.OutUtxo]*account.Account{o1: f.alice}, o1)

	n1, err := utxo.ComputeNullifier(f.h, f.alice, o1.Hash(), 0)
	require.NoError(t, err)
	o2 := f.out(t, f.bob, 1000)
	evB := f.event(t, 2, 1, []types.Hash{n1}, map[*utxo.OutUtxo]*account.Account{o2: f.bob}, o2)

	res, err := f.reconciler(t).Reconcile(ctx, []*types.ParsedIndexedTransaction{evA, evB}, []*account.Account{f.alice})
	require.NoError(t, err)

	assert.Empty(t, res.Unspent)
	require.Len(t, res.Spent, 1)
	assert.Equal(t, o1.Hash(), res.Spent[0].Hash())
	assert.Equal(t, n1, res.Spent[0].Nullifier)
	assert.Empty(t, res.Warnings)

	hist := res.HistoryByOwner[f.alice.PublicKey()]
	require.Len(t, hist, 2)
	assert.Equal(t, evA.Signature, hist[0].Signature)
	require.Len(t, hist[0].Created, 1)
	assert.Empty(t, hist[0].Spent)
	assert.Equal(t, evB.Signature, hist[1].Signature)
	assert.Empty(t, hist[1].Created)
	require.Len(t, hist[1].Spent, 1)
	assert.Equal(t, o1.Hash(), hist[1].Spent[0].Hash())
}

func TestReconcileMultipleAccounts(t *testing.T) {
	f := newFixture(t)
	oa := f.out(t, f.alice, 10)
	ob := f.out(t, f.bob, 20)
	ev := f.event(t, 1, 0, nil, map[*utxo.OutUtxo]*account.Account{oa: f.alice, ob: f.bob}, oa, ob)

	res, err := f.reconciler(t).Reconcile(context.Background(), []*types.ParsedIndexedTransaction{ev}, []*account.Account{f.alice, f.bob})
	require.NoError(t, err)
	require.Len(t, res.Unspent, 2)
	assert.Equal(t, uint64(0), res.Unspent[0].MerkleTreeLeafIndex)
	assert.Equal(t, uint64(1), res.Unspent[1].MerkleTreeLeafIndex)
	assert.Len(t, res.HistoryByOwner[f.alice.PublicKey()], 1)
	assert.Len(t, res.HistoryByOwner[f.bob.PublicKey()], 1)
	assert.Equal(t, f.alice.PublicKey(), res.Records[0].Owner)
	assert.Equal(t, utxo.ModeSymmetric, res.Records[0].Mode)
}

func TestReconcileIgnoresForeignOutputs(t *testing.T) {
	f := newFixture(t)
	ob := f.out(t, f.bob, 20)
	ev := f.event(t, 1, 0, nil, map[*utxo.OutUtxo]*account.Account{ob: f.bob}, ob)

	res, err := f.reconciler(t).Reconcile(context.Background(), []*types.ParsedIndexedTransaction{ev}, []*account.Account{f.alice})
	require.NoError(t, err)
	assert.Empty(t, res.Unspent)
	assert.Empty(t, res.HistoryByOwner)
}

func TestReconcileAsymmetricOutput(t *testing.T) {
	f := newFixture(t)
	encPub := f.bob.EncryptionPublicKey()
	o, err := utxo.NewOutUtxo(f.h, utxo.Params{
		Owner:               f.bob.PublicKey(),
		Amounts:             utxo.Amounts(77),
		EncryptionPublicKey: &encPub,
	})
	require.NoError(t, err)
	ev := f.event(t, 1, 0, nil, map[*utxo.OutUtxo]*account.Account{o: f.alice}, o)

	res, err := f.reconciler(t).Reconcile(context.Background(), []*types.ParsedIndexedTransaction{ev}, []*account.Account{f.bob})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, utxo.ModeAsymmetric, res.Records[0].Mode)
	assert.Equal(t, uint64(77), res.Unspent[0].Amounts[0])
}

func TestReconcileIdempotentAndOrderIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var events []*types.ParsedIndexedTransaction
	for i := 0; i < 4; i++ {
		o := f.out(t, f.alice, uint64(100+i))
		events = append(events, f.event(t, byte(i+1), uint64(i), nil, map[*utxo.OutUtxo]*account.Account{o: f.alice}, o))
	}
	n0, err := utxo.ComputeNullifier(f.h, f.alice, events[0].Leaves[0], 0)
	require.NoError(t, err)
	events[3].InputHashes = []types.Hash{n0}

	r := f.reconciler(t)
	first, err := r.Reconcile(ctx, events, []*account.Account{f.alice})
	require.NoError(t, err)
	second, err := r.Reconcile(ctx, events, []*account.Account{f.alice})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	shuffled := []*types.ParsedIndexedTransaction{events[2], events[0], events[3], events[1], events[2]}
	third, err := f.reconciler(t).Reconcile(ctx, shuffled, []*account.Account{f.alice})
	require.NoError(t, err)
	assert.Equal(t, first, third)

	require.Len(t, first.Unspent, 3)
	assert.Equal(t, uint64(101), first.Unspent[0].Amounts[0])
}

func TestReconcileForgedCiphertextDoesNotShadowRealOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.out(t, f.alice, 42)
	genuine := f.event(t, 1, 0, nil, map[*utxo.OutUtxo]*account.Account{o: f.alice}, o)
	forged := &types.ParsedIndexedTransaction{
		Signature:        types.Signature{9},
		BlockTime:        genuine.BlockTime,
		FirstLeafIndex:   0,
		Leaves:           []types.Hash{o.Hash()},
		EncryptedOutputs: [][]byte{make([]byte, len(genuine.EncryptedOutputs[0]))},
	}
	accounts := []*account.Account{f.alice}

	r := f.reconciler(t)
	res, err := r.Reconcile(ctx, []*types.ParsedIndexedTransaction{forged}, accounts)
	require.NoError(t, err)
	assert.Empty(t, res.Unspent)

	res, err = r.Reconcile(ctx, []*types.ParsedIndexedTransaction{genuine}, accounts)
	require.NoError(t, err)
	fresh, err := f.reconciler(t).Reconcile(ctx, []*types.ParsedIndexedTransaction{genuine}, accounts)
	require.NoError(t, err)
	require.Len(t, res.Unspent, 1)
	assert.Equal(t, fresh, res)
	assert.Equal(t, uint64(42), res.Unspent[0].Amounts[0])

	both, err := r.Reconcile(ctx, []*types.ParsedIndexedTransaction{forged, genuine}, accounts)
	require.NoError(t, err)
	require.Len(t, both.Unspent, 1)
	assert.Equal(t, genuine.Signature, both.Records[0].CreatedIn)
}

func TestReconcileSkipsBadEvent(t *testing.T) {
	f := newFixture(t)
	o := f.out(t, f.alice, 5)
	good := f.event(t, 1, 0, nil, map[*utxo.OutUtxo]*account.Account{o: f.alice}, o)
	bad := &types.ParsedIndexedTransaction{
		Signature:      types.Signature{2},
		FirstLeafIndex: 1,
		Leaves:         []types.Hash{types.HashFromUint64(3)},
	}

	res, err := f.reconciler(t).Reconcile(context.Background(), []*types.ParsedIndexedTransaction{good, bad}, []*account.Account{f.alice})
	require.NoError(t, err)
	require.Len(t, res.Unspent, 1)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, bad.Signature, res.Warnings[0].Signature)
	assert.True(t, errors.Is(res.Warnings[0].Err, ErrMalformedEvent))
}

func TestReconcileDuplicateNullifierWarns(t *testing.T) {
	f := newFixture(t)
	o := f.out(t, f.alice, 5)
	evA := f.event(t, 1, 0, nil, map[*utxo.OutUtxo]*account.Account{o: f.alice}, o)
	n, err := utxo.ComputeNullifier(f.h, f.alice, o.Hash(), 0)
	require.NoError(t, err)
	evB := &types.ParsedIndexedTransaction{Signature: types.Signature{2}, FirstLeafIndex: 1, InputHashes: []types.Hash{n}}
	evC := &types.ParsedIndexedTransaction{Signature: types.Signature{3}, FirstLeafIndex: 1, InputHashes: []types.Hash{n}}

	res, err := f.reconciler(t).Reconcile(context.Background(), []*types.ParsedIndexedTransaction{evA, evB, evC}, []*account.Account{f.alice})
	require.NoError(t, err)
	assert.Empty(t, res.Unspent)
	require.Len(t, res.Warnings, 1)
	assert.True(t, errors.Is(res.Warnings[0].Err, ErrDuplicateNullifier))
	assert.Equal(t, common.KindConsistency, common.KindOf(res.Warnings[0].Err))
	assert.Equal(t, evB.Signature, *res.Records[0].SpentIn)
}

func TestReconcileRequiresPrivateKeys(t *testing.T) {
	f := newFixture(t)
	pub, err := account.FromPublicKey(f.h, f.alice.PublicKeyString())
	require.NoError(t, err)
	_, err = f.reconciler(t).Reconcile(context.Background(), nil, []*account.Account{pub})
	assert.True(t, errors.Is(err, account.ErrKeyNotInitialized))
}

// flakySource serves a fixed log newest first and fails the first
// failures calls.
type flakySource struct {
	mu       sync.Mutex
	txs      []RawTransaction
	failures int
	calls    int
}

func (s *flakySource) FetchTransactions(ctx context.Context, q Query) ([]RawTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	g := NewGossipSource()
	for _, tx := range s.txs {
		g.Push(tx)
	}
	return g.FetchTransactions(ctx, q)
}

func raws(events ...*types.ParsedIndexedTransaction) []RawTransaction {
	out := make([]RawTransaction, len(events))
	for i, ev := range events {
		out[i] = RawTransaction{Signature: ev.Signature, BlockTime: ev.BlockTime, Data: EncodeEvent(ev)}
	}
	return out
}

func TestFetcherRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	o := f.out(t, f.alice, 1)
	ev := f.event(t, 1, 0, nil, map[*utxo.OutUtxo]*account.Account{o: f.alice}, o)
	src := &flakySource{txs: raws(ev), failures: 2}

	events, err := NewFetcher(testConfig(), src, nil).FetchEvents(context.Background(), types.Signature{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.Leaves, events[0].Leaves)
	assert.Equal(t, 3, src.calls)
}

func TestFetcherUnavailable(t *testing.T) {
	src := &flakySource{failures: 100}
	_, err := NewFetcher(testConfig(), src, nil).FetchEvents(context.Background(), types.Signature{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIndexerUnavailable))
	assert.Equal(t, common.KindResource, common.KindOf(err))

	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 3, ue.Attempts)
	assert.EqualError(t, ue.Last, "connection reset")
}

func TestFetcherPaginatesAndSkipsMalformed(t *testing.T) {
	f := newFixture(t)
	var events []*types.ParsedIndexedTransaction
	for i := 0; i < 5; i++ {
		o := f.out(t, f.alice, uint64(i+1))
		events = append(events, f.event(t, byte(i+1), uint64(i), nil, map[*utxo.OutUtxo]*account.Account{o: f.alice}, o))
	}
	txs := raws(events...)
	txs[2].Data = txs[2].Data[:10]
	src := &flakySource{txs: txs}

	got, err := NewFetcher(testConfig(), src, nil).FetchEvents(context.Background(), types.Signature{})
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].FirstLeafIndex, got[i].FirstLeafIndex)
	}
	// 5 transactions in pages of 2
	assert.Equal(t, 3, src.calls)
}

func TestIndexerSyncResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := testConfig()

	var events []*types.ParsedIndexedTransaction
	for i := 0; i < 3; i++ {
		o := f.out(t, f.alice, uint64(10*(i+1)))
		events = append(events, f.event(t, byte(i+1), uint64(i), nil, map[*utxo.OutUtxo]*account.Account{o: f.alice}, o))
	}
	src := &flakySource{txs: raws(events[:2]...)}
	store := NewInMemoryStore()

	ix, err := New(cfg, NewFetcher(cfg, src, nil), f.reconciler(t), store, nil)
	require.NoError(t, err)
	applied, err := ix.Sync(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	require.NotNil(t, ix.Checkpoint())
	assert.Equal(t, events[1].Signature, ix.Checkpoint().Signature)
	assert.Equal(t, uint64(2), ix.Checkpoint().Sequence)

	// a fresh indexer over the same store picks up where the last stopped
	src.txs = raws(events...)
	ix2, err := New(cfg, NewFetcher(cfg, src, nil), f.reconciler(t), store, nil)
	require.NoError(t, err)
	require.NoError(t, ix2.Restore(ctx))
	applied, err = ix2.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, events[2].Signature, applied[0].Signature)

	res, err := ix2.Reconcile(ctx, []*account.Account{f.alice})
	require.NoError(t, err)
	require.Len(t, res.Unspent, 3)
	assert.Equal(t, uint64(30), res.Unspent[2].Amounts[0])

	applied, err = ix2.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestIndexerSyncStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ix, err := New(cfg, NewFetcher(cfg, &flakySource{}, nil), f.reconciler(t), nil, nil)
	require.NoError(t, err)
	_, err = ix.Sync(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Nil(t, ix.Checkpoint())
}

func TestGossipSourceDedupes(t *testing.T) {
	g := NewGossipSource()
	assert.True(t, g.Push(RawTransaction{Signature: types.Signature{1}}))
	assert.False(t, g.Push(RawTransaction{Signature: types.Signature{1}}))
	assert.True(t, g.Push(RawTransaction{Signature: types.Signature{2}}))
	assert.Equal(t, 2, g.Len())

	page, err := g.FetchTransactions(context.Background(), Query{Until: types.Signature{1}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, types.Signature{2}, page[0].Signature)
}
