package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const testHeight = 8

var (
	testTree    = types.PublicKey{0x71}
	testProgram = types.PublicKey{0x50}
)

type fakeProver struct{}

func (fakeProver) Prove(ctx context.Context, ci *prover.CircuitInputs) (*prover.Proof, error) {
	return &prover.Proof{Arity: ci.Arity, Proof: []byte{0xaa}, PublicInputs: []byte{0xbb}}, nil
}

func (fakeProver) Verify(ctx context.Context, p *prover.Proof) (bool, error) {
	return true, nil
}

type fakeTransport struct {
	sent   [][]byte
	status submitter.Status
}

func (f *fakeTransport) LatestBlockhash(ctx context.Context) (types.Hash, error) {
	return types.HashFromUint64(1), nil
}

func (f *fakeTransport) SendTransaction(ctx context.Context, raw []byte) (types.Signature, error) {
	f.sent = append(f.sent, raw)
	var sig types.Signature
	copy(sig[:], raw)
	return sig, nil
}

func (f *fakeTransport) SignatureStatus(ctx context.Context, sig types.Signature) (submitter.Status, error) {
	return f.status, nil
}

type env struct {
	h      hasher.Hasher
	codec  *utxo.Codec
	gossip *indexer.GossipSource
	alice  *account.Account
	bob    *account.Account
	seq    byte
	next   uint64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	h := hasher.NewPoseidon()
	alice, err := account.DeriveAccount(h, bytes.Repeat([]byte{0xa1}, 32))
	require.NoError(t, err)
	bob, err := account.DeriveAccount(h, bytes.Repeat([]byte{0xb0}, 32))
	require.NoError(t, err)
	return &env{
		h:      h,
		codec:  utxo.NewCodec(h, utxo.NewAssetLookupTable(), testTree),
		gossip: indexer.NewGossipSource(),
		alice:  alice,
		bob:    bob,
	}
}

func indexerConfig() indexer.Config {
	cfg := indexer.DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	cfg.MaxRetryInterval = time.Millisecond
	return cfg
}

func (e *env) indexer(t *testing.T, store indexer.Store) *indexer.Indexer {
	t.Helper()
	cfg := indexerConfig()
	rec, err := indexer.NewReconciler(cfg, e.h, e.codec, nil)
	require.NoError(t, err)
	ix, err := indexer.New(cfg, indexer.NewFetcher(cfg, e.gossip, nil), rec, store, nil)
	require.NoError(t, err)
	return ix
}

func sessionConfig() Config {
	cfg := DefaultConfig()
	cfg.TreeHeight = testHeight
	cfg.ProgramID = testProgram
	return cfg
}

func (e *env) session(t *testing.T, acc *account.Account, deps Deps) *Session {
	t.Helper()
	if deps.Indexer == nil {
		deps.Indexer = e.indexer(t, nil)
	}
	s, err := New(context.Background(), sessionConfig(), e.h, acc, e.codec, deps, nil)
	require.NoError(t, err)
	return s
}

// publish appends an event at the next leaf index.
func (e *env) publish(t *testing.T, leaves []types.Hash, cts [][]byte, nullifiers []types.Hash, publicSol types.Hash) *types.ParsedIndexedTransaction {
	t.Helper()
	e.seq++
	ev := &types.ParsedIndexedTransaction{
		Signature:        types.Signature{e.seq},
		Slot:             uint64(e.seq),
		BlockTime:        1700000000 + int64(e.seq),
		Leaves:           leaves,
		EncryptedOutputs: cts,
		InputHashes:      nullifiers,
		FirstLeafIndex:   e.next,
		PublicAmountSol:  publicSol,
	}
	e.next += uint64(len(leaves))
	require.True(t, e.gossip.Push(indexer.RawTransaction{
		Signature: ev.Signature,
		Slot:      ev.Slot,
		BlockTime: ev.BlockTime,
		Data:      indexer.EncodeEvent(ev),
	}))
	return ev
}

// deposit publishes a compression of amount native units to s's account.
func (e *env) deposit(t *testing.T, s *Session, amount uint64) *utxo.OutUtxo {
	t.Helper()
	out, ct, err := s.CreateOutput(utxo.Params{
		Amounts: utxo.Amounts(amount),
		Assets:  []types.PublicKey{types.NativeAsset},
	})
	require.NoError(t, err)
	e.publish(t, []types.Hash{out.Hash()}, [][]byte{ct}, nil, types.HashFromUint64(amount))
	return out
}

func expectedRoot(t *testing.T, h hasher.Hasher, leaves []types.Hash) types.Hash {
	t.Helper()
	r, err := merkle.Build(context.Background(), h, testHeight, leaves, nil, merkle.NewInMemoryTreeStore())
	require.NoError(t, err)
	return r.Root()
}

func TestNewRequiresPrivateKeys(t *testing.T) {
	e := newEnv(t)
	public, err := account.FromPublicKey(e.h, e.bob.PublicKeyString())
	require.NoError(t, err)
	_, err = New(context.Background(), sessionConfig(), e.h, public, e.codec, Deps{Indexer: e.indexer(t, nil)}, nil)
	assert.True(t, errors.Is(err, account.ErrKeyNotInitialized))

	cfg := sessionConfig()
	cfg.TreeHeight = 0
	_, err = New(context.Background(), cfg, e.h, e.alice, e.codec, Deps{Indexer: e.indexer(t, nil)}, nil)
	assert.True(t, errors.Is(err, merkle.ErrInvalidHeight))
}

func TestSyncBooksDeposit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.session(t, e.alice, Deps{})

	out := e.deposit(t, s, 1000)
	report, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Events)
	assert.Equal(t, 1, report.Received)
	assert.False(t, report.Rebuilt)
	assert.Equal(t, expectedRoot(t, e.h, []types.Hash{out.Hash()}), report.Root)

	total, spendable := s.Balance(types.NativeAsset)
	assert.Equal(t, uint64(1000), total)
	assert.Equal(t, uint64(1000), spendable)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, types.ActionCompress, history[0].Action)

	// nothing new
	report, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Events)
	assert.Zero(t, report.Received)
}

func TestCreateOutputRejectsBlindingReuse(t *testing.T) {
	e := newEnv(t)
	s := e.session(t, e.alice, Deps{})
	blinding := types.HashFromUint64(77)
	p := utxo.Params{Amounts: utxo.Amounts(5), Blinding: &blinding}

	_, _, err := s.CreateOutput(p)
	require.NoError(t, err)
	_, _, err = s.CreateOutput(p)
	assert.True(t, errors.Is(err, utxo.ErrBlindingReuse))
}

func TestPrepareSpendLocksInputs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.session(t, e.alice, Deps{})
	e.deposit(t, s, 1000)
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	tx, err := s.PrepareSpend(ctx, Transfer{Amount: 300, Recipient: e.bob, RelayerFee: 10})
	require.NoError(t, err)

	require.Len(t, tx.Inputs, 1)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, uint64(300), tx.Outputs[0].Amounts[0])
	assert.Equal(t, e.bob.PublicKey(), tx.Outputs[0].Owner)
	assert.NotNil(t, tx.Outputs[0].EncryptionPublicKey)
	assert.Equal(t, uint64(690), tx.Outputs[1].Amounts[0])
	assert.Equal(t, e.alice.PublicKey(), tx.Outputs[1].Owner)
	assert.Len(t, tx.EncryptedOutputs, 2)
	assert.Len(t, tx.Nullifiers(), 2)

	assert.Equal(t, types.NegativeAmount(10), tx.Circuit.PublicAmountSol)
	assert.Equal(t, s.Replica().Root(), tx.Circuit.Root)
	assert.Equal(t, prover.TxIntegrityHash(e.h, tx.Integrity), tx.Circuit.TxIntegrityHash)

	path := &merkle.Path{Siblings: tx.Inputs[0].MerkleProof, LeafIndex: 0, Root: tx.Circuit.Root}
	path.PathBits = make([]bool, testHeight)
	assert.True(t, merkle.VerifyPath(e.h, tx.Inputs[0].Hash(), path))

	// locked until released
	total, spendable := s.Balance(types.NativeAsset)
	assert.Equal(t, uint64(1000), total)
	assert.Zero(t, spendable)
	_, err = s.PrepareSpend(ctx, Transfer{Amount: 1, Recipient: e.bob})
	assert.Equal(t, common.KindInsufficientFunds, common.KindOf(err))

	s.Release(tx)
	_, spendable = s.Balance(types.NativeAsset)
	assert.Equal(t, uint64(1000), spendable)
}

func TestPrepareSpendInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.session(t, e.alice, Deps{})
	e.deposit(t, s, 100)
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	_, err = s.PrepareSpend(ctx, Transfer{Amount: 95, Recipient: e.bob, RelayerFee: 10})
	assert.True(t, errors.Is(err, balance.ErrInsufficientFunds))

	_, err = s.PrepareSpend(ctx, Transfer{Amount: 50})
	assert.True(t, errors.Is(err, utxo.ErrInvalidAmount))
}

func TestDecompressFullBalance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.session(t, e.alice, Deps{})
	e.deposit(t, s, 40)
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	recipient := types.PublicKey{0x33}
	tx, err := s.PrepareSpend(ctx, Transfer{Amount: 40, RecipientPublic: recipient})
	require.NoError(t, err)

	// no change: both outputs are padding
	require.Len(t, tx.Outputs, 2)
	assert.True(t, tx.Outputs[0].IsFillingUtxo)
	assert.True(t, tx.Outputs[1].IsFillingUtxo)
	assert.Equal(t, types.NegativeAmount(40), tx.Circuit.PublicAmountSol)
	assert.Equal(t, recipient, tx.Integrity.RecipientSol)
}

func TestSpendSettlesAcrossSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	transport := &fakeTransport{}
	sub, err := submitter.New(submitter.DefaultConfig(), transport, nil)
	require.NoError(t, err)

	alice := e.session(t, e.alice, Deps{Prover: fakeProver{}, Submitter: sub})
	bob := e.session(t, e.bob, Deps{})
	deposit := e.deposit(t, alice, 1000)
	_, err = alice.Sync(ctx)
	require.NoError(t, err)

	tx, err := alice.PrepareSpend(ctx, Transfer{Amount: 300, Recipient: e.bob, RelayerFee: 10})
	require.NoError(t, err)

	signer, err := submitter.NewEd25519Signer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	_, err = alice.Submit(ctx, tx, signer)
	assert.True(t, errors.Is(err, ErrNotProven))

	require.NoError(t, alice.Prove(ctx, tx))
	sig, err := alice.Submit(ctx, tx, signer)
	require.NoError(t, err)
	require.Len(t, transport.sent, 1)
	assert.Equal(t, 1, sub.Pool().Size())
	for _, n := range tx.Nullifiers() {
		assert.True(t, sub.Pool().HasNullifier(n))
	}

	// the ledger emits the spend
	e.publish(t, tx.Commitments(), tx.EncryptedOutputs, tx.Nullifiers(), tx.Circuit.PublicAmountSol)

	report, err := alice.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Spent)
	assert.Equal(t, 1, report.Received)
	assert.Zero(t, sub.Pool().Size())
	total, spendable := alice.Balance(types.NativeAsset)
	assert.Equal(t, uint64(690), total)
	assert.Equal(t, uint64(690), spendable)
	assert.Len(t, alice.History(), 2)

	leaves := append([]types.Hash{deposit.Hash()}, tx.Commitments()...)
	assert.Equal(t, expectedRoot(t, e.h, leaves), report.Root)

	_, err = alice.Confirm(ctx, sig, submitter.StatusConfirmed)
	assert.True(t, errors.Is(err, ErrUnknownPending))

	// bob receives through his encryption key
	_, err = bob.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), bob.InboxBalance(types.NativeAsset))
	total, _ = bob.Balance(types.NativeAsset)
	assert.Zero(t, total)
	assert.Equal(t, 1, bob.AcceptInbox(types.NativeAsset))
	total, _ = bob.Balance(types.NativeAsset)
	assert.Equal(t, uint64(300), total)
}

func TestConfirmFailedReleasesInputs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	transport := &fakeTransport{status: submitter.StatusFailed}
	cfg := submitter.DefaultConfig()
	cfg.ConfirmPoll = time.Millisecond
	sub, err := submitter.New(cfg, transport, nil)
	require.NoError(t, err)

	s := e.session(t, e.alice, Deps{Prover: fakeProver{}, Submitter: sub})
	e.deposit(t, s, 500)
	_, err = s.Sync(ctx)
	require.NoError(t, err)

	tx, err := s.PrepareSpend(ctx, Transfer{Amount: 100, Recipient: e.alice})
	require.NoError(t, err)
	require.NoError(t, s.Prove(ctx, tx))
	signer, err := submitter.GenerateSigner()
	require.NoError(t, err)
	sig, err := s.Submit(ctx, tx, signer)
	require.NoError(t, err)

	status, err := s.Confirm(ctx, sig, submitter.StatusConfirmed)
	assert.Equal(t, submitter.StatusFailed, status)
	assert.True(t, errors.Is(err, submitter.ErrTransactionFailed))
	_, spendable := s.Balance(types.NativeAsset)
	assert.Equal(t, uint64(500), spendable)
}

func TestSyncRebuildsAfterGap(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	store := indexer.NewInMemoryStore()
	first := e.session(t, e.alice, Deps{Indexer: e.indexer(t, store)})
	a := e.deposit(t, first, 70)
	_, err := first.Sync(ctx)
	require.NoError(t, err)

	// a restarted session: checkpoint restored, replica empty
	ix := e.indexer(t, store)
	require.NoError(t, ix.Restore(ctx))
	second := e.session(t, e.alice, Deps{Indexer: ix})
	b := e.deposit(t, second, 30)

	report, err := second.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Events)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, uint64(2), second.Replica().Size())
	assert.Equal(t, expectedRoot(t, e.h, []types.Hash{a.Hash(), b.Hash()}), report.Root)
	total, _ := second.Balance(types.NativeAsset)
	assert.Equal(t, uint64(100), total)
}

type fakeLedger struct {
	h      hasher.Hasher
	leaves []types.Hash
}

func (l *fakeLedger) TreeAccount(ctx context.Context) (*merkle.TreeAccount, error) {
	r, err := merkle.Build(ctx, l.h, testHeight, l.leaves, nil, merkle.NewInMemoryTreeStore())
	if err != nil {
		return nil, err
	}
	return &merkle.TreeAccount{
		Height:    testHeight,
		NextIndex: uint64(len(l.leaves)),
		Roots:     []types.Hash{r.Root()},
	}, nil
}

func (l *fakeLedger) TreeLeaves(ctx context.Context) ([]types.Hash, error) {
	return l.leaves, nil
}

func TestSyncChecksLedger(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ledger := &fakeLedger{h: e.h}
	s := e.session(t, e.alice, Deps{Ledger: ledger})

	out := e.deposit(t, s, 10)
	ledger.leaves = []types.Hash{out.Hash()}
	report, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, report.Rebuilt)

	// the ledger is ahead of the event feed
	ledger.leaves = append(ledger.leaves, types.HashFromUint64(5))
	report, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Equal(t, uint64(2), s.Replica().Size())
	assert.Equal(t, expectedRoot(t, e.h, ledger.leaves), report.Root)
}

func TestTransactInstruction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.session(t, e.alice, Deps{Prover: fakeProver{}})
	e.deposit(t, s, 10)
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	relayer := types.PublicKey{0x44}
	tx, err := s.PrepareSpend(ctx, Transfer{Amount: 5, Recipient: e.alice, Relayer: relayer, RelayerFee: 1})
	require.NoError(t, err)
	_, err = s.TransactInstruction(tx, types.PublicKey{1})
	assert.True(t, errors.Is(err, ErrNotProven))

	require.NoError(t, s.Prove(ctx, tx))
	payer := types.PublicKey{0x01}
	ix, err := s.TransactInstruction(tx, payer)
	require.NoError(t, err)
	assert.Equal(t, testProgram, ix.ProgramID)
	require.Len(t, ix.Accounts, 3)
	assert.Equal(t, payer, ix.Accounts[0].Key)
	assert.True(t, ix.Accounts[0].IsSigner)
	assert.Equal(t, testTree, ix.Accounts[1].Key)
	assert.Equal(t, relayer, ix.Accounts[2].Key)
	assert.Equal(t, transactDiscriminator[:], ix.Data[:8])
}

func TestSyncNotifiesEvents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.session(t, e.alice, Deps{})

	var got []*types.ParsedIndexedTransaction
	var cp *indexer.Checkpoint
	s.OnEvents(func(events []*types.ParsedIndexedTransaction, c *indexer.Checkpoint) {
		got = append(got, events...)
		cp = c
	})

	e.deposit(t, s, 40)
	e.deposit(t, s, 60)
	_, err := s.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, cp)
	assert.Equal(t, got[1].Signature, cp.Signature)
	assert.Equal(t, uint64(2), cp.Sequence)

	// an empty sync does not notify
	got = nil
	_, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSplTransferPaysFeeFromNativeRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	mint := types.PublicKey{0x09}
	e.codec = utxo.NewCodec(e.h, utxo.NewAssetLookupTable(mint), testTree)
	s := e.session(t, e.alice, Deps{})

	spl, ct, err := s.CreateOutput(utxo.Params{
		Amounts: utxo.Amounts(0, 500),
		Assets:  []types.PublicKey{types.NativeAsset, mint},
	})
	require.NoError(t, err)
	e.publish(t, []types.Hash{spl.Hash()}, [][]byte{ct}, nil, types.EmptyHash)
	e.deposit(t, s, 1000)
	_, err = s.Sync(ctx)
	require.NoError(t, err)

	tx, err := s.PrepareSpend(ctx, Transfer{Mint: mint, Amount: 200, Recipient: e.bob, RelayerFee: 10})
	require.NoError(t, err)

	require.Len(t, tx.Inputs, 2)
	assert.Equal(t, uint64(500), tx.Inputs[0].Amounts[1])
	assert.Equal(t, uint64(1000), tx.Inputs[1].Amounts[0])
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, [utxo.NumAssets]uint64{0, 200}, tx.Outputs[0].Amounts)
	assert.Equal(t, [utxo.NumAssets]uint64{990, 300}, tx.Outputs[1].Amounts)
	assert.Equal(t, types.NegativeAmount(10), tx.Circuit.PublicAmountSol)

	// both balances are locked until release
	_, spendable := s.Balance(mint)
	assert.Zero(t, spendable)
	_, spendable = s.Balance(types.NativeAsset)
	assert.Zero(t, spendable)

	s.Release(tx)
	_, spendable = s.Balance(mint)
	assert.Equal(t, uint64(500), spendable)
	_, spendable = s.Balance(types.NativeAsset)
	assert.Equal(t, uint64(1000), spendable)
}

func TestSplTransferFeeNeedsFreeInput(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	mint := types.PublicKey{0x09}
	e.codec = utxo.NewCodec(e.h, utxo.NewAssetLookupTable(mint), testTree)
	s := e.session(t, e.alice, Deps{})

	for _, v := range []uint64{100, 100} {
		out, ct, err := s.CreateOutput(utxo.Params{
			Amounts: utxo.Amounts(0, v),
			Assets:  []types.PublicKey{types.NativeAsset, mint},
		})
		require.NoError(t, err)
		e.publish(t, []types.Hash{out.Hash()}, [][]byte{ct}, nil, types.EmptyHash)
	}
	e.deposit(t, s, 1000)
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	_, err = s.PrepareSpend(ctx, Transfer{Mint: mint, Amount: 150, Recipient: e.bob, RelayerFee: 10})
	assert.True(t, errors.Is(err, balance.ErrTooManyInputs))

	_, err = s.PrepareSpend(ctx, Transfer{Mint: mint, Amount: 50, Recipient: e.bob, RelayerFee: 2000})
	assert.True(t, errors.Is(err, balance.ErrInsufficientFunds))
	_, spendable := s.Balance(types.NativeAsset)
	assert.Equal(t, uint64(1000), spendable)
}
