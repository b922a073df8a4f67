package session

import (
	"context"
	"math/bits"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/balance"
	"github.com/ccoin/shielded/internal/prover"
	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// Transfer describes a spend from the session account.
type Transfer struct {
	// Mint is the asset sent; native when zero
	Mint types.PublicKey

	// Amount goes to Recipient, or leaves the pool to RecipientPublic
	// when Recipient is nil
	Amount uint64

	// Recipient receives a shielded record. A public-only account gets
	// it encrypted to its encryption key.
	Recipient *account.Account

	// RecipientPublic is the ledger account credited by a decompression
	RecipientPublic types.PublicKey

	Relayer    types.PublicKey
	RelayerFee uint64
	Message    []byte
}

// PreparedTx is a transaction laid out for proving. Its inputs stay
// locked in the balance until it settles or is released.
type PreparedTx struct {
	Mint             types.PublicKey
	Inputs           []*utxo.Utxo
	Outputs          []*utxo.OutUtxo
	EncryptedOutputs [][]byte
	Integrity        prover.Integrity
	Circuit          *prover.CircuitInputs
	Proof            *prover.Proof
}

// Nullifiers returns the nullifiers the transaction publishes.
func (tx *PreparedTx) Nullifiers() []types.Hash {
	return append([]types.Hash(nil), tx.Circuit.InputNullifiers...)
}

// Commitments returns the leaves the transaction appends.
func (tx *PreparedTx) Commitments() []types.Hash {
	return append([]types.Hash(nil), tx.Circuit.OutputCommitments...)
}

// PrepareSpend selects inputs for t, creates the recipient and change
// records and builds the circuit inputs against the current root.
func (s *Session) PrepareSpend(ctx context.Context, t Transfer) (*PreparedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mint := t.Mint
	if mint == (types.PublicKey{}) {
		mint = types.NativeAsset
	}
	if t.Amount == 0 && t.RelayerFee == 0 {
		return nil, errors.Wrap(utxo.ErrInvalidAmount, "nothing to spend")
	}
	if t.Recipient == nil && t.Amount > 0 && t.RecipientPublic == (types.PublicKey{}) {
		return nil, errors.Wrap(utxo.ErrInvalidAmount, "decompression needs a public recipient")
	}

	// per slot: what leaves the change output
	var send [utxo.NumAssets]uint64
	tb := s.balance.Token(mint)
	slot := tb.AmountSlot()
	send[slot] = t.Amount
	send[0] += t.RelayerFee
	if send[0] < t.RelayerFee {
		return nil, errors.Wrap(utxo.ErrInvalidAmount, "amount overflows")
	}

	sel, err := balance.SelectUtxosForAmount(tb.Spendable(), send[slot],
		balance.WithAmountSlot(slot),
		balance.WithMaxInputs(s.cfg.Arity.Inputs))
	if err != nil {
		return nil, err
	}
	selected := sel.Selected
	have := sumAmounts(selected)
	if !mint.IsNative() && have[0] < send[0] {
		// native records pay the relayer fee of an SPL spend
		room := s.cfg.Arity.Inputs - len(selected)
		if room <= 0 {
			return nil, errors.Wrap(balance.ErrTooManyInputs, "no input left for the relayer fee")
		}
		fee, err := balance.SelectUtxosForAmount(s.balance.Token(types.NativeAsset).Spendable(), send[0]-have[0],
			balance.WithMaxInputs(room))
		if err != nil {
			return nil, err
		}
		selected = append(selected, fee.Selected...)
		have = sumAmounts(selected)
	}
	for i := range have {
		if have[i] < send[i] {
			return nil, &common.AmountError{Err: balance.ErrInsufficientFunds, Requested: send[i], Available: have[i]}
		}
	}

	assets := []types.PublicKey{types.NativeAsset}
	if !mint.IsNative() {
		assets = append(assets, mint)
	}
	amounts := func(v [utxo.NumAssets]uint64) []uint64 {
		if mint.IsNative() {
			return v[:1]
		}
		return v[:]
	}

	tx := &PreparedTx{Mint: mint}
	if t.Recipient != nil && t.Amount > 0 {
		var out [utxo.NumAssets]uint64
		out[slot] = t.Amount
		p := utxo.Params{
			Owner:   t.Recipient.PublicKey(),
			Amounts: utxo.Amounts(amounts(out)...),
			Assets:  assets,
		}
		if t.Recipient.PublicKey() != s.acc.PublicKey() {
			key := t.Recipient.EncryptionPublicKey()
			p.EncryptionPublicKey = &key
		}
		rec, ct, err := s.createOutput(p)
		if err != nil {
			return nil, errors.Wrap(err, "recipient output")
		}
		tx.Outputs = append(tx.Outputs, rec)
		tx.EncryptedOutputs = append(tx.EncryptedOutputs, ct)
	}

	var change [utxo.NumAssets]uint64
	for i := range change {
		change[i] = have[i] - send[i]
	}
	if change != ([utxo.NumAssets]uint64{}) {
		out, ct, err := s.createOutput(utxo.Params{
			Amounts: utxo.Amounts(amounts(change)...),
			Assets:  assets,
		})
		if err != nil {
			return nil, errors.Wrap(err, "change output")
		}
		tx.Outputs = append(tx.Outputs, out)
		tx.EncryptedOutputs = append(tx.EncryptedOutputs, ct)
	}

	// inputs are copied so attaching paths leaves booked records alone
	root := s.replica.Root()
	for _, u := range selected {
		p, err := s.replica.Path(ctx, u.MerkleTreeLeafIndex)
		if err != nil {
			return nil, errors.Wrapf(err, "path of leaf %d", u.MerkleTreeLeafIndex)
		}
		in := *u
		in.MerkleProof = append([]types.Hash(nil), p.Siblings...)
		tx.Inputs = append(tx.Inputs, &in)
	}

	if err := s.finish(tx, t, root); err != nil {
		return nil, err
	}
	for _, in := range tx.Inputs {
		s.balance.Token(balance.Mint(in)).MarkPending(in.Hash())
	}
	s.logger.Debug("spend prepared",
		zap.String("mint", mint.String()),
		zap.Uint64("amount", t.Amount),
		zap.Int("inputs", len(tx.Inputs)),
		zap.Int("outputs", len(tx.Outputs)))
	return tx, nil
}

func sumAmounts(us []*utxo.Utxo) [utxo.NumAssets]uint64 {
	var sum [utxo.NumAssets]uint64
	for _, u := range us {
		for i := range sum {
			v, carry := bits.Add64(sum[i], u.Amounts[i], 0)
			if carry != 0 {
				v = ^uint64(0)
			}
			sum[i] = v
		}
	}
	return sum
}

// finish pads the transaction, encrypts the padding and builds the
// circuit inputs. The integrity hash covers every ciphertext, so it is
// computed once all outputs are known.
func (s *Session) finish(tx *PreparedTx, t Transfer, root types.Hash) error {
	ci, err := prover.Build(s.hasher, s.acc, s.codec.TreeID(), s.cfg.TreeHeight, s.cfg.Arity, prover.Params{
		Inputs:  tx.Inputs,
		Outputs: tx.Outputs,
		Root:    root,
	})
	if err != nil {
		return err
	}
	for _, out := range ci.PaddedOutputs[len(tx.Outputs):] {
		ct, err := s.codec.Encrypt(s.acc, out)
		if err != nil {
			return errors.Wrap(err, "padding output")
		}
		tx.EncryptedOutputs = append(tx.EncryptedOutputs, ct)
	}
	tx.Outputs = ci.PaddedOutputs

	tx.Integrity = prover.Integrity{
		Message:          t.Message,
		Relayer:          t.Relayer,
		RelayerFee:       t.RelayerFee,
		EncryptedOutputs: tx.EncryptedOutputs,
	}
	if t.Recipient == nil {
		if tx.Mint.IsNative() {
			tx.Integrity.RecipientSol = t.RecipientPublic
		} else {
			tx.Integrity.RecipientSpl = t.RecipientPublic
		}
	}
	ci.TxIntegrityHash = prover.TxIntegrityHash(s.hasher, tx.Integrity)
	tx.Circuit = ci
	return nil
}

// Prove runs the proof service over a prepared transaction.
func (s *Session) Prove(ctx context.Context, tx *PreparedTx) error {
	if s.prover == nil {
		return ErrNoProver
	}
	proof, err := s.prover.Prove(ctx, tx.Circuit)
	if err != nil {
		return err
	}
	tx.Proof = proof
	return nil
}

// Submit sends a proven transaction signed by signer. The inputs stay
// locked until their nullifiers are observed, the transaction fails or
// the pending pool expires it.
func (s *Session) Submit(ctx context.Context, tx *PreparedTx, signer submitter.Signer) (types.Signature, error) {
	if s.submitter == nil {
		return types.Signature{}, ErrNoSubmitter
	}
	if tx.Proof == nil {
		return types.Signature{}, ErrNotProven
	}
	ix, err := s.TransactInstruction(tx, signer.PublicKey())
	if err != nil {
		return types.Signature{}, err
	}

	sig, err := s.submitter.Submit(ctx, []submitter.Instruction{ix}, nil, signer, tx.Nullifiers()...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.unlock(tx)
		return types.Signature{}, err
	}
	s.pending[sig] = tx
	return sig, nil
}

// Confirm waits for sig to reach level. A failed transaction unlocks its
// inputs; a confirmed one keeps them locked until the next sync books the
// spend.
func (s *Session) Confirm(ctx context.Context, sig types.Signature, level submitter.Status) (submitter.Status, error) {
	if s.submitter == nil {
		return submitter.StatusUnknown, ErrNoSubmitter
	}
	s.mu.Lock()
	_, ok := s.pending[sig]
	s.mu.Unlock()
	if !ok {
		return submitter.StatusUnknown, errors.Wrap(ErrUnknownPending, sig.String())
	}

	status, err := s.submitter.Confirm(ctx, sig, level)
	if status == submitter.StatusFailed {
		s.mu.Lock()
		s.release(sig)
		s.mu.Unlock()
	}
	return status, err
}

// Release abandons a prepared transaction that was never sent.
func (s *Session) Release(tx *PreparedTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlock(tx)
}
