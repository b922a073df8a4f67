package prover

import (
	"bytes"
	"context"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/common"
)

// Proof service errors
var (
	ErrCircuitNotCompiled    = common.NewKind(common.KindValidation, "circuit not compiled")
	ErrProofGenerationFailed = common.NewKind(common.KindCrypto, "proof generation failed")
)

// Proof is a serialized proof with its public witness.
type Proof struct {
	Arity        Arity
	Proof        []byte
	PublicInputs []byte
}

// ProofService proves and verifies transaction circuits.
type ProofService interface {
	Prove(ctx context.Context, ci *CircuitInputs) (*Proof, error)
	Verify(ctx context.Context, proof *Proof) (bool, error)
}

// ValueCircuit proves value conservation per asset slot: inputs plus the
// public amount equal outputs, with every amount in 64 bits. Nullifiers
// and commitments are public so the proof is bound to them.
type ValueCircuit struct {
	PublicAmountSol frontend.Variable   `gnark:",public"`
	PublicAmountSpl frontend.Variable   `gnark:",public"`
	Nullifiers      []frontend.Variable `gnark:",public"`
	Commitments     []frontend.Variable `gnark:",public"`

	InAmounts  [][utxo.NumAssets]frontend.Variable
	OutAmounts [][utxo.NumAssets]frontend.Variable
}

// NewValueCircuit returns an unassigned circuit of the given shape.
func NewValueCircuit(a Arity) *ValueCircuit {
	return &ValueCircuit{
		Nullifiers:  make([]frontend.Variable, a.Inputs),
		Commitments: make([]frontend.Variable, a.Outputs),
		InAmounts:   make([][utxo.NumAssets]frontend.Variable, a.Inputs),
		OutAmounts:  make([][utxo.NumAssets]frontend.Variable, a.Outputs),
	}
}

// Define implements frontend.Circuit.
func (c *ValueCircuit) Define(api frontend.API) error {
	public := [utxo.NumAssets]frontend.Variable{c.PublicAmountSol, c.PublicAmountSpl}
	for slot := 0; slot < utxo.NumAssets; slot++ {
		var in, out frontend.Variable = 0, 0
		for _, amt := range c.InAmounts {
			api.ToBinary(amt[slot], 64)
			in = api.Add(in, amt[slot])
		}
		for _, amt := range c.OutAmounts {
			api.ToBinary(amt[slot], 64)
			out = api.Add(out, amt[slot])
		}
		api.AssertIsEqual(api.Add(in, public[slot]), out)
	}
	for _, n := range c.Nullifiers {
		api.AssertIsDifferent(n, 0)
	}
	for _, cm := range c.Commitments {
		api.AssertIsDifferent(cm, 0)
	}
	return nil
}

// Assign builds the witness assignment for ci.
func Assign(ci *CircuitInputs) *ValueCircuit {
	c := NewValueCircuit(ci.Arity)
	c.PublicAmountSol = ci.PublicAmountSol.BigInt()
	c.PublicAmountSpl = ci.PublicAmountSpl.BigInt()
	for i, n := range ci.InputNullifiers {
		c.Nullifiers[i] = n.BigInt()
	}
	for i, cm := range ci.OutputCommitments {
		c.Commitments[i] = cm.BigInt()
	}
	for i, amts := range ci.InAmounts {
		for s, v := range amts {
			c.InAmounts[i][s] = v
		}
	}
	for i, amts := range ci.OutAmounts {
		for s, v := range amts {
			c.OutAmounts[i][s] = v
		}
	}
	return c
}

type compiledCircuit struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// Groth16Service is a ProofService over BN254 Groth16. Keys come from a
// local setup and are suitable for development networks only.
type Groth16Service struct {
	mu       sync.RWMutex
	circuits map[Arity]*compiledCircuit
	logger   *zap.Logger
}

// NewGroth16Service creates a service with no compiled circuits.
func NewGroth16Service(logger *zap.Logger) *Groth16Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Groth16Service{
		circuits: make(map[Arity]*compiledCircuit),
		logger:   logger,
	}
}

// Setup compiles the circuit for arity and generates its keys.
func (s *Groth16Service) Setup(a Arity) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circuits[a]; ok {
		return nil
	}

	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewValueCircuit(a))
	if err != nil {
		return errors.Wrap(err, "compile circuit")
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return errors.Wrap(err, "groth16 setup")
	}
	s.circuits[a] = &compiledCircuit{ccs: ccs, pk: pk, vk: vk}
	s.logger.Info("circuit ready",
		zap.Int("inputs", a.Inputs),
		zap.Int("outputs", a.Outputs),
		zap.Int("constraints", ccs.GetNbConstraints()))
	return nil
}

func (s *Groth16Service) circuit(a Arity) (*compiledCircuit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.circuits[a]
	if !ok {
		return nil, errors.Wrapf(ErrCircuitNotCompiled, "%d in, %d out", a.Inputs, a.Outputs)
	}
	return c, nil
}

// Prove implements ProofService.
func (s *Groth16Service) Prove(ctx context.Context, ci *CircuitInputs) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.circuit(ci.Arity)
	if err != nil {
		return nil, err
	}

	w, err := frontend.NewWitness(Assign(ci), ecc.BN254.ScalarField())
	if err != nil {
		return nil, errors.Wrap(err, "witness")
	}
	proof, err := groth16.Prove(c.ccs, c.pk, w)
	if err != nil {
		return nil, errors.Wrap(ErrProofGenerationFailed, err.Error())
	}

	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, errors.Wrap(err, "serialize proof")
	}
	public, err := w.Public()
	if err != nil {
		return nil, errors.Wrap(err, "public witness")
	}
	publicBytes, err := public.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "serialize public witness")
	}
	return &Proof{Arity: ci.Arity, Proof: proofBuf.Bytes(), PublicInputs: publicBytes}, nil
}

// Verify implements ProofService. A proof that does not verify returns
// false with no error; malformed bytes return an error.
func (s *Groth16Service) Verify(ctx context.Context, p *Proof) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c, err := s.circuit(p.Arity)
	if err != nil {
		return false, err
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(p.Proof)); err != nil {
		return false, errors.Wrap(err, "decode proof")
	}
	public, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return false, err
	}
	if err := public.UnmarshalBinary(p.PublicInputs); err != nil {
		return false, errors.Wrap(err, "decode public witness")
	}
	if err := groth16.Verify(proof, c.vk, public); err != nil {
		s.logger.Debug("proof rejected", zap.Error(err))
		return false, nil
	}
	return true, nil
}

// VerifyingKey returns the key for on-chain verification.
func (s *Groth16Service) VerifyingKey(a Arity) (groth16.VerifyingKey, error) {
	c, err := s.circuit(a)
	if err != nil {
		return nil, err
	}
	return c.vk, nil
}

var _ ProofService = (*Groth16Service)(nil)
