package submitter

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// MaxAccountKeys bounds the static plus looked-up keys of one envelope.
const MaxAccountKeys = 256

// Envelope errors
var (
	ErrNoInstructions  = common.NewKind(common.KindValidation, "no instructions")
	ErrTooManyAccounts = common.NewKind(common.KindValidation, "too many account keys")
	ErrBadSignature    = common.NewKind(common.KindCrypto, "envelope signature does not verify")
)

// AccountMeta is an account referenced by an instruction.
type AccountMeta struct {
	Key        types.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is one program call.
type Instruction struct {
	ProgramID types.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// LookupTable lets an envelope reference accounts by one-byte index
// instead of the full key.
type LookupTable struct {
	Address   types.PublicKey
	Addresses []types.PublicKey
}

func (t *LookupTable) index(key types.PublicKey) (uint8, bool) {
	if t == nil {
		return 0, false
	}
	for i, a := range t.Addresses {
		if a == key && i < MaxAccountKeys {
			return uint8(i), true
		}
	}
	return 0, false
}

// CompiledInstruction references accounts by position in the envelope's
// key list: static keys first, then looked-up keys.
type CompiledInstruction struct {
	ProgramIndex uint8
	Accounts     []uint8
	Data         []byte
}

// Message is the signed part of an envelope.
type Message struct {
	FeePayer        types.PublicKey
	RecentBlockhash types.Hash

	// StaticKeys starts with the fee payer
	StaticKeys []types.PublicKey

	LookupTable   types.PublicKey
	LookupIndexes []uint8

	Instructions []CompiledInstruction
}

// Envelope is a signed ledger transaction.
type Envelope struct {
	Message   Message
	Signature types.Signature
}

// Compile lays out instructions for feePayer. Signers and program ids
// stay static; every other account found in table is referenced by its
// table index.
func Compile(feePayer types.PublicKey, blockhash types.Hash, instructions []Instruction, table *LookupTable) (*Message, error) {
	if len(instructions) == 0 {
		return nil, ErrNoInstructions
	}
	m := &Message{
		FeePayer:        feePayer,
		RecentBlockhash: blockhash,
		StaticKeys:      []types.PublicKey{feePayer},
	}
	if table != nil {
		m.LookupTable = table.Address
	}

	static := map[types.PublicKey]int{feePayer: 0}
	lookup := make(map[types.PublicKey]int)
	addStatic := func(k types.PublicKey) {
		if _, ok := static[k]; !ok {
			static[k] = len(m.StaticKeys)
			m.StaticKeys = append(m.StaticKeys, k)
		}
	}

	// first pass fixes the static set so lookup positions are stable
	for _, ix := range instructions {
		addStatic(ix.ProgramID)
		for _, a := range ix.Accounts {
			if _, ok := table.index(a.Key); !ok || a.IsSigner {
				addStatic(a.Key)
			}
		}
	}
	for _, ix := range instructions {
		for _, a := range ix.Accounts {
			if _, ok := static[a.Key]; ok {
				continue
			}
			if _, ok := lookup[a.Key]; ok {
				continue
			}
			idx, _ := table.index(a.Key)
			lookup[a.Key] = len(m.LookupIndexes)
			m.LookupIndexes = append(m.LookupIndexes, idx)
		}
	}
	if n := len(m.StaticKeys) + len(m.LookupIndexes); n > MaxAccountKeys {
		return nil, errors.Wrapf(ErrTooManyAccounts, "%d keys", n)
	}

	position := func(k types.PublicKey) uint8 {
		if i, ok := static[k]; ok {
			return uint8(i)
		}
		return uint8(len(m.StaticKeys) + lookup[k])
	}
	for _, ix := range instructions {
		ci := CompiledInstruction{
			ProgramIndex: position(ix.ProgramID),
			Accounts:     make([]uint8, len(ix.Accounts)),
			Data:         append([]byte(nil), ix.Data...),
		}
		for i, a := range ix.Accounts {
			ci.Accounts[i] = position(a.Key)
		}
		m.Instructions = append(m.Instructions, ci)
	}
	return m, nil
}

// Serialize returns the bytes covered by the signature.
func (m *Message) Serialize() []byte {
	var buf []byte
	buf = append(buf, m.RecentBlockhash[:]...)
	buf = append(buf, byte(len(m.StaticKeys)))
	for _, k := range m.StaticKeys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, m.LookupTable[:]...)
	buf = append(buf, byte(len(m.LookupIndexes)))
	buf = append(buf, m.LookupIndexes...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Instructions)))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIndex, byte(len(ix.Accounts)))
		buf = append(buf, ix.Accounts...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// Bytes returns signature followed by message, the wire form sent to the
// ledger.
func (e *Envelope) Bytes() []byte {
	return append(e.Signature[:], e.Message.Serialize()...)
}

// ErrMalformedEnvelope is returned for undecodable envelope bytes
var ErrMalformedEnvelope = common.NewKind(common.KindValidation, "malformed envelope")

// ParseEnvelope decodes the wire form produced by Bytes. The signature is
// not checked.
func ParseEnvelope(b []byte) (*Envelope, error) {
	r := envelopeReader{buf: b}
	env := &Envelope{}
	copy(env.Signature[:], r.take(types.SignatureSize))
	m := &env.Message
	copy(m.RecentBlockhash[:], r.take(types.HashSize))
	for n := int(r.u8()); n > 0 && r.err == nil; n-- {
		var k types.PublicKey
		copy(k[:], r.take(types.PublicKeySize))
		m.StaticKeys = append(m.StaticKeys, k)
	}
	copy(m.LookupTable[:], r.take(types.PublicKeySize))
	if n := int(r.u8()); n > 0 {
		m.LookupIndexes = append([]uint8(nil), r.take(n)...)
	}
	for n := int(r.u16()); n > 0 && r.err == nil; n-- {
		ci := CompiledInstruction{ProgramIndex: r.u8()}
		ci.Accounts = append(make([]uint8, 0), r.take(int(r.u8()))...)
		if size := int(r.u32()); size > 0 {
			ci.Data = append([]byte(nil), r.take(size)...)
		}
		m.Instructions = append(m.Instructions, ci)
	}

	switch {
	case r.err != nil:
		return nil, errors.Wrap(ErrMalformedEnvelope, r.err.Error())
	case r.off != len(b):
		return nil, errors.Wrapf(ErrMalformedEnvelope, "%d trailing bytes", len(b)-r.off)
	case len(m.StaticKeys) == 0:
		return nil, errors.Wrap(ErrMalformedEnvelope, "no fee payer")
	case len(m.Instructions) == 0:
		return nil, ErrNoInstructions
	}
	m.FeePayer = m.StaticKeys[0]
	return env, nil
}

type envelopeReader struct {
	buf []byte
	off int
	err error
}

func (r *envelopeReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errors.Errorf("short buffer at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *envelopeReader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *envelopeReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *envelopeReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// Verify checks the fee payer's signature.
func (e *Envelope) Verify() error {
	if !ed25519.Verify(e.Message.FeePayer[:], e.Message.Serialize(), e.Signature[:]) {
		return ErrBadSignature
	}
	return nil
}

// Signer signs envelopes as fee payer.
type Signer interface {
	PublicKey() types.PublicKey
	Sign(message []byte) (types.Signature, error)
}

// Ed25519Signer is a Signer over an in-memory key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer derives a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("signer seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// GenerateSigner creates a signer with a random key.
func GenerateSigner() (*Ed25519Signer, error) {
	seed, err := common.RandomBytes(ed25519.SeedSize)
	if err != nil {
		return nil, errors.Wrap(err, "signer seed")
	}
	return NewEd25519Signer(seed)
}

func (s *Ed25519Signer) PublicKey() types.PublicKey {
	var pk types.PublicKey
	copy(pk[:], s.priv.Public().(ed25519.PublicKey))
	return pk
}

func (s *Ed25519Signer) Sign(message []byte) (types.Signature, error) {
	var sig types.Signature
	copy(sig[:], ed25519.Sign(s.priv, message))
	return sig, nil
}

// Seal compiles and signs instructions.
func Seal(signer Signer, blockhash types.Hash, instructions []Instruction, table *LookupTable) (*Envelope, error) {
	m, err := Compile(signer.PublicKey(), blockhash, instructions, table)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(m.Serialize())
	if err != nil {
		return nil, errors.Wrap(err, "sign envelope")
	}
	return &Envelope{Message: *m, Signature: sig}, nil
}
