package indexer

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// MaxVecLen bounds decoded vector lengths so a corrupt length cannot
// force a huge allocation.
const MaxVecLen = 1 << 16

// ErrMalformedEvent is returned for undecodable or inconsistent events
var ErrMalformedEvent = common.NewKind(common.KindValidation, "malformed event")

// RawTransaction is a ledger transaction carrying one encoded event.
type RawTransaction struct {
	Signature types.Signature
	Signer    types.PublicKey
	Slot      uint64
	BlockTime int64
	Data      []byte
}

// EncodeEvent writes the event layout emitted by the on-chain program:
//
//	leaves vec<[32]> | publicAmountSpl [32] | publicAmountSol [32]
//	| fee u64 | encryptedUtxos vec<vec<u8>> | nullifiers vec<[32]>
//	| firstLeafIndex u64 | message vec<u8>
//
// Vector lengths are u32 little-endian.
func EncodeEvent(tx *types.ParsedIndexedTransaction) []byte {
	var buf []byte
	buf = appendHashes(buf, tx.Leaves)
	buf = append(buf, tx.PublicAmountSpl[:]...)
	buf = append(buf, tx.PublicAmountSol[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Fee)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.EncryptedOutputs)))
	for _, ct := range tx.EncryptedOutputs {
		buf = appendBytes(buf, ct)
	}
	buf = appendHashes(buf, tx.InputHashes)
	buf = binary.LittleEndian.AppendUint64(buf, tx.FirstLeafIndex)
	buf = appendBytes(buf, tx.Message)
	return buf
}

func appendHashes(buf []byte, hs []types.Hash) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(hs)))
	for _, h := range hs {
		buf = append(buf, h[:]...)
	}
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// DecodeEvent parses raw into an indexed transaction.
func DecodeEvent(raw RawTransaction) (*types.ParsedIndexedTransaction, error) {
	d := decoder{buf: raw.Data}
	tx := &types.ParsedIndexedTransaction{
		Signature: raw.Signature,
		Signer:    raw.Signer,
		Slot:      raw.Slot,
		BlockTime: raw.BlockTime,
	}

	tx.Leaves = d.hashes()
	tx.PublicAmountSpl = d.hash()
	tx.PublicAmountSol = d.hash()
	tx.Fee = d.u64()
	if n := d.len(); d.err == nil {
		tx.EncryptedOutputs = make([][]byte, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			tx.EncryptedOutputs = append(tx.EncryptedOutputs, d.bytes())
		}
	}
	tx.InputHashes = d.hashes()
	tx.FirstLeafIndex = d.u64()
	tx.Message = d.bytes()

	if d.err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "%s: %v", raw.Signature, d.err)
	}
	if d.off != len(d.buf) {
		return nil, errors.Wrapf(ErrMalformedEvent, "%s: %d trailing bytes", raw.Signature, len(d.buf)-d.off)
	}
	if err := validateEvent(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func validateEvent(tx *types.ParsedIndexedTransaction) error {
	if len(tx.EncryptedOutputs) != len(tx.Leaves) {
		return errors.Wrapf(ErrMalformedEvent, "%s: %d ciphertexts for %d leaves", tx.Signature, len(tx.EncryptedOutputs), len(tx.Leaves))
	}
	for _, l := range tx.Leaves {
		if !l.IsCanonical() {
			return errors.Wrapf(ErrMalformedEvent, "%s: leaf outside field", tx.Signature)
		}
	}
	return nil
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = errors.Errorf("need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) len() int {
	b := d.take(4)
	if b == nil {
		return 0
	}
	n := binary.LittleEndian.Uint32(b)
	if n > MaxVecLen {
		d.err = errors.Errorf("vector length %d exceeds %d", n, MaxVecLen)
		return 0
	}
	return int(n)
}

func (d *decoder) hash() types.Hash {
	var h types.Hash
	copy(h[:], d.take(types.HashSize))
	return h
}

func (d *decoder) hashes() []types.Hash {
	n := d.len()
	if d.err != nil {
		return nil
	}
	out := make([]types.Hash, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.hash())
	}
	return out
}

func (d *decoder) bytes() []byte {
	n := d.len()
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
