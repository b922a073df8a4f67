package session

import (
	"encoding/binary"

	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/pkg/types"
)

// transactDiscriminator selects the pool program's transact instruction
var transactDiscriminator = [8]byte{0xd9, 0x5a, 0x22, 0x4c, 0x1e, 0x07, 0x6b, 0x31}

// EncodeTransact lays out the transact instruction data:
//
//	discriminator [8] | proof vec<u8> | publicInputs vec<u8> | root [32]
//	| publicAmountSpl [32] | publicAmountSol [32] | nullifiers vec<[32]>
//	| leaves vec<[32]> | encryptedUtxos vec<vec<u8>> | relayerFee u64
//	| message vec<u8>
//
// Vector lengths are u32 little-endian, matching the event layout.
func EncodeTransact(tx *PreparedTx) []byte {
	ci := tx.Circuit
	var buf []byte
	buf = append(buf, transactDiscriminator[:]...)
	buf = appendVec(buf, tx.Proof.Proof)
	buf = appendVec(buf, tx.Proof.PublicInputs)
	buf = append(buf, ci.Root[:]...)
	buf = append(buf, ci.PublicAmountSpl[:]...)
	buf = append(buf, ci.PublicAmountSol[:]...)
	buf = appendHashes(buf, ci.InputNullifiers)
	buf = appendHashes(buf, ci.OutputCommitments)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.EncryptedOutputs)))
	for _, ct := range tx.EncryptedOutputs {
		buf = appendVec(buf, ct)
	}
	buf = binary.LittleEndian.AppendUint64(buf, tx.Integrity.RelayerFee)
	return appendVec(buf, tx.Integrity.Message)
}

func appendVec(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendHashes(buf []byte, hs []types.Hash) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(hs)))
	for _, h := range hs {
		buf = append(buf, h[:]...)
	}
	return buf
}

// TransactInstruction builds the program call for tx paid by feePayer.
func (s *Session) TransactInstruction(tx *PreparedTx, feePayer types.PublicKey) (submitter.Instruction, error) {
	if tx.Proof == nil {
		return submitter.Instruction{}, ErrNotProven
	}
	accounts := []submitter.AccountMeta{
		{Key: feePayer, IsSigner: true, IsWritable: true},
		{Key: s.codec.TreeID(), IsWritable: true},
	}
	for _, k := range []types.PublicKey{tx.Integrity.RecipientSol, tx.Integrity.RecipientSpl, tx.Integrity.Relayer} {
		if k != (types.PublicKey{}) && k != feePayer {
			accounts = append(accounts, submitter.AccountMeta{Key: k, IsWritable: true})
		}
	}
	return submitter.Instruction{
		ProgramID: s.cfg.ProgramID,
		Accounts:  accounts,
		Data:      EncodeTransact(tx),
	}, nil
}
