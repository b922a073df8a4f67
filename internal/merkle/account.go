package merkle

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// DiscriminatorSize is the account type tag ahead of the tree fields
const DiscriminatorSize = 8

const treeAccountHeader = DiscriminatorSize + 4*8

// ErrInvalidTreeAccount is returned for undecodable tree accounts
var ErrInvalidTreeAccount = common.NewKind(common.KindValidation, "invalid tree account")

// TreeAccount is the on-chain state of the commitment tree:
//
//	discriminator [8] | height u64 | nextIndex u64 | currentRootIndex u64
//	| historySize u64 | roots [historySize][32]
//
// All integers are little-endian. Roots is a ring buffer of recent roots.
type TreeAccount struct {
	Discriminator    [DiscriminatorSize]byte
	Height           uint64
	NextIndex        uint64
	CurrentRootIndex uint64
	Roots            []types.Hash
}

// DecodeTreeAccount parses the account bytes.
func DecodeTreeAccount(data []byte) (*TreeAccount, error) {
	if len(data) < treeAccountHeader {
		return nil, errors.Wrapf(ErrInvalidTreeAccount, "%d bytes", len(data))
	}
	a := &TreeAccount{}
	copy(a.Discriminator[:], data)
	off := DiscriminatorSize
	a.Height = binary.LittleEndian.Uint64(data[off:])
	a.NextIndex = binary.LittleEndian.Uint64(data[off+8:])
	a.CurrentRootIndex = binary.LittleEndian.Uint64(data[off+16:])
	history := binary.LittleEndian.Uint64(data[off+24:])
	off = treeAccountHeader

	if history == 0 || history > uint64(len(data)-off)/types.HashSize {
		return nil, errors.Wrapf(ErrInvalidTreeAccount, "root history of %d", history)
	}
	if uint64(len(data)-off) != history*types.HashSize {
		return nil, errors.Wrapf(ErrInvalidTreeAccount, "trailing %d bytes", uint64(len(data)-off)-history*types.HashSize)
	}
	if a.CurrentRootIndex >= history {
		return nil, errors.Wrapf(ErrInvalidTreeAccount, "root index %d of %d", a.CurrentRootIndex, history)
	}
	if a.Height == 0 || a.Height > MaxHeight {
		return nil, errors.Wrapf(ErrInvalidTreeAccount, "height %d", a.Height)
	}

	a.Roots = make([]types.Hash, history)
	for i := range a.Roots {
		copy(a.Roots[i][:], data[off:off+types.HashSize])
		off += types.HashSize
	}
	return a, nil
}

// Encode writes the account layout.
func (a *TreeAccount) Encode() []byte {
	buf := make([]byte, 0, treeAccountHeader+len(a.Roots)*types.HashSize)
	buf = append(buf, a.Discriminator[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, a.Height)
	buf = binary.LittleEndian.AppendUint64(buf, a.NextIndex)
	buf = binary.LittleEndian.AppendUint64(buf, a.CurrentRootIndex)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(a.Roots)))
	for _, r := range a.Roots {
		buf = append(buf, r[:]...)
	}
	return buf
}

// CurrentRoot returns the latest root.
func (a *TreeAccount) CurrentRoot() types.Hash {
	return a.Roots[a.CurrentRootIndex]
}

// IsKnownRoot reports whether root is in the ring buffer. Proofs against
// a recent but not current root are still accepted on-chain.
func (a *TreeAccount) IsKnownRoot(root types.Hash) bool {
	if root.IsEmpty() {
		return false
	}
	for _, r := range a.Roots {
		if r == root {
			return true
		}
	}
	return false
}
