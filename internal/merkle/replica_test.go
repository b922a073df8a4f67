package merkle

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

func leaves(n int) []types.Hash {
	out := make([]types.Hash, n)
	for i := range out {
		out[i] = types.HashFromUint64(uint64(1000 + i))
	}
	return out
}

func pair(t *testing.T, h hasher.Hasher, l, r types.Hash) types.Hash {
	t.Helper()
	out, err := hashPair(h, l, r)
	require.NoError(t, err)
	return out
}

func TestThreeLeafRoot(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	r, err := New(ctx, h, 3, nil)
	require.NoError(t, err)

	ls := leaves(3)
	for _, l := range ls {
		_, err := r.Insert(ctx, l)
		require.NoError(t, err)
	}

	zero := types.EmptyHash
	z1 := pair(t, h, zero, zero)
	z2 := pair(t, h, z1, z1)
	n10 := pair(t, h, ls[0], ls[1])
	n11 := pair(t, h, ls[2], zero)
	n20 := pair(t, h, n10, n11)
	want := pair(t, h, n20, z2)

	assert.Equal(t, want, r.Root())
	assert.Equal(t, uint64(3), r.Size())
	assert.Equal(t, z2, r.ZeroValue(2))
}

func TestEmptyRootIsZeroLadder(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	r, err := New(ctx, h, 4, nil)
	require.NoError(t, err)
	zeros, err := ZeroValues(h, 4)
	require.NoError(t, err)
	assert.Equal(t, zeros[4], r.Root())
}

func TestPathRecomputesRoot(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	ls := leaves(11)
	r, err := Build(ctx, h, 5, ls, nil, nil)
	require.NoError(t, err)

	for i, l := range ls {
		p, err := r.Path(ctx, uint64(i))
		require.NoError(t, err)
		assert.Len(t, p.Siblings, 5)
		assert.Equal(t, r.Root(), p.Root)
		assert.True(t, VerifyPath(h, l, p), "leaf %d", i)
		assert.False(t, VerifyPath(h, types.HashFromUint64(1), p))
	}

	_, err = r.Path(ctx, uint64(len(ls)))
	assert.ErrorIs(t, err, ErrLeafNotFound)

	idx, ok := r.IndexOf(ls[7])
	assert.True(t, ok)
	assert.Equal(t, uint64(7), idx)
	assert.Equal(t, ls, r.Leaves())
}

func TestInsertMatchesBulkInsert(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	ls := leaves(6)

	a, err := New(ctx, h, 4, nil)
	require.NoError(t, err)
	for _, l := range ls {
		_, err := a.Insert(ctx, l)
		require.NoError(t, err)
	}
	b, err := New(ctx, h, 4, nil)
	require.NoError(t, err)
	root, err := b.BulkInsert(ctx, ls)
	require.NoError(t, err)
	assert.Equal(t, a.Root(), root)
}

func TestSkippedInsertionIsDetectedAndRebuilt(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	ls := leaves(4)

	truth, err := Build(ctx, h, 3, ls, nil, nil)
	require.NoError(t, err)
	authoritative := truth.Root()

	corrupt, err := Build(ctx, h, 3, []types.Hash{ls[0], ls[1], ls[3]}, nil, nil)
	require.NoError(t, err)
	assert.False(t, VerifyAgainstAuthoritativeRoot(corrupt, authoritative))

	require.NoError(t, corrupt.Rebuild(ctx, ls, &authoritative))
	assert.True(t, VerifyAgainstAuthoritativeRoot(corrupt, authoritative))
}

func TestBuildRootMismatch(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	wrong := types.HashFromUint64(1)
	_, err := Build(ctx, h, 3, leaves(2), &wrong, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRootMismatch))
	assert.Equal(t, common.KindConsistency, common.KindOf(err))
}

func TestTreeFull(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	r, err := New(ctx, h, 1, nil)
	require.NoError(t, err)
	_, err = r.BulkInsert(ctx, leaves(2))
	require.NoError(t, err)
	_, err = r.Insert(ctx, types.HashFromUint64(9))
	assert.ErrorIs(t, err, ErrTreeFull)

	_, err = Build(ctx, h, 1, leaves(3), nil, nil)
	assert.ErrorIs(t, err, ErrTreeFull)

	_, err = New(ctx, h, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidHeight)
}

func TestReplicaResumesFromStore(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	store := NewInMemoryTreeStore()

	a, err := Build(ctx, h, 4, leaves(5), nil, store)
	require.NoError(t, err)

	b, err := New(ctx, h, 4, store)
	require.NoError(t, err)
	assert.Equal(t, a.Root(), b.Root())
	assert.Equal(t, a.Size(), b.Size())
	assert.Equal(t, a.Leaves(), b.Leaves())

	_, err = b.Insert(ctx, types.HashFromUint64(7))
	require.NoError(t, err)
	_, err = a.Insert(ctx, types.HashFromUint64(7))
	require.NoError(t, err)
	assert.Equal(t, a.Root(), b.Root())
}

func TestPebbleTreeStore(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	db, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	tree := types.PublicKey{1}
	store := NewPebbleTreeStore(db, tree, false)
	mem, err := Build(ctx, h, 4, leaves(6), nil, nil)
	require.NoError(t, err)
	persisted, err := Build(ctx, h, 4, leaves(6), nil, store)
	require.NoError(t, err)
	assert.Equal(t, mem.Root(), persisted.Root())

	reopened, err := New(ctx, h, 4, NewPebbleTreeStore(db, tree, false))
	require.NoError(t, err)
	assert.Equal(t, mem.Root(), reopened.Root())
	assert.Equal(t, uint64(6), reopened.Size())

	other, err := New(ctx, h, 4, NewPebbleTreeStore(db, types.PublicKey{2}, false))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), other.Size())

	require.NoError(t, store.Reset(ctx))
	_, err = store.GetNode(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	size, err := store.GetSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}
