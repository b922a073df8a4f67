package merkle

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/types"
)

func TestTreeAccountRoundTrip(t *testing.T) {
	a := &TreeAccount{
		Discriminator:    [8]byte{1, 2, 3},
		Height:           18,
		NextIndex:        42,
		CurrentRootIndex: 1,
		Roots:            []types.Hash{types.HashFromUint64(1), types.HashFromUint64(2), {}},
	}
	got, err := DecodeTreeAccount(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, types.HashFromUint64(2), got.CurrentRoot())
	assert.True(t, got.IsKnownRoot(types.HashFromUint64(1)))
	assert.False(t, got.IsKnownRoot(types.EmptyHash))
	assert.False(t, got.IsKnownRoot(types.HashFromUint64(3)))
}

func TestDecodeTreeAccountRejectsBadLayouts(t *testing.T) {
	good := (&TreeAccount{Height: 4, Roots: []types.Hash{{}}}).Encode()

	_, err := DecodeTreeAccount(good[:10])
	assert.ErrorIs(t, err, ErrInvalidTreeAccount)
	_, err = DecodeTreeAccount(append(good, 0))
	assert.ErrorIs(t, err, ErrInvalidTreeAccount)

	badIndex := (&TreeAccount{Height: 4, CurrentRootIndex: 1, Roots: []types.Hash{{}}}).Encode()
	_, err = DecodeTreeAccount(badIndex)
	assert.ErrorIs(t, err, ErrInvalidTreeAccount)

	badHeight := (&TreeAccount{Height: 0, Roots: []types.Hash{{}}}).Encode()
	_, err = DecodeTreeAccount(badHeight)
	assert.ErrorIs(t, err, ErrInvalidTreeAccount)
}

type fakeLedger struct {
	account     *TreeAccount
	leaves      []types.Hash
	leafFetches int
}

func (f *fakeLedger) TreeAccount(ctx context.Context) (*TreeAccount, error) {
	return f.account, nil
}

func (f *fakeLedger) TreeLeaves(ctx context.Context) ([]types.Hash, error) {
	f.leafFetches++
	return f.leaves, nil
}

func TestEnsureConsistent(t *testing.T) {
	ctx := context.Background()
	h := hasher.NewPoseidon()
	ls := leaves(4)
	truth, err := Build(ctx, h, 3, ls, nil, nil)
	require.NoError(t, err)

	ledger := &fakeLedger{
		account: &TreeAccount{Height: 3, NextIndex: 4, Roots: []types.Hash{truth.Root()}},
		leaves:  ls,
	}

	r, err := Build(ctx, h, 3, []types.Hash{ls[0], ls[1], ls[3], ls[2]}, nil, nil)
	require.NoError(t, err)
	rebuilt, err := EnsureConsistent(ctx, r, ledger)
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, truth.Root(), r.Root())

	rebuilt, err = EnsureConsistent(ctx, r, ledger)
	require.NoError(t, err)
	assert.False(t, rebuilt)
	assert.Equal(t, 1, ledger.leafFetches)

	ledger.leaves = ls[:3]
	ledger.account.NextIndex = 3
	ledger.account.Roots[0] = types.HashFromUint64(5)
	_, err = EnsureConsistent(ctx, r, ledger)
	assert.True(t, errors.Is(err, ErrRootMismatch))
}
