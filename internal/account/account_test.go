package account

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

func testSeed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestDeriveAccountDeterministic(t *testing.T) {
	h := hasher.NewPoseidon()
	a, err := DeriveAccount(h, testSeed(1))
	require.NoError(t, err)
	b, err := DeriveAccount(h, testSeed(1))
	require.NoError(t, err)
	c, err := DeriveAccount(h, testSeed(2))
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.Equal(t, a.EncryptionPublicKey(), b.EncryptionPublicKey())
	assert.NotEqual(t, a.PublicKey(), c.PublicKey())
	assert.NotEqual(t, a.EncryptionPublicKey(), c.EncryptionPublicKey())
	assert.False(t, a.IsBurner())
}

func TestPublicKeyIsHashOfPrivateScalar(t *testing.T) {
	h := hasher.NewPoseidon()
	a, err := DeriveAccount(h, testSeed(3))
	require.NoError(t, err)
	want, err := h.Hash(a.privateScalar)
	require.NoError(t, err)
	assert.Equal(t, types.HashFromElement(want), a.PublicKey())
}

func TestDeriveAccountRejectsBadSeeds(t *testing.T) {
	h := hasher.NewPoseidon()
	for _, seed := range [][]byte{nil, {}, []byte("short")} {
		_, err := DeriveAccount(h, seed)
		assert.True(t, errors.Is(err, ErrInvalidSeed))
		assert.Equal(t, common.KindValidation, common.KindOf(err))
	}
	_, err := DeriveBurner(h, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidSeed)
	_, err = DeriveViewingKey(h, nil, "tree")
	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestDeriveBurner(t *testing.T) {
	h := hasher.NewPoseidon()
	seed := testSeed(4)
	parent, err := DeriveAccount(h, seed)
	require.NoError(t, err)

	seen := map[types.Hash]uint64{parent.PublicKey(): 0}
	for i := uint64(0); i < 8; i++ {
		b1, err := DeriveBurner(h, seed, i)
		require.NoError(t, err)
		b2, err := DeriveBurner(h, seed, i)
		require.NoError(t, err)
		assert.True(t, b1.IsBurner())
		assert.Equal(t, b1.PublicKey(), b2.PublicKey())
		assert.Equal(t, b1.BurnerSeed(), b2.BurnerSeed())

		_, dup := seen[b1.PublicKey()]
		assert.False(t, dup, "burner %d collides", i)
		seen[b1.PublicKey()] = i
	}
}

func TestViewingKeysAreDomainSeparated(t *testing.T) {
	h := hasher.NewPoseidon()
	seed := testSeed(5)
	a, err := DeriveAccount(h, seed)
	require.NoError(t, err)

	k1, err := DeriveViewingKey(h, seed, "tree-a")
	require.NoError(t, err)
	k2, err := DeriveViewingKey(h, seed, "tree-b")
	require.NoError(t, err)
	k3, err := a.ViewingKey([]byte("tree-a"))
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, k3)
	assert.Len(t, k1, SecretSize)

	var tree types.PublicKey
	c1 := types.HashFromUint64(1)
	c2 := types.HashFromUint64(2)
	u1, err := a.UtxoViewingKey(tree, c1)
	require.NoError(t, err)
	u2, err := a.UtxoViewingKey(tree, c2)
	require.NoError(t, err)
	assert.NotEqual(t, u1, u2)
}

func TestSignIsOwnerBound(t *testing.T) {
	h := hasher.NewPoseidon()
	a, err := DeriveAccount(h, testSeed(6))
	require.NoError(t, err)
	b, err := DeriveAccount(h, testSeed(7))
	require.NoError(t, err)

	c := types.HashFromUint64(99)
	sa, err := a.Sign(c, 3)
	require.NoError(t, err)
	sb, err := b.Sign(c, 3)
	require.NoError(t, err)
	sa4, err := a.Sign(c, 4)
	require.NoError(t, err)

	assert.NotEqual(t, sa, sb)
	assert.NotEqual(t, sa, sa4)
}

func TestPrivateKeysRoundTrip(t *testing.T) {
	h := hasher.NewPoseidon()
	a, err := DeriveAccount(h, testSeed(8))
	require.NoError(t, err)

	keys, err := a.PrivateKeys()
	require.NoError(t, err)
	b, err := FromPrivateKeys(h, keys)
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.Equal(t, a.EncryptionPublicKey(), b.EncryptionPublicKey())
	ta, _ := a.PrefixTag(types.HashFromUint64(1))
	tb, _ := b.PrefixTag(types.HashFromUint64(1))
	assert.Equal(t, ta, tb)

	keys.ViewingSecret = "abc"
	_, err = FromPrivateKeys(h, keys)
	assert.ErrorIs(t, err, ErrKeyNotInitialized)
}

func TestPublicOnlyAccount(t *testing.T) {
	h := hasher.NewPoseidon()
	a, err := DeriveAccount(h, testSeed(9))
	require.NoError(t, err)

	pub, err := FromPublicKey(h, a.PublicKeyString())
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), pub.PublicKey())
	assert.Equal(t, a.EncryptionPublicKey(), pub.EncryptionPublicKey())
	assert.Equal(t, a.InboxTag(), pub.InboxTag())
	assert.False(t, pub.HasPrivateKeys())

	_, err = pub.Sign(types.HashFromUint64(1), 0)
	assert.ErrorIs(t, err, ErrKeyNotInitialized)
	_, err = pub.ViewingKey([]byte("x"))
	assert.ErrorIs(t, err, ErrKeyNotInitialized)
	_, err = pub.PrivateKeys()
	assert.ErrorIs(t, err, ErrKeyNotInitialized)
	_, err = pub.EncryptionPrivateKey()
	assert.ErrorIs(t, err, ErrKeyNotInitialized)

	_, err = FromPublicKey(h, "notbase58!")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}
