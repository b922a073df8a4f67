package hasher

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/pkg/common"
)

func TestPoseidonKnownVector(t *testing.T) {
	// circomlib poseidon([1, 2])
	want, ok := new(big.Int).SetString("7853200120776062878684798364095072458815029376092732009249414926327459813530", 10)
	require.True(t, ok)

	h := NewPoseidon()
	got, err := HashUint64s(h, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, got.BigInt(new(big.Int)).Cmp(want))
}

func TestPoseidonArityLimits(t *testing.T) {
	h := NewPoseidon()
	_, err := h.Hash()
	assert.True(t, common.IsKind(err, common.KindValidation))

	elems := make([]fr.Element, MaxPoseidonInputs+1)
	_, err = h.Hash(elems...)
	assert.ErrorIs(t, err, ErrTooManyInputs)

	_, err = h.Hash(elems[:MaxPoseidonInputs]...)
	assert.NoError(t, err)
}

func TestHashersAreDeterministic(t *testing.T) {
	for name, h := range map[string]Hasher{"poseidon": NewPoseidon(), "mimc": NewMiMC()} {
		t.Run(name, func(t *testing.T) {
			a, err := HashUint64s(h, 3, 4, 5)
			require.NoError(t, err)
			b, err := HashUint64s(h, 3, 4, 5)
			require.NoError(t, err)
			c, err := HashUint64s(h, 5, 4, 3)
			require.NoError(t, err)
			assert.True(t, a.Equal(&b))
			assert.False(t, a.Equal(&c))
		})
	}
}

func TestDigestLengths(t *testing.T) {
	h := NewPoseidon()
	assert.Len(t, h.Digest([]byte("seed"), 32), 32)
	assert.Len(t, h.Digest([]byte("seed"), 4), 4)
	assert.NotEqual(t, h.Digest([]byte("a"), 32), h.Digest([]byte("b"), 32))
	assert.Panics(t, func() { h.Digest(nil, 65) })
}

func TestTruncateToCircuitFitsField(t *testing.T) {
	h := NewPoseidon()
	for i := 0; i < 32; i++ {
		e := TruncateToCircuit(h, []byte{byte(i)})
		b := e.Bytes()
		assert.Zero(t, b[0])
	}
	a := HashToField(h, []byte("x"))
	b := HashToField(h, []byte("x"))
	assert.True(t, a.Equal(&b))
}
