package common

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestShort = NewKind(KindValidation, "short input")

func TestKindOfWrapped(t *testing.T) {
	err := errors.Wrap(errTestShort, "parse header")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errTestShort))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.True(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(err, KindResource))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindUnknown))
}

func TestAmountError(t *testing.T) {
	funds := NewKind(KindInsufficientFunds, "insufficient funds")
	err := errors.WithStack(&AmountError{Err: funds, Requested: 10, Available: 4})
	assert.True(t, errors.Is(err, funds))
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.Contains(t, err.Error(), "requested 10, available 4")
}

func TestBase58Decode(t *testing.T) {
	enc := Base58Encode([]byte{1, 2, 3, 4})
	got, err := Base58Decode(enc, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	_, err = Base58Decode(enc, 32)
	assert.Error(t, err)
	_, err = Base58Decode("0OIl", 0)
	assert.Error(t, err)
}

func TestByteHelpers(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, Uint64ToBytes(258))
	assert.Equal(t, []byte{1, 2, 3}, Concat([]byte{1}, nil, []byte{2, 3}))
}
