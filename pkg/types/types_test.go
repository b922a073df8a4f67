package types

import (
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashElementRoundTrip(t *testing.T) {
	var e fr.Element
	e.SetUint64(123456789)
	h := HashFromElement(e)
	got := h.Element()
	assert.True(t, got.Equal(&e))
	assert.Equal(t, HashFromUint64(123456789), h)
	assert.True(t, h.IsCanonical())

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestHashFromBytesPadsLeft(t *testing.T) {
	h := HashFromBytes([]byte{0x01, 0x02})
	assert.Equal(t, byte(0x01), h[30])
	assert.Equal(t, byte(0x02), h[31])
	assert.True(t, h[0] == 0)
}

func TestPublicKeyBase58(t *testing.T) {
	assert.Equal(t, "11111111111111111111111111111111", NativeAsset.String())
	pk, err := ParsePublicKey(NativeAsset.String())
	require.NoError(t, err)
	assert.True(t, pk.IsNative())

	_, err = ParsePublicKey("1111")
	assert.Error(t, err)
}

func TestActionFromPublicAmounts(t *testing.T) {
	tests := []struct {
		name string
		sol  Hash
		spl  Hash
		fee  uint64
		want Action
	}{
		{"transfer", EmptyHash, EmptyHash, 0, ActionTransfer},
		{"compress sol", HashFromUint64(50), EmptyHash, 0, ActionCompress},
		{"compress spl", EmptyHash, HashFromUint64(7), 0, ActionCompress},
		{"decompress", NegativeAmount(50), EmptyHash, 0, ActionDecompress},
		{"decompress spl with fee", HashFromUint64(1), NegativeAmount(9), 0, ActionDecompress},
		{"relayed transfer", NegativeAmount(5000), EmptyHash, 5000, ActionTransfer},
		{"decompress net of fee", NegativeAmount(7000), EmptyHash, 5000, ActionDecompress},
		{"spl decompress with fee", NegativeAmount(5000), NegativeAmount(3), 5000, ActionDecompress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &ParsedIndexedTransaction{PublicAmountSol: tt.sol, PublicAmountSpl: tt.spl, Fee: tt.fee}
			assert.Equal(t, tt.want, tx.Action())
		})
	}
}

func TestNetPublicAmountSol(t *testing.T) {
	tx := &ParsedIndexedTransaction{PublicAmountSol: NegativeAmount(7000), Fee: 5000}
	mag, neg := tx.NetPublicAmountSol()
	assert.True(t, neg)
	assert.Equal(t, int64(2000), mag.Int64())

	tx = &ParsedIndexedTransaction{PublicAmountSol: HashFromUint64(7000), Fee: 5000}
	mag, neg = tx.NetPublicAmountSol()
	assert.False(t, neg)
	assert.Equal(t, int64(7000), mag.Int64())
}

func TestNegativeAmountMagnitude(t *testing.T) {
	mag, neg := PublicAmount(NegativeAmount(1000))
	assert.True(t, neg)
	assert.Equal(t, int64(1000), mag.Int64())

	mag, neg = PublicAmount(HashFromUint64(1000))
	assert.False(t, neg)
	assert.Equal(t, int64(1000), mag.Int64())
}
