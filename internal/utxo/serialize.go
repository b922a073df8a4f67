package utxo

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

const (
	// CompressedSize is the encoded size without owner and encryption key
	CompressedSize = 5*8 + 4*types.HashSize

	// FullSize is the encoded size including owner and encryption key
	FullSize = CompressedSize + types.HashSize + account.EncryptionKeySize

	appDataLenSize = 2
)

// ErrInvalidEncoding is returned for truncated or inconsistent bytes
var ErrInvalidEncoding = common.NewKind(common.KindValidation, "invalid utxo encoding")

// Serialize encodes u in the on-chain field order:
//
//	version | poolType | amount0 | amount1 | splAssetIndex   (u64 LE each)
//	blinding | metaHash | address | appDataHash            (32 bytes each)
//	owner | encryptionPublicKey                            (full mode only)
//	appDataLen u16 LE | appData
//
// Compressed mode omits the owner and encryption key; the decrypting
// account supplies its own identity.
func (u *OutUtxo) Serialize(table *AssetLookupTable, compressed bool) ([]byte, error) {
	splIndex, err := table.Index(u.Assets[1])
	if err != nil {
		return nil, err
	}

	size := FullSize
	if compressed {
		size = CompressedSize
	}
	var payload []byte
	if u.AppData != nil {
		payload = u.AppData.data
	}
	buf := make([]byte, 0, size+appDataLenSize+len(payload))

	buf = binary.LittleEndian.AppendUint64(buf, u.Version)
	buf = binary.LittleEndian.AppendUint64(buf, u.PoolType)
	buf = binary.LittleEndian.AppendUint64(buf, u.Amounts[0])
	buf = binary.LittleEndian.AppendUint64(buf, u.Amounts[1])
	buf = binary.LittleEndian.AppendUint64(buf, splIndex)
	buf = append(buf, u.Blinding[:]...)
	buf = append(buf, u.MetaHash[:]...)
	buf = append(buf, u.Address[:]...)
	buf = append(buf, u.AppDataHash[:]...)

	if !compressed {
		buf = append(buf, u.Owner[:]...)
		var enc [account.EncryptionKeySize]byte
		if u.EncryptionPublicKey != nil {
			enc = *u.EncryptionPublicKey
		}
		buf = append(buf, enc[:]...)
	}

	if len(payload) > 0xffff {
		return nil, errors.Wrapf(ErrAppDataSchemaMismatch, "payload of %d bytes", len(payload))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeOptions control Deserialize.
type DecodeOptions struct {
	// Compressed selects the compressed layout; Owner is then required
	Compressed bool
	Owner      types.Hash

	// Schema describes the payload, required when one is present
	Schema *Schema
}

// Deserialize decodes a record and recomputes its hash.
func Deserialize(h hasher.Hasher, data []byte, table *AssetLookupTable, opts DecodeOptions) (*OutUtxo, error) {
	size := FullSize
	if opts.Compressed {
		size = CompressedSize
	}
	if len(data) < size+appDataLenSize {
		return nil, errors.Wrapf(ErrInvalidEncoding, "%d bytes, need at least %d", len(data), size+appDataLenSize)
	}

	u := &OutUtxo{}
	u.Version = binary.LittleEndian.Uint64(data[0:])
	u.PoolType = binary.LittleEndian.Uint64(data[8:])
	u.Amounts[0] = binary.LittleEndian.Uint64(data[16:])
	u.Amounts[1] = binary.LittleEndian.Uint64(data[24:])
	splAsset, err := table.Asset(binary.LittleEndian.Uint64(data[32:]))
	if err != nil {
		return nil, err
	}
	u.Assets = [NumAssets]types.PublicKey{types.NativeAsset, splAsset}

	off := 40
	for _, dst := range []*types.Hash{&u.Blinding, &u.MetaHash, &u.Address, &u.AppDataHash} {
		copy(dst[:], data[off:off+types.HashSize])
		off += types.HashSize
	}

	if opts.Compressed {
		u.Owner = opts.Owner
	} else {
		copy(u.Owner[:], data[off:off+types.HashSize])
		off += types.HashSize
		var enc [account.EncryptionKeySize]byte
		copy(enc[:], data[off:off+account.EncryptionKeySize])
		off += account.EncryptionKeySize
		if enc != ([account.EncryptionKeySize]byte{}) {
			u.EncryptionPublicKey = &enc
		}
	}

	n := int(binary.LittleEndian.Uint16(data[off:]))
	off += appDataLenSize
	if len(data) != off+n {
		return nil, errors.Wrapf(ErrInvalidEncoding, "payload length %d, %d bytes remain", n, len(data)-off)
	}
	if n > 0 {
		if opts.Schema == nil {
			return nil, errors.Wrap(ErrAppDataSchemaMismatch, "payload without schema")
		}
		ad, err := NewAppData(*opts.Schema, data[off:])
		if err != nil {
			return nil, err
		}
		dh, err := ad.Hash(h)
		if err != nil {
			return nil, err
		}
		if types.HashFromElement(dh) != u.AppDataHash {
			return nil, errors.Wrap(ErrAppDataSchemaMismatch, "payload hash mismatch")
		}
		u.AppData = ad
	}

	for _, v := range []types.Hash{u.Owner, u.Blinding, u.MetaHash, u.Address, u.AppDataHash} {
		if !v.IsCanonical() {
			return nil, errors.Wrap(ErrInvalidFieldElement, "decode utxo")
		}
	}

	u.IsFillingUtxo = u.Amounts == [NumAssets]uint64{} && u.AppData == nil
	if err := u.computeHash(h); err != nil {
		return nil, err
	}
	return u, nil
}
