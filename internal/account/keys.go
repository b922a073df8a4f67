package account

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/pkg/errors"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// PrivateKeys is the persisted secret material of an account, base58
// encoded.
type PrivateKeys struct {
	PrivateKey           string `yaml:"privateKey" json:"privateKey"`
	EncryptionPrivateKey string `yaml:"encryptionPrivateKey" json:"encryptionPrivateKey"`
	ViewingSecret        string `yaml:"viewingSecret" json:"viewingSecret"`
	HashingSecret        string `yaml:"hashingSecret" json:"hashingSecret"`
}

// PrivateKeys exports the account's secrets.
func (a *Account) PrivateKeys() (PrivateKeys, error) {
	if !a.hasPrivate {
		return PrivateKeys{}, errors.Wrap(ErrKeyNotInitialized, "export keys")
	}
	priv := a.privateScalar.Bytes()
	return PrivateKeys{
		PrivateKey:           common.Base58Encode(priv[:]),
		EncryptionPrivateKey: common.Base58Encode(a.encryptionPrivate[:]),
		ViewingSecret:        common.Base58Encode(a.viewingSecret),
		HashingSecret:        common.Base58Encode(a.hashingSecret),
	}, nil
}

// FromPrivateKeys loads an account from persisted secrets. The public key
// is recomputed from the private scalar.
func FromPrivateKeys(h hasher.Hasher, keys PrivateKeys) (*Account, error) {
	privBytes, err := common.Base58Decode(keys.PrivateKey, types.HashSize)
	if err != nil {
		return nil, errors.Wrap(ErrKeyNotInitialized, err.Error())
	}
	if !types.HashFromBytes(privBytes).IsCanonical() {
		return nil, errors.Wrap(ErrKeyNotInitialized, "private key exceeds field modulus")
	}
	encBytes, err := common.Base58Decode(keys.EncryptionPrivateKey, EncryptionKeySize)
	if err != nil {
		return nil, errors.Wrap(ErrKeyNotInitialized, err.Error())
	}
	viewing, err := common.Base58Decode(keys.ViewingSecret, SecretSize)
	if err != nil {
		return nil, errors.Wrap(ErrKeyNotInitialized, err.Error())
	}
	hashing, err := common.Base58Decode(keys.HashingSecret, SecretSize)
	if err != nil {
		return nil, errors.Wrap(ErrKeyNotInitialized, err.Error())
	}

	var priv fr.Element
	priv.SetBytes(privBytes)
	var encPriv [EncryptionKeySize]byte
	copy(encPriv[:], encBytes)
	return newAccount(h, priv, &encPriv, viewing, hashing)
}

// PublicKeyString returns base58(publicKey || encryptionPublicKey), the
// form recipients publish.
func (a *Account) PublicKeyString() string {
	pub := a.PublicKey()
	return common.Base58Encode(common.Concat(pub[:], a.encryptionPublic[:]))
}

// FromPublicKey builds a recipient-only account from PublicKeyString
// output. It can receive but not sign or decrypt.
func FromPublicKey(h hasher.Hasher, s string) (*Account, error) {
	b, err := common.Base58Decode(s, types.HashSize+EncryptionKeySize)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPublicKey, err.Error())
	}
	pub := types.HashFromBytes(b[:types.HashSize])
	if !pub.IsCanonical() {
		return nil, errors.Wrap(ErrInvalidPublicKey, "public key exceeds field modulus")
	}
	a := &Account{
		hasher:    h,
		publicKey: pub.Element(),
	}
	copy(a.encryptionPublic[:], b[types.HashSize:])
	return a, nil
}
