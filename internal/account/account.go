// Package account derives shielded identities from a seed: the signing
// scalar and its public key, an X25519 encryption keypair, and the secrets
// behind domain-separated viewing keys.
package account

import (
	"encoding/binary"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

const (
	// MinSeedLength is the shortest accepted seed
	MinSeedLength = 32

	// EncryptionKeySize is the size of an X25519 key
	EncryptionKeySize = 32

	// SecretSize is the size of the viewing and hashing secrets
	SecretSize = 32

	// PrefixTagSize is the size of the ciphertext prefix tag
	PrefixTagSize = 4
)

// Derivation labels
const (
	labelPrivKey    = "privkey"
	labelEncryption = "encryption"
	labelViewing    = "aes"
	labelHashing    = "hashing"
	labelBurner     = "burnerSeed"
)

// Account errors
var (
	ErrInvalidSeed       = common.NewKind(common.KindValidation, "invalid seed")
	ErrKeyNotInitialized = common.NewKind(common.KindValidation, "private key not initialized")
	ErrInvalidPublicKey  = common.NewKind(common.KindValidation, "invalid account public key")
)

// Account is a shielded identity. It is immutable after construction.
type Account struct {
	hasher hasher.Hasher

	hasPrivate    bool
	privateScalar fr.Element
	publicKey     fr.Element

	encryptionPublic  [EncryptionKeySize]byte
	encryptionPrivate *[EncryptionKeySize]byte

	viewingSecret []byte
	hashingSecret []byte

	burnerSeed []byte
}

// DeriveAccount derives an account from seed.
func DeriveAccount(h hasher.Hasher, seed []byte) (*Account, error) {
	if err := checkSeed(seed); err != nil {
		return nil, err
	}

	priv, err := h.Hash(hasher.HashToField(h, label(seed, labelPrivKey)))
	if err != nil {
		return nil, errors.Wrap(err, "derive private scalar")
	}

	var encPriv [EncryptionKeySize]byte
	copy(encPriv[:], h.Digest(label(seed, labelEncryption), EncryptionKeySize))

	return newAccount(h, priv, &encPriv,
		h.Digest(label(seed, labelViewing), SecretSize),
		h.Digest(label(seed, labelHashing), SecretSize))
}

// DeriveBurner derives the index-th one-time account of seed. The same
// seed and index always produce the same account.
func DeriveBurner(h hasher.Hasher, seed []byte, index uint64) (*Account, error) {
	if err := checkSeed(seed); err != nil {
		return nil, err
	}

	burnerSeed := h.Digest(common.Concat(seed, []byte(labelBurner), common.Uint64ToBytes(index)), SecretSize)

	acc, err := DeriveAccount(h, burnerSeed)
	if err != nil {
		return nil, errors.Wrap(err, "derive burner")
	}
	acc.burnerSeed = burnerSeed
	return acc, nil
}

// DeriveViewingKey returns the viewing key of seed for domain.
func DeriveViewingKey(h hasher.Hasher, seed []byte, domain string) ([]byte, error) {
	if err := checkSeed(seed); err != nil {
		return nil, err
	}
	return viewingKey(h, h.Digest(label(seed, labelViewing), SecretSize), []byte(domain)), nil
}

func newAccount(h hasher.Hasher, priv fr.Element, encPriv *[EncryptionKeySize]byte, viewing, hashing []byte) (*Account, error) {
	pub, err := h.Hash(priv)
	if err != nil {
		return nil, errors.Wrap(err, "derive public key")
	}

	encPub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "derive encryption key")
	}

	a := &Account{
		hasher:            h,
		hasPrivate:        true,
		privateScalar:     priv,
		publicKey:         pub,
		encryptionPrivate: encPriv,
		viewingSecret:     viewing,
		hashingSecret:     hashing,
	}
	copy(a.encryptionPublic[:], encPub)
	return a, nil
}

func checkSeed(seed []byte) error {
	if len(seed) == 0 {
		return errors.Wrap(ErrInvalidSeed, "empty seed")
	}
	if len(seed) < MinSeedLength {
		return errors.Wrapf(ErrInvalidSeed, "seed has %d bytes, need %d", len(seed), MinSeedLength)
	}
	return nil
}

func label(seed []byte, l string) []byte {
	return common.Concat(seed, []byte(l))
}

// viewingKey length-prefixes the domain so no two domains share a
// preimage.
func viewingKey(h hasher.Hasher, secret, domain []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(domain)))
	return h.Digest(common.Concat(secret, n[:], domain), SecretSize)
}

// PublicKey returns the shielded public key, Hash(privateScalar).
func (a *Account) PublicKey() types.Hash {
	return types.HashFromElement(a.publicKey)
}

// EncryptionPublicKey returns the X25519 public key.
func (a *Account) EncryptionPublicKey() [EncryptionKeySize]byte {
	return a.encryptionPublic
}

// HasPrivateKeys reports whether the account can sign and decrypt.
func (a *Account) HasPrivateKeys() bool {
	return a.hasPrivate
}

// IsBurner reports whether the account was derived with DeriveBurner.
func (a *Account) IsBurner() bool {
	return a.burnerSeed != nil
}

// BurnerSeed returns the seed the burner was derived from.
func (a *Account) BurnerSeed() []byte {
	return append([]byte(nil), a.burnerSeed...)
}

// Hasher returns the hasher the account was derived with.
func (a *Account) Hasher() hasher.Hasher {
	return a.hasher
}

// Sign is the owner-only PRF over a commitment and its leaf index:
// Hash(privateScalar, hash, leafIndex).
func (a *Account) Sign(hash types.Hash, leafIndex uint64) (types.Hash, error) {
	if !a.hasPrivate {
		return types.Hash{}, errors.Wrap(ErrKeyNotInitialized, "sign")
	}
	var idx fr.Element
	idx.SetUint64(leafIndex)
	sig, err := a.hasher.Hash(a.privateScalar, hash.Element(), idx)
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "sign")
	}
	return types.HashFromElement(sig), nil
}

// ViewingKey returns the symmetric key for domain.
func (a *Account) ViewingKey(domain []byte) ([]byte, error) {
	if !a.hasPrivate {
		return nil, errors.Wrap(ErrKeyNotInitialized, "viewing key")
	}
	return viewingKey(a.hasher, a.viewingSecret, domain), nil
}

// UtxoViewingKey returns the key that encrypts exactly one commitment in
// one tree.
func (a *Account) UtxoViewingKey(treeID types.PublicKey, commitment types.Hash) ([]byte, error) {
	return a.ViewingKey(common.Concat(treeID[:], commitment[:]))
}

// PrefixTag returns the tag placed ahead of a symmetric ciphertext for
// commitment.
func (a *Account) PrefixTag(commitment types.Hash) ([PrefixTagSize]byte, error) {
	var tag [PrefixTagSize]byte
	if !a.hasPrivate {
		return tag, errors.Wrap(ErrKeyNotInitialized, "prefix tag")
	}
	copy(tag[:], a.hasher.Digest(common.Concat(a.hashingSecret, commitment[:]), PrefixTagSize))
	return tag, nil
}

// InboxTag is the tag placed ahead of ciphertexts encrypted to this
// account's encryption key.
func (a *Account) InboxTag() [PrefixTagSize]byte {
	var tag [PrefixTagSize]byte
	copy(tag[:], a.encryptionPublic[:PrefixTagSize])
	return tag
}

// EncryptionPrivateKey returns the X25519 secret.
func (a *Account) EncryptionPrivateKey() (*[EncryptionKeySize]byte, error) {
	if !a.hasPrivate {
		return nil, errors.Wrap(ErrKeyNotInitialized, "encryption key")
	}
	return a.encryptionPrivate, nil
}
