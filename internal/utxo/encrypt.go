package utxo

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// Mode is the encryption mode of a ciphertext.
type Mode uint8

const (
	// ModeSymmetric encrypts to the owner's own viewing key
	ModeSymmetric Mode = iota + 1
	// ModeAsymmetric encrypts to a recipient's X25519 key
	ModeAsymmetric
)

func (m Mode) String() string {
	switch m {
	case ModeSymmetric:
		return "symmetric"
	case ModeAsymmetric:
		return "asymmetric"
	default:
		return "unknown"
	}
}

const (
	nonceSize = chacha20poly1305.NonceSizeX

	// SymmetricOverhead is the prefix plus AEAD tag
	SymmetricOverhead = account.PrefixTagSize + chacha20poly1305.Overhead

	// AsymmetricOverhead is the prefix, ephemeral key and box tag
	AsymmetricOverhead = account.PrefixTagSize + account.EncryptionKeySize + box.Overhead
)

// ErrDecryptionFailed covers every reason a ciphertext does not open for
// a key: wrong prefix, failed authentication, or a hash that does not
// match the commitment. It is expected while scanning.
var ErrDecryptionFailed = common.NewKind(common.KindCrypto, "decryption failed")

// Codec encrypts and decrypts records for one tree.
type Codec struct {
	hasher hasher.Hasher
	table  *AssetLookupTable
	treeID types.PublicKey
}

// NewCodec returns a codec for records in treeID.
func NewCodec(h hasher.Hasher, table *AssetLookupTable, treeID types.PublicKey) *Codec {
	return &Codec{hasher: h, table: table, treeID: treeID}
}

// TreeID returns the tree the codec encrypts for.
func (c *Codec) TreeID() types.PublicKey { return c.treeID }

// Table returns the asset lookup table.
func (c *Codec) Table() *AssetLookupTable { return c.table }

// Encrypt picks asymmetric mode when u names a recipient encryption key
// and symmetric mode under acc otherwise. Filling records encrypt to
// random bytes of the symmetric length.
func (c *Codec) Encrypt(acc *account.Account, u *OutUtxo) ([]byte, error) {
	switch {
	case u.IsFillingUtxo:
		return c.fillingCiphertext()
	case u.EncryptionPublicKey != nil:
		return c.EncryptAsymmetric(u, *u.EncryptionPublicKey)
	default:
		return c.EncryptSymmetric(acc, u)
	}
}

// EncryptSymmetric seals the compressed record under the viewing key
// bound to (tree, commitment). The nonce is the commitment prefix; the
// key is never reused for another commitment.
func (c *Codec) EncryptSymmetric(acc *account.Account, u *OutUtxo) ([]byte, error) {
	plaintext, err := u.Serialize(c.table, true)
	if err != nil {
		return nil, err
	}
	commitment := u.Hash()
	aead, err := c.aead(acc, commitment)
	if err != nil {
		return nil, err
	}
	tag, err := acc.PrefixTag(commitment)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(plaintext)+SymmetricOverhead)
	out = append(out, tag[:]...)
	return aead.Seal(out, commitment[:nonceSize], plaintext, c.treeID[:]), nil
}

// EncryptAsymmetric boxes the compressed record to recipient with a fresh
// ephemeral key.
func (c *Codec) EncryptAsymmetric(u *OutUtxo, recipient [account.EncryptionKeySize]byte) ([]byte, error) {
	plaintext, err := u.Serialize(c.table, true)
	if err != nil {
		return nil, err
	}
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "ephemeral key")
	}
	var nonce [nonceSize]byte
	commitment := u.Hash()
	copy(nonce[:], commitment[:nonceSize])

	out := make([]byte, 0, len(plaintext)+AsymmetricOverhead)
	out = append(out, recipient[:account.PrefixTagSize]...)
	out = append(out, ephPub[:]...)
	return box.Seal(out, plaintext, &nonce, &recipient, ephPriv), nil
}

func (c *Codec) fillingCiphertext() ([]byte, error) {
	b, err := common.RandomBytes(CompressedSize + appDataLenSize + SymmetricOverhead)
	if err != nil {
		return nil, errors.Wrap(err, "filling ciphertext")
	}
	return b, nil
}

func (c *Codec) aead(acc *account.Account, commitment types.Hash) (cipher.AEAD, error) {
	key, err := acc.UtxoViewingKey(c.treeID, commitment)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "viewing key")
	}
	return aead, nil
}

// DecryptSymmetric opens a symmetric ciphertext for commitment.
func (c *Codec) DecryptSymmetric(acc *account.Account, ciphertext []byte, commitment types.Hash, schema *Schema) (*OutUtxo, error) {
	if !acc.HasPrivateKeys() {
		return nil, errors.Wrap(account.ErrKeyNotInitialized, "decrypt")
	}
	if len(ciphertext) < SymmetricOverhead {
		return nil, errors.Wrap(ErrDecryptionFailed, "short ciphertext")
	}
	tag, err := acc.PrefixTag(commitment)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(tag[:], ciphertext[:account.PrefixTagSize]) {
		return nil, errors.Wrap(ErrDecryptionFailed, "prefix mismatch")
	}
	aead, err := c.aead(acc, commitment)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, commitment[:nonceSize], ciphertext[account.PrefixTagSize:], c.treeID[:])
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "authentication")
	}
	return c.decode(acc, plaintext, commitment, schema)
}

// DecryptAsymmetric opens a ciphertext boxed to acc's encryption key.
func (c *Codec) DecryptAsymmetric(acc *account.Account, ciphertext []byte, commitment types.Hash, schema *Schema) (*OutUtxo, error) {
	priv, err := acc.EncryptionPrivateKey()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < AsymmetricOverhead {
		return nil, errors.Wrap(ErrDecryptionFailed, "short ciphertext")
	}
	inbox := acc.InboxTag()
	if !bytes.Equal(inbox[:], ciphertext[:account.PrefixTagSize]) {
		return nil, errors.Wrap(ErrDecryptionFailed, "prefix mismatch")
	}
	var ephPub [account.EncryptionKeySize]byte
	copy(ephPub[:], ciphertext[account.PrefixTagSize:])
	var nonce [nonceSize]byte
	copy(nonce[:], commitment[:nonceSize])

	plaintext, ok := box.Open(nil, ciphertext[account.PrefixTagSize+account.EncryptionKeySize:], &nonce, &ephPub, priv)
	if !ok {
		return nil, errors.Wrap(ErrDecryptionFailed, "box open")
	}
	return c.decode(acc, plaintext, commitment, schema)
}

// Decrypt tries symmetric then asymmetric mode and reports which one
// opened the ciphertext.
func (c *Codec) Decrypt(acc *account.Account, ciphertext []byte, commitment types.Hash, schema *Schema) (*OutUtxo, Mode, error) {
	u, err := c.DecryptSymmetric(acc, ciphertext, commitment, schema)
	if err == nil {
		return u, ModeSymmetric, nil
	}
	if !errors.Is(err, ErrDecryptionFailed) {
		return nil, 0, err
	}
	u, err = c.DecryptAsymmetric(acc, ciphertext, commitment, schema)
	if err != nil {
		return nil, 0, err
	}
	return u, ModeAsymmetric, nil
}

func (c *Codec) decode(acc *account.Account, plaintext []byte, commitment types.Hash, schema *Schema) (*OutUtxo, error) {
	u, err := Deserialize(c.hasher, plaintext, c.table, DecodeOptions{
		Compressed: true,
		Owner:      acc.PublicKey(),
		Schema:     schema,
	})
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	if u.Hash() != commitment {
		return nil, errors.Wrap(ErrDecryptionFailed, "commitment mismatch")
	}
	return u, nil
}
