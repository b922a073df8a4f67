package merkle

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/ccoin/shielded/pkg/types"
)

// Key layout: prefix byte, tree id, then the record key.
const (
	keyNode byte = 0x01
	keyRoot byte = 0x02
	keySize byte = 0x03
)

// PebbleTreeStore persists one tree's nodes in a pebble database. Several
// trees can share a database under different ids.
type PebbleTreeStore struct {
	db     *pebble.DB
	treeID types.PublicKey
	sync   bool
}

// OpenPebble opens or creates a pebble database at path.
func OpenPebble(path string) (*pebble.DB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}
	return db, nil
}

// NewPebbleTreeStore returns a store for treeID. With syncWrites each
// write is fsynced.
func NewPebbleTreeStore(db *pebble.DB, treeID types.PublicKey, syncWrites bool) *PebbleTreeStore {
	return &PebbleTreeStore{db: db, treeID: treeID, sync: syncWrites}
}

func (s *PebbleTreeStore) key(kind byte, rest ...byte) []byte {
	k := make([]byte, 0, 1+types.PublicKeySize+len(rest))
	k = append(k, kind)
	k = append(k, s.treeID[:]...)
	return append(k, rest...)
}

func (s *PebbleTreeStore) nodeKey(level, index uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], level)
	binary.BigEndian.PutUint64(b[8:], index)
	return s.key(keyNode, b[:]...)
}

func (s *PebbleTreeStore) writeOpts() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *PebbleTreeStore) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get")
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// GetNode retrieves a node
func (s *PebbleTreeStore) GetNode(ctx context.Context, level, index uint64) (types.Hash, error) {
	v, err := s.get(s.nodeKey(level, index))
	if err != nil {
		return types.EmptyHash, err
	}
	return types.HashFromBytes(v), nil
}

// SetNode stores a node
func (s *PebbleTreeStore) SetNode(ctx context.Context, level, index uint64, hash types.Hash) error {
	return errors.Wrap(s.db.Set(s.nodeKey(level, index), hash[:], s.writeOpts()), "set node")
}

// GetRoot returns the root, or the empty hash for a new tree
func (s *PebbleTreeStore) GetRoot(ctx context.Context) (types.Hash, error) {
	v, err := s.get(s.key(keyRoot))
	if errors.Is(err, ErrNodeNotFound) {
		return types.EmptyHash, nil
	}
	if err != nil {
		return types.EmptyHash, err
	}
	return types.HashFromBytes(v), nil
}

// SetRoot updates the root
func (s *PebbleTreeStore) SetRoot(ctx context.Context, root types.Hash) error {
	return errors.Wrap(s.db.Set(s.key(keyRoot), root[:], s.writeOpts()), "set root")
}

// GetSize returns the leaf count, zero for a new tree
func (s *PebbleTreeStore) GetSize(ctx context.Context) (uint64, error) {
	v, err := s.get(s.key(keySize))
	if errors.Is(err, ErrNodeNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, errors.Errorf("get size: %d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// SetSize updates the leaf count
func (s *PebbleTreeStore) SetSize(ctx context.Context, size uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], size)
	return errors.Wrap(s.db.Set(s.key(keySize), b[:], s.writeOpts()), "set size")
}

// Reset deletes every key of this tree in one batch.
func (s *PebbleTreeStore) Reset(ctx context.Context) error {
	b := s.db.NewBatch()
	start := s.key(keyNode)
	end := s.key(keyNode, prefixEnd()...)
	if err := b.DeleteRange(start, end, nil); err != nil {
		b.Close()
		return errors.Wrap(err, "reset")
	}
	if err := b.Delete(s.key(keyRoot), nil); err != nil {
		b.Close()
		return errors.Wrap(err, "reset")
	}
	if err := b.Delete(s.key(keySize), nil); err != nil {
		b.Close()
		return errors.Wrap(err, "reset")
	}
	return errors.Wrap(b.Commit(s.writeOpts()), "reset")
}

// prefixEnd is a suffix sorting after every 16-byte node key.
func prefixEnd() []byte {
	end := make([]byte, 17)
	for i := range end {
		end[i] = 0xff
	}
	return end
}

var _ TreeStore = (*PebbleTreeStore)(nil)
var _ TreeStore = (*InMemoryTreeStore)(nil)
