// Package merkle maintains an off-chain replica of the on-chain commitment
// tree: append-only leaf insertion, root computation, membership paths and
// rebuilds from the authoritative leaf list.
package merkle

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// Merkle tree errors
var (
	ErrTreeFull      = common.NewKind(common.KindValidation, "merkle tree is full")
	ErrLeafNotFound  = common.NewKind(common.KindValidation, "leaf not found in tree")
	ErrInvalidHeight = common.NewKind(common.KindValidation, "invalid tree height")
	ErrRootMismatch  = common.NewKind(common.KindConsistency, "merkle root mismatch")
)

const (
	// DefaultHeight is the height of the on-chain tree
	DefaultHeight = 18

	// MaxHeight bounds leaf indices to uint64 arithmetic
	MaxHeight = 32
)

// Replica mirrors the on-chain tree. A single session writes to it;
// readers may take paths concurrently.
type Replica struct {
	mu sync.RWMutex

	hasher hasher.Hasher
	height int
	size   uint64
	root   types.Hash

	// zeros[i] is the root of an empty subtree of height i
	zeros []types.Hash

	// leaves in insertion order, and their positions
	leaves []types.Hash
	index  map[types.Hash]uint64

	store TreeStore
}

// Path is a membership proof for one leaf.
type Path struct {
	// Siblings are the sibling hashes from the leaf level up
	Siblings []types.Hash

	// PathBits is true where the path node is a right child
	PathBits []bool

	LeafIndex uint64

	// Root is the tree root the path was taken against
	Root types.Hash
}

// ZeroValues returns zero[0..height]: zero[0] is the empty leaf and
// zero[i] = H(zero[i-1], zero[i-1]).
func ZeroValues(h hasher.Hasher, height int) ([]types.Hash, error) {
	zeros := make([]types.Hash, height+1)
	for i := 1; i <= height; i++ {
		z, err := hashPair(h, zeros[i-1], zeros[i-1])
		if err != nil {
			return nil, err
		}
		zeros[i] = z
	}
	return zeros, nil
}

// New opens a replica over store, resuming any persisted state. A nil
// store keeps the tree in memory.
func New(ctx context.Context, h hasher.Hasher, height int, store TreeStore) (*Replica, error) {
	if height < 1 || height > MaxHeight {
		return nil, errors.Wrapf(ErrInvalidHeight, "height %d", height)
	}
	if store == nil {
		store = NewInMemoryTreeStore()
	}
	zeros, err := ZeroValues(h, height)
	if err != nil {
		return nil, err
	}

	r := &Replica{
		hasher: h,
		height: height,
		zeros:  zeros,
		root:   zeros[height],
		index:  make(map[types.Hash]uint64),
		store:  store,
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Build creates a replica holding leaves. When expectedRoot is set the
// computed root must match it.
func Build(ctx context.Context, h hasher.Hasher, height int, leaves []types.Hash, expectedRoot *types.Hash, store TreeStore) (*Replica, error) {
	r, err := New(ctx, h, height, store)
	if err != nil {
		return nil, err
	}
	if err := r.Rebuild(ctx, leaves, expectedRoot); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replica) load(ctx context.Context) error {
	size, err := r.store.GetSize(ctx)
	if err != nil {
		return errors.Wrap(err, "load tree size")
	}
	if size == 0 {
		return nil
	}
	if size > r.capacity() {
		return errors.Wrapf(ErrInvalidHeight, "stored size %d exceeds height %d", size, r.height)
	}
	root, err := r.store.GetRoot(ctx)
	if err != nil {
		return errors.Wrap(err, "load tree root")
	}
	r.leaves = make([]types.Hash, size)
	for i := uint64(0); i < size; i++ {
		leaf, err := r.store.GetNode(ctx, 0, i)
		if err != nil {
			return errors.Wrapf(err, "load leaf %d", i)
		}
		r.leaves[i] = leaf
		r.index[leaf] = i
	}
	r.size = size
	r.root = root
	return nil
}

func (r *Replica) capacity() uint64 {
	return uint64(1) << r.height
}

// Insert appends leaf and returns the new root.
func (r *Replica) Insert(ctx context.Context, leaf types.Hash) (types.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.insert(ctx, leaf); err != nil {
		return types.Hash{}, err
	}
	if err := r.persistHead(ctx); err != nil {
		return types.Hash{}, err
	}
	leavesInserted.Inc()
	return r.root, nil
}

// BulkInsert appends leaves in order and returns the final root.
func (r *Replica) BulkInsert(ctx context.Context, leaves []types.Hash) (types.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, leaf := range leaves {
		if err := r.insert(ctx, leaf); err != nil {
			return types.Hash{}, err
		}
	}
	if err := r.persistHead(ctx); err != nil {
		return types.Hash{}, err
	}
	leavesInserted.Add(float64(len(leaves)))
	return r.root, nil
}

// insert updates the path from the new leaf to the root. Missing
// siblings are empty subtrees.
func (r *Replica) insert(ctx context.Context, leaf types.Hash) error {
	if r.size >= r.capacity() {
		return ErrTreeFull
	}

	position := r.size
	if err := r.store.SetNode(ctx, 0, position, leaf); err != nil {
		return errors.Wrap(err, "store leaf")
	}

	current := leaf
	idx := position
	for level := 0; level < r.height; level++ {
		sibling, err := r.node(ctx, level, idx^1)
		if err != nil {
			return err
		}
		if idx%2 == 0 {
			current, err = hashPair(r.hasher, current, sibling)
		} else {
			current, err = hashPair(r.hasher, sibling, current)
		}
		if err != nil {
			return err
		}
		idx /= 2
		if err := r.store.SetNode(ctx, uint64(level+1), idx, current); err != nil {
			return errors.Wrap(err, "store node")
		}
	}

	r.leaves = append(r.leaves, leaf)
	if _, ok := r.index[leaf]; !ok {
		r.index[leaf] = position
	}
	r.size++
	r.root = current
	return nil
}

func (r *Replica) persistHead(ctx context.Context) error {
	if err := r.store.SetRoot(ctx, r.root); err != nil {
		return errors.Wrap(err, "store root")
	}
	if err := r.store.SetSize(ctx, r.size); err != nil {
		return errors.Wrap(err, "store size")
	}
	return nil
}

// node returns the stored node or the empty subtree at that level.
func (r *Replica) node(ctx context.Context, level int, idx uint64) (types.Hash, error) {
	h, err := r.store.GetNode(ctx, uint64(level), idx)
	if errors.Is(err, ErrNodeNotFound) {
		return r.zeros[level], nil
	}
	if err != nil {
		return types.Hash{}, errors.Wrapf(err, "load node %d/%d", level, idx)
	}
	return h, nil
}

// Path returns the membership proof of the leaf at leafIndex.
func (r *Replica) Path(ctx context.Context, leafIndex uint64) (*Path, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if leafIndex >= r.size {
		return nil, errors.Wrapf(ErrLeafNotFound, "index %d of %d", leafIndex, r.size)
	}

	p := &Path{
		Siblings:  make([]types.Hash, r.height),
		PathBits:  make([]bool, r.height),
		LeafIndex: leafIndex,
		Root:      r.root,
	}
	idx := leafIndex
	for level := 0; level < r.height; level++ {
		sibling, err := r.node(ctx, level, idx^1)
		if err != nil {
			return nil, err
		}
		p.Siblings[level] = sibling
		p.PathBits[level] = idx%2 == 1
		idx /= 2
	}
	return p, nil
}

// VerifyPath recomputes the root from leaf and p.
func VerifyPath(h hasher.Hasher, leaf types.Hash, p *Path) bool {
	if p == nil || len(p.Siblings) != len(p.PathBits) {
		return false
	}
	current := leaf
	for i, sibling := range p.Siblings {
		var err error
		if p.PathBits[i] {
			current, err = hashPair(h, sibling, current)
		} else {
			current, err = hashPair(h, current, sibling)
		}
		if err != nil {
			return false
		}
	}
	return current == p.Root
}

// VerifyAgainstAuthoritativeRoot reports whether the replica's root equals
// the on-chain root.
func VerifyAgainstAuthoritativeRoot(r *Replica, root types.Hash) bool {
	ok := r.Root() == root
	if !ok {
		rootMismatches.Inc()
	}
	return ok
}

// Rebuild discards the replica's state and re-inserts leaves. It is the
// only recovery path for a replica that diverged from the ledger.
func (r *Replica) Rebuild(ctx context.Context, leaves []types.Hash, expectedRoot *types.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uint64(len(leaves)) > r.capacity() {
		return errors.Wrapf(ErrTreeFull, "%d leaves", len(leaves))
	}
	if err := r.store.Reset(ctx); err != nil {
		return errors.Wrap(err, "reset tree store")
	}
	r.size = 0
	r.root = r.zeros[r.height]
	r.leaves = make([]types.Hash, 0, len(leaves))
	r.index = make(map[types.Hash]uint64, len(leaves))

	for _, leaf := range leaves {
		if err := r.insert(ctx, leaf); err != nil {
			return err
		}
	}
	if err := r.persistHead(ctx); err != nil {
		return err
	}
	rebuilds.Inc()

	if expectedRoot != nil && r.root != *expectedRoot {
		return errors.Wrapf(ErrRootMismatch, "computed %s, expected %s", r.root, *expectedRoot)
	}
	return nil
}

// Root returns the current root
func (r *Replica) Root() types.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// Size returns the number of leaves
func (r *Replica) Size() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Height returns the tree height
func (r *Replica) Height() int {
	return r.height
}

// Leaves returns a copy of the ordered leaf list
func (r *Replica) Leaves() []types.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Hash(nil), r.leaves...)
}

// IndexOf returns the position of the first occurrence of leaf.
func (r *Replica) IndexOf(leaf types.Hash) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[leaf]
	return i, ok
}

// ZeroValue returns the empty subtree root at level.
func (r *Replica) ZeroValue(level int) types.Hash {
	return r.zeros[level]
}

func hashPair(h hasher.Hasher, left, right types.Hash) (types.Hash, error) {
	res, err := h.Hash(left.Element(), right.Element())
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "hash pair")
	}
	return types.HashFromElement(res), nil
}
