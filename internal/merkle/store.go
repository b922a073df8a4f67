package merkle

import (
	"context"
	"errors"
	"sync"

	"github.com/ccoin/shielded/pkg/types"
)

// ErrNodeNotFound is returned by stores for nodes never written
var ErrNodeNotFound = errors.New("tree node not found")

// TreeStore defines the interface for tree persistence
type TreeStore interface {
	// GetNode retrieves a node by position
	GetNode(ctx context.Context, level, index uint64) (types.Hash, error)

	// SetNode stores a node
	SetNode(ctx context.Context, level, index uint64, hash types.Hash) error

	// GetRoot returns the current root
	GetRoot(ctx context.Context) (types.Hash, error)

	// SetRoot updates the root
	SetRoot(ctx context.Context, root types.Hash) error

	// GetSize returns the number of leaves
	GetSize(ctx context.Context) (uint64, error)

	// SetSize updates the leaf count
	SetSize(ctx context.Context, size uint64) error

	// Reset drops every node, the root and the size
	Reset(ctx context.Context) error
}

// InMemoryTreeStore keeps nodes in nested maps, level -> index -> hash.
type InMemoryTreeStore struct {
	mu    sync.RWMutex
	nodes map[uint64]map[uint64]types.Hash
	root  types.Hash
	size  uint64
}

// NewInMemoryTreeStore creates a new in-memory tree store
func NewInMemoryTreeStore() *InMemoryTreeStore {
	return &InMemoryTreeStore{
		nodes: make(map[uint64]map[uint64]types.Hash),
	}
}

// GetNode retrieves a node
func (s *InMemoryTreeStore) GetNode(ctx context.Context, level, index uint64) (types.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, ok := s.nodes[level][index]
	if !ok {
		return types.EmptyHash, ErrNodeNotFound
	}
	return hash, nil
}

// SetNode stores a node
func (s *InMemoryTreeStore) SetNode(ctx context.Context, level, index uint64, hash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nodes[level] == nil {
		s.nodes[level] = make(map[uint64]types.Hash)
	}
	s.nodes[level][index] = hash
	return nil
}

// GetRoot returns the root
func (s *InMemoryTreeStore) GetRoot(ctx context.Context) (types.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root, nil
}

// SetRoot sets the root
func (s *InMemoryTreeStore) SetRoot(ctx context.Context, root types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = root
	return nil
}

// GetSize returns the size
func (s *InMemoryTreeStore) GetSize(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}

// SetSize sets the size
func (s *InMemoryTreeStore) SetSize(ctx context.Context, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	return nil
}

// Reset clears the store
func (s *InMemoryTreeStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[uint64]map[uint64]types.Hash)
	s.root = types.EmptyHash
	s.size = 0
	return nil
}
