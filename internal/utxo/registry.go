package utxo

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// ErrBlindingReuse is returned when a blinding repeats for one owner
var ErrBlindingReuse = common.NewKind(common.KindValidation, "blinding reused")

// BlindingRegistry remembers the blindings issued per owner within a
// session.
type BlindingRegistry struct {
	mu   sync.Mutex
	seen map[types.Hash]map[types.Hash]struct{}
}

// NewBlindingRegistry returns an empty registry.
func NewBlindingRegistry() *BlindingRegistry {
	return &BlindingRegistry{seen: make(map[types.Hash]map[types.Hash]struct{})}
}

// Register records blinding for owner, failing if it was seen before.
func (r *BlindingRegistry) Register(owner, blinding types.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.seen[owner]
	if !ok {
		set = make(map[types.Hash]struct{})
		r.seen[owner] = set
	}
	if _, dup := set[blinding]; dup {
		return errors.Wrapf(ErrBlindingReuse, "owner %s", owner)
	}
	set[blinding] = struct{}{}
	return nil
}

// Len returns the number of registered blindings.
func (r *BlindingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.seen {
		n += len(s)
	}
	return n
}
