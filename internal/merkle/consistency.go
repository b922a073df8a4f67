package merkle

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/pkg/types"
)

// LedgerSource supplies the authoritative tree state.
type LedgerSource interface {
	// TreeAccount fetches the on-chain tree account
	TreeAccount(ctx context.Context) (*TreeAccount, error)

	// TreeLeaves fetches the full ordered leaf list
	TreeLeaves(ctx context.Context) ([]types.Hash, error)
}

// EnsureConsistent checks r against the ledger and rebuilds it from the
// full leaf list when the root at the same insertion count differs or the
// replica lags behind. It reports whether a rebuild happened; a rebuild
// whose root still differs fails with ErrRootMismatch.
func EnsureConsistent(ctx context.Context, r *Replica, src LedgerSource) (bool, error) {
	acc, err := src.TreeAccount(ctx)
	if err != nil {
		return false, errors.Wrap(err, "fetch tree account")
	}
	if int(acc.Height) != r.Height() {
		return false, errors.Wrapf(ErrInvalidHeight, "ledger height %d, replica %d", acc.Height, r.Height())
	}

	authoritative := acc.CurrentRoot()
	if r.Size() == acc.NextIndex && VerifyAgainstAuthoritativeRoot(r, authoritative) {
		return false, nil
	}

	leaves, err := src.TreeLeaves(ctx)
	if err != nil {
		return false, errors.Wrap(err, "fetch tree leaves")
	}
	if uint64(len(leaves)) != acc.NextIndex {
		return false, errors.Wrapf(ErrRootMismatch, "ledger reports %d leaves, fetched %d", acc.NextIndex, len(leaves))
	}
	if err := r.Rebuild(ctx, leaves, &authoritative); err != nil {
		return true, err
	}
	return true, nil
}
