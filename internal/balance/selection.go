package balance

import (
	"math/bits"
	"sort"

	"github.com/pkg/errors"

	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/common"
)

// Selection errors
var (
	ErrInsufficientFunds = common.NewKind(common.KindInsufficientFunds, "insufficient funds")
	ErrTooManyInputs     = common.NewKind(common.KindValidation, "selection exceeds input limit")
)

// Selection is the outcome of SelectUtxosForAmount.
type Selection struct {
	Selected []*utxo.Utxo
	Total    uint64
}

type selectOptions struct {
	slot      int
	maxInputs int
}

// SelectOption configures SelectUtxosForAmount.
type SelectOption func(*selectOptions)

// WithAmountSlot selects by the amount in slot (0 native, 1 SPL).
func WithAmountSlot(slot int) SelectOption {
	return func(o *selectOptions) { o.slot = slot }
}

// WithMaxInputs bounds the number of selected records.
func WithMaxInputs(n int) SelectOption {
	return func(o *selectOptions) { o.maxInputs = n }
}

// SelectUtxosForAmount picks records largest first until their total
// reaches target. Equal amounts keep their order in available. It never
// returns a partial selection: a set whose total is below target fails
// with ErrInsufficientFunds.
func SelectUtxosForAmount(available []*utxo.Utxo, target uint64, opts ...SelectOption) (*Selection, error) {
	o := selectOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.slot < 0 || o.slot >= utxo.NumAssets {
		return nil, errors.Wrapf(utxo.ErrInvalidAssetCount, "amount slot %d", o.slot)
	}
	if target == 0 {
		return &Selection{}, nil
	}

	candidates := make([]*utxo.Utxo, 0, len(available))
	for _, u := range available {
		if u != nil && !u.IsFillingUtxo {
			candidates = append(candidates, u)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Amounts[o.slot] > candidates[j].Amounts[o.slot]
	})

	sel := &Selection{}
	for _, u := range candidates {
		if sel.Total >= target {
			break
		}
		sum, carry := bits.Add64(sel.Total, u.Amounts[o.slot], 0)
		sel.Selected = append(sel.Selected, u)
		if carry != 0 {
			sel.Total = ^uint64(0)
			break
		}
		sel.Total = sum
	}

	if sel.Total < target {
		return nil, errors.WithStack(&common.AmountError{
			Err:       ErrInsufficientFunds,
			Requested: target,
			Available: sel.Total,
		})
	}
	if o.maxInputs > 0 && len(sel.Selected) > o.maxInputs {
		return nil, errors.Wrapf(ErrTooManyInputs, "need %d inputs, limit %d", len(sel.Selected), o.maxInputs)
	}
	return sel, nil
}
