package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed local input. Never retried.
	KindValidation
	// KindCrypto covers decryption failures, expected while scanning.
	KindCrypto
	// KindConsistency covers root mismatches and duplicate nullifiers.
	// The caller rebuilds from authoritative data.
	KindConsistency
	// KindResource covers RPC and network failures after retries.
	KindResource
	// KindInsufficientFunds is surfaced directly to the caller.
	KindInsufficientFunds
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCrypto:
		return "crypto"
	case KindConsistency:
		return "consistency"
	case KindResource:
		return "resource"
	case KindInsufficientFunds:
		return "insufficient funds"
	default:
		return "unknown"
	}
}

// Error is a sentinel carrying a Kind. Packages declare their sentinels
// with NewKind and wrap them with github.com/pkg/errors.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// NewKind creates a classified sentinel error.
func NewKind(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// AmountError reports the offending amounts of a validation or funding
// failure.
type AmountError struct {
	Err       error
	Requested uint64
	Available uint64
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("%v: requested %d, available %d", e.Err, e.Requested, e.Available)
}

func (e *AmountError) Unwrap() error { return e.Err }
