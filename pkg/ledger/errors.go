package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredit is the expected outcome of a reserve against a
	// balance smaller than the requested amount. It is not retryable.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrLedgerUnavailable wraps every store failure. The balance is left
	// unchanged whenever it is returned from Reserve or Grant.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrInvalidAmount is returned for non-positive amounts
	ErrInvalidAmount = errors.New("amount must be positive")
)

// IsInsufficientCredit reports whether err is an insufficient credit outcome
func IsInsufficientCredit(err error) bool {
	return errors.Is(err, ErrInsufficientCredit)
}

// IsUnavailable reports whether err is a transient store failure
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrLedgerUnavailable, err)
}
