package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount means a non-positive amount was passed.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrAmountPrecision means the amount carries more precision than the
	// ledger's two decimal places and would be silently truncated on write.
	ErrAmountPrecision = errors.New("amount precision exceeds 2 decimal places")
	// ErrInvalidTransactionType means the type is unknown or not allowed
	// for the operation's direction.
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	// ErrMissingMemberID means no member id was supplied.
	ErrMissingMemberID = errors.New("member id is required")
	// ErrStorageUnavailable means the mutation could not be committed after
	// exhausting conflict retries, or the store itself failed.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientCreditsError rejects a deduct that would take the balance
// negative. Carries both sides so the caller can render them.
type InsufficientCreditsError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %s, requested %s",
		e.Available.String(), e.Requested.String())
}
