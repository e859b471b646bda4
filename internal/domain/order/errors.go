package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors returned by the Service. All of them except
// ErrStorageCommit are raised before anything is written.
var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrCouponAlreadyUsed     = errors.New("coupon already used")
	ErrInsufficientBalance   = errors.New("insufficient wallet balance")
	ErrOrderAlreadyFinal     = errors.New("order already final")
	ErrCancelNotAllowed      = errors.New("order can no longer be cancelled")
	ErrEmptyItems            = errors.New("items required")
	ErrPaymentMethodRequired = errors.New("payment method required")
	ErrInvalidStatus         = errors.New("invalid order status")

	// ErrStorageCommit marks a failed atomic commit. Nothing was applied, so
	// the caller may retry.
	ErrStorageCommit = errors.New("storage commit failed")
)

// InvalidItemError indicates a cart line that cannot be priced.
type InvalidItemError struct {
	Index  int
	Name   string
	Reason string
}

func (e *InvalidItemError) Error() string {
	return fmt.Sprintf("item %d (%s): %s", e.Index, e.Name, e.Reason)
}

// IsRetryable reports whether err is a transient commit failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageCommit)
}
