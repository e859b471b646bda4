package coupon

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

// RedemptionStore records singleton coupon usage. MarkRedeemed must be one
// atomic conditional write: it returns true only for the caller that added
// the code, and false without mutating anything when the code is present.
type RedemptionStore interface {
	MarkRedeemed(ctx context.Context, accountID, code string) (bool, error)
}

// Guard enforces at-most-once redemption of singleton coupons per account.
type Guard struct {
	store RedemptionStore
}

// NewGuard creates a Guard backed by the given store.
func NewGuard(store RedemptionStore) *Guard {
	return &Guard{store: store}
}

// TryRedeem consumes the singleton code for the account. It reports false if
// the account had already used it.
func (g *Guard) TryRedeem(ctx context.Context, accountID, code string) (bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false, ErrInvalidCoupon
	}
	ok, err := g.store.MarkRedeemed(ctx, accountID, code)
	if err != nil {
		return false, errors.Wrap(err, "mark coupon redeemed")
	}
	return ok, nil
}
