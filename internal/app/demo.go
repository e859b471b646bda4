package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
	"github.com/xenking/oolio-kart-loyalty/internal/storage/memory"
)

// DemoCoupons is the coupon catalog shipped with the service.
func DemoCoupons() []coupon.Rule {
	return []coupon.Rule{
		{
			Code:         "SAI100",
			DiscountType: coupon.DiscountFixed,
			Value:        decimal.NewFromInt(100),
			Description:  "Welcome aboard: 100 off your first order",
			Singleton:    true,
		},
		{
			Code:         "HAPPYHOURS",
			DiscountType: coupon.DiscountPercentage,
			Value:        decimal.NewFromInt(18),
			Description:  "Happy Hours: 18% off entire order",
		},
		{
			Code:         "BUYGETONE",
			DiscountType: coupon.DiscountFreeLowest,
			Value:        decimal.Zero,
			MinItems:     2,
			Description:  "Buy one get one: lowest priced item free",
		},
	}
}

// OpeningAccount returns a new account whose wallet holds balance.
func OpeningAccount(id string, balance int64, now time.Time) (*account.Account, error) {
	acc := account.New(id, now)
	if balance == 0 {
		return acc, nil
	}
	if err := acc.CreditWallet(balance, account.Entry{Description: "opening balance", At: now}); err != nil {
		return nil, errors.Wrapf(err, "open account %s", id)
	}
	return acc, nil
}

// seedMemory fills a fresh in-memory store with the demo catalog and accounts.
func seedMemory(ctx context.Context, store *memory.Store, cfg DemoConfig, now time.Time) error {
	for _, rule := range DemoCoupons() {
		if err := store.PutCoupon(ctx, rule); err != nil {
			return errors.Wrapf(err, "put coupon %s", rule.Code)
		}
	}
	for _, id := range cfg.Accounts {
		acc, err := OpeningAccount(id, cfg.Balance, now)
		if err != nil {
			return err
		}
		if err := store.CreateAccount(ctx, acc); err != nil {
			return errors.Wrapf(err, "create account %s", id)
		}
	}
	return nil
}
