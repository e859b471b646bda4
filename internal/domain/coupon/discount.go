package coupon

import (
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Apply calculates the discount for the given rule and cart items. The amount
// never exceeds the cart subtotal. It returns ErrInvalidCoupon when the cart
// does not satisfy the rule's minimum item count.
func Apply(rule *Rule, items []Item) (Discount, error) {
	if rule.MinItems > 0 && totalQuantity(items) < rule.MinItems {
		return Discount{}, ErrInvalidCoupon
	}

	subtotal := subtotalOf(items)

	var amount decimal.Decimal
	switch rule.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(rule.Value).Div(hundred)
	case DiscountFixed:
		amount = rule.Value
	case DiscountFreeLowest:
		amount = lowestUnitPrice(items)
	default:
		return Discount{}, errors.Errorf("unsupported discount type: %q", rule.DiscountType)
	}

	amount = decimal.Min(amount, subtotal)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return Discount{Amount: amount, Description: rule.Description}, nil
}

// Evaluate checks the rule's validity window at now and applies it.
func Evaluate(rule *Rule, items []Item, now time.Time) (Discount, error) {
	if err := rule.ActiveAt(now); err != nil {
		return Discount{}, err
	}
	return Apply(rule, items)
}

// Units returns the discount in whole currency units, rounded down so that a
// fractional percentage never discounts more than the rule allows.
func (d Discount) Units() int64 {
	return d.Amount.Floor().IntPart()
}

func subtotalOf(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}

func totalQuantity(items []Item) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

func lowestUnitPrice(items []Item) decimal.Decimal {
	if len(items) == 0 {
		return decimal.Zero
	}
	lowest := slices.MinFunc(items, func(a, b Item) int {
		return a.Price.Cmp(b.Price)
	})
	return lowest.Price
}
