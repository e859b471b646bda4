package order

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/loyalty"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPreparing      Status = "preparing"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

var statuses = []Status{
	StatusPending,
	StatusPreparing,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCancelled,
}

// ParseStatus accepts snake_case, kebab-case, spaced or CamelCase status
// names, e.g. "out_for_delivery", "Out for delivery" or "OutForDelivery".
func ParseStatus(s string) (Status, error) {
	key := statusKey(s)
	for _, st := range statuses {
		if statusKey(string(st)) == key {
			return st, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidStatus, "%q", s)
}

func statusKey(s string) string {
	r := strings.NewReplacer("_", "", "-", "", " ", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(s)))
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(statuses, s)
}

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// PaymentMethod names how the order is paid. Only PaymentWallet is settled by
// the engine; every other method is trusted as asserted by the checkout.
type PaymentMethod string

// PaymentWallet settles the order against the account's wallet balance.
const PaymentWallet PaymentMethod = "wallet"

// Item is a cart line as priced at checkout. The price is a snapshot and is
// never re-read from a catalog.
type Item struct {
	Name      string
	UnitPrice int64
	Quantity  int
}

// MaxQuantity bounds a line's quantity; order_items stores it as INTEGER.
const MaxQuantity = math.MaxInt32

// LineTotal returns UnitPrice * Quantity. Validated orders never overflow.
func (i Item) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Order is a durable checkout record. The reward and redemption fields are
// frozen at creation: cancellation reverses exactly these values.
type Order struct {
	ID              string
	AccountID       string
	Items           []Item
	Subtotal        int64
	CouponCode      string
	CouponDiscount  int64
	Total           int64
	CreditsRedeemed int64
	ChargedAmount   int64
	PaymentMethod   PaymentMethod
	Status          Status
	XPEarned        int64
	CreditsEarned   int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Reward returns the frozen reward granted when the order was placed.
func (o *Order) Reward() loyalty.Reward {
	return loyalty.Reward{XP: o.XPEarned, Credits: o.CreditsEarned}
}

// Clone returns a copy that shares nothing with o.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	return &c
}
