package order

import (
	"context"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
)

// Ledger is the durable store for accounts, orders and the transaction log.
type Ledger interface {
	// Update runs fn with exclusive access to the account. Everything fn
	// writes through tx becomes visible atomically when fn returns nil and is
	// discarded otherwise. Commit failures wrap ErrStorageCommit.
	Update(ctx context.Context, accountID string, fn func(ctx context.Context, tx Tx) error) error
	// GetOrder returns ErrOrderNotFound when no order has the ID.
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// GetAccount returns account.ErrNotFound when no account has the ID.
	GetAccount(ctx context.Context, accountID string) (*account.Account, error)
}

// Tx is a unit of work bound to a single account.
type Tx interface {
	coupon.RedemptionStore

	// Account returns a working copy of the bound account, or
	// account.ErrNotFound.
	Account(ctx context.Context) (*account.Account, error)
	// Order returns a working copy of an order owned by the bound account,
	// or ErrOrderNotFound.
	Order(ctx context.Context, orderID string) (*Order, error)

	SaveAccount(ctx context.Context, acc *account.Account) error
	CreateOrder(ctx context.Context, o *Order) error
	UpdateOrderStatus(ctx context.Context, o *Order) error
}
