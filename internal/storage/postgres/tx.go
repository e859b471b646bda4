package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

const (
	markRedeemedSQL = `INSERT INTO redeemed_coupons (account_id, code)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`

	updateAccountSQL = `UPDATE accounts
		SET balance = $2, credits = $3, xp = $4, rank = $5, updated_at = $6
		WHERE id = $1`

	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	updateOrderStatusSQL = `UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND account_id = $2`
)

var orderItemColumns = []string{"order_id", "position", "name", "unit_price", "quantity"}

var _ order.Tx = (*ledgerTx)(nil)

// ledgerTx executes writes directly inside the pgx transaction. The
// account is loaded without its history; only entries appended during the
// unit of work are inserted on save.
type ledgerTx struct {
	tx        pgx.Tx
	accountID string
	acc       *account.Account
	persisted int
}

func (t *ledgerTx) Account(ctx context.Context) (*account.Account, error) {
	if t.acc != nil {
		return t.acc, nil
	}
	acc, err := loadAccount(ctx, t.tx, getAccountForUpdateSQL, t.accountID)
	if err != nil {
		return nil, err
	}
	t.acc = acc
	return acc, nil
}

func (t *ledgerTx) MarkRedeemed(ctx context.Context, accountID, code string) (bool, error) {
	if accountID != t.accountID {
		return false, fmt.Errorf("marking coupon redeemed: account %q is not locked", accountID)
	}
	if _, err := t.Account(ctx); err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, markRedeemedSQL, accountID, account.NormalizeCode(code))
	if err != nil {
		return false, fmt.Errorf("marking coupon %q redeemed: %w", code, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *ledgerTx) Order(ctx context.Context, id string) (*order.Order, error) {
	if _, err := t.Account(ctx); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, fmt.Errorf("order %q: %w", id, order.ErrOrderNotFound)
		}
		return nil, err
	}
	o, err := loadOrder(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if o.AccountID != t.accountID {
		return nil, fmt.Errorf("order %q: %w", id, order.ErrOrderNotFound)
	}
	return o, nil
}

func (t *ledgerTx) SaveAccount(ctx context.Context, acc *account.Account) error {
	if acc.ID != t.accountID {
		return fmt.Errorf("saving account %q: not locked", acc.ID)
	}
	if _, err := t.tx.Exec(ctx, updateAccountSQL,
		acc.ID, acc.BalanceMinor, acc.Credits, acc.XP, acc.Rank.String(), acc.UpdatedAt,
	); err != nil {
		return fmt.Errorf("saving account %q: %w", acc.ID, err)
	}
	if err := insertTransactions(ctx, t.tx, acc.ID, acc.Transactions[t.persisted:]); err != nil {
		return err
	}
	t.persisted = len(acc.Transactions)
	return nil
}

func (t *ledgerTx) CreateOrder(ctx context.Context, o *order.Order) error {
	if _, err := t.tx.Exec(ctx, insertOrderSQL,
		o.ID, o.AccountID, o.Subtotal, o.CouponCode, o.CouponDiscount, o.Total,
		o.CreditsRedeemed, o.ChargedAmount, string(o.PaymentMethod), string(o.Status),
		o.XPEarned, o.CreditsEarned, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"order_items"}, orderItemColumns,
		pgx.CopyFromSlice(len(o.Items), func(i int) ([]any, error) {
			it := o.Items[i]
			return []any{o.ID, int32(i), it.Name, it.UnitPrice, int32(it.Quantity)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("creating items of order %q: %w", o.ID, err)
	}
	return nil
}

func (t *ledgerTx) UpdateOrderStatus(ctx context.Context, o *order.Order) error {
	tag, err := t.tx.Exec(ctx, updateOrderStatusSQL, o.ID, t.accountID, string(o.Status), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating order %q: %w", o.ID, order.ErrOrderNotFound)
	}
	return nil
}
