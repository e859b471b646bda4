package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/loyalty"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

const (
	accountColumns = `id, balance, credits, xp, rank, created_at, updated_at`

	getAccountSQL          = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	getAccountForUpdateSQL = getAccountSQL + ` FOR UPDATE`

	insertAccountSQL = `INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	listRedeemedSQL = `SELECT code FROM redeemed_coupons WHERE account_id = $1`

	listTransactionsSQL = `SELECT kind, balance, amount, description, order_id, created_at
		FROM account_transactions WHERE account_id = $1 ORDER BY id`

	orderColumns = `id, account_id, subtotal, coupon_code, coupon_discount, total,
		credits_redeemed, charged_amount, payment_method, status,
		xp_earned, credits_earned, created_at, updated_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrderItemsSQL = `SELECT name, unit_price, quantity
		FROM order_items WHERE order_id = $1 ORDER BY position`
)

var transactionColumns = []string{
	"account_id", "kind", "balance", "amount", "description", "order_id", "created_at",
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

var _ order.Ledger = (*Ledger)(nil)

// Ledger implements order.Ledger backed by PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger returns a Ledger that uses the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Update runs fn inside a transaction. The first read through the Tx locks
// the account row, which serializes concurrent units of work on the same
// account until commit or rollback.
func (l *Ledger) Update(ctx context.Context, accountID string, fn func(ctx context.Context, tx order.Tx) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin: %w", order.ErrStorageCommit, err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &ledgerTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", order.ErrStorageCommit, err)
	}
	return nil
}

// GetAccount returns the account with its redeemed coupons and full
// transaction log.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	acc, err := loadAccount(ctx, l.pool, getAccountSQL, id)
	if err != nil {
		return nil, err
	}

	rows, err := l.pool.Query(ctx, listTransactionsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("listing transactions for %q: %w", id, err)
	}
	acc.Transactions, err = pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("listing transactions for %q: %w", id, err)
	}
	return acc, nil
}

// GetOrder returns the order with its items.
func (l *Ledger) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return loadOrder(ctx, l.pool, id)
}

// CreateAccount inserts a new account together with any opening
// transactions already recorded on it.
func (l *Ledger) CreateAccount(ctx context.Context, acc *account.Account) error {
	if err := acc.Valid(); err != nil {
		return fmt.Errorf("creating account %q: %w", acc.ID, err)
	}
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertAccountSQL,
			acc.ID, acc.BalanceMinor, acc.Credits, acc.XP, acc.Rank.String(), acc.CreatedAt, acc.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("creating account %q: %w", acc.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("creating account %q: %w", acc.ID, account.ErrAlreadyExists)
		}
		if err := insertTransactions(ctx, tx, acc.ID, acc.Transactions); err != nil {
			return err
		}
		for code := range acc.RedeemedCoupons {
			if _, err := tx.Exec(ctx, markRedeemedSQL, acc.ID, code); err != nil {
				return fmt.Errorf("creating account %q: %w", acc.ID, err)
			}
		}
		return nil
	})
}

func loadAccount(ctx context.Context, q querier, query, id string) (*account.Account, error) {
	var (
		acc  account.Account
		rank string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&acc.ID, &acc.BalanceMinor, &acc.Credits, &acc.XP, &rank, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %q: %w", id, account.ErrNotFound)
		}
		return nil, fmt.Errorf("loading account %q: %w", id, err)
	}
	if acc.Rank, err = loyalty.ParseRank(rank); err != nil {
		return nil, fmt.Errorf("loading account %q: %w", id, err)
	}

	rows, err := q.Query(ctx, listRedeemedSQL, id)
	if err != nil {
		return nil, fmt.Errorf("listing redeemed coupons for %q: %w", id, err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing redeemed coupons for %q: %w", id, err)
	}
	acc.RedeemedCoupons = make(map[string]struct{}, len(codes))
	for _, c := range codes {
		acc.RedeemedCoupons[c] = struct{}{}
	}
	return &acc, nil
}

func scanTransaction(row pgx.CollectableRow) (account.Transaction, error) {
	var (
		tr      account.Transaction
		kind    string
		balance string
	)
	if err := row.Scan(&kind, &balance, &tr.Amount, &tr.Description, &tr.OrderID, &tr.CreatedAt); err != nil {
		return account.Transaction{}, err
	}
	tr.Kind = account.Kind(kind)
	tr.Balance = account.Balance(balance)
	return tr, nil
}

func insertTransactions(ctx context.Context, q querier, accountID string, trs []account.Transaction) error {
	if len(trs) == 0 {
		return nil
	}
	_, err := q.CopyFrom(ctx, pgx.Identifier{"account_transactions"}, transactionColumns,
		pgx.CopyFromSlice(len(trs), func(i int) ([]any, error) {
			tr := trs[i]
			return []any{
				accountID, string(tr.Kind), string(tr.Balance), tr.Amount, tr.Description, tr.OrderID, tr.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("appending transactions for %q: %w", accountID, err)
	}
	return nil
}

func loadOrder(ctx context.Context, q querier, id string) (*order.Order, error) {
	var (
		o       order.Order
		method  string
		status  string
		created time.Time
		updated time.Time
	)
	err := q.QueryRow(ctx, getOrderSQL, id).Scan(
		&o.ID, &o.AccountID, &o.Subtotal, &o.CouponCode, &o.CouponDiscount, &o.Total,
		&o.CreditsRedeemed, &o.ChargedAmount, &method, &status,
		&o.XPEarned, &o.CreditsEarned, &created, &updated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %q: %w", id, order.ErrOrderNotFound)
		}
		return nil, fmt.Errorf("loading order %q: %w", id, err)
	}
	o.PaymentMethod = order.PaymentMethod(method)
	o.Status = order.Status(status)
	o.CreatedAt, o.UpdatedAt = created, updated

	rows, err := q.Query(ctx, listOrderItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", id, err)
	}
	o.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Item, error) {
		var (
			it  order.Item
			qty int32
		)
		if err := row.Scan(&it.Name, &it.UnitPrice, &qty); err != nil {
			return order.Item{}, err
		}
		it.Quantity = int(qty)
		return it, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", id, err)
	}
	return &o, nil
}
