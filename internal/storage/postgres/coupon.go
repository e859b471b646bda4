package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT code, discount_type, value, min_items, description,
		valid_from, valid_until, singleton
		FROM coupons WHERE code = UPPER($1) AND active = TRUE`

	upsertCouponSQL = `INSERT INTO coupons
		(code, discount_type, value, min_items, description, valid_from, valid_until, singleton)
		VALUES (UPPER($1), $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			min_items = EXCLUDED.min_items,
			description = EXCLUDED.description,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			singleton = EXCLUDED.singleton,
			active = TRUE`
)

var _ coupon.Catalog = (*CouponCatalog)(nil)

// CouponCatalog implements coupon.Catalog backed by PostgreSQL.
type CouponCatalog struct {
	pool *pgxpool.Pool
}

// NewCouponCatalog returns a CouponCatalog that uses the given pool.
func NewCouponCatalog(pool *pgxpool.Pool) *CouponCatalog {
	return &CouponCatalog{pool: pool}
}

// FindByCode looks up an active coupon by its code (case-insensitive).
// Returns coupon.ErrInvalidCoupon when no matching active coupon exists.
func (c *CouponCatalog) FindByCode(ctx context.Context, code string) (*coupon.Rule, error) {
	code = account.NormalizeCode(code)
	rows, err := c.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanCouponRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrInvalidCoupon
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &rule, nil
}

// Upsert inserts or replaces a single rule.
func (c *CouponCatalog) Upsert(ctx context.Context, rule coupon.Rule) error {
	_, err := c.UpsertBatch(ctx, []coupon.Rule{rule})
	return err
}

// UpsertBatch inserts or replaces rules in one round trip and returns the
// number of rows written.
func (c *CouponCatalog) UpsertBatch(ctx context.Context, rules []coupon.Rule) (int64, error) {
	if len(rules) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, r := range rules {
		code := account.NormalizeCode(r.Code)
		if code == "" {
			return 0, fmt.Errorf("upserting coupon: %w", coupon.ErrInvalidCoupon)
		}
		b.Queue(upsertCouponSQL,
			code, string(r.DiscountType), r.Value, int32(r.MinItems), r.Description,
			r.ValidFrom, r.ValidUntil, r.Singleton,
		)
	}

	br := c.pool.SendBatch(ctx, b)
	var written int64
	for range rules {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return written, fmt.Errorf("upserting coupons: %w", err)
		}
		written += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return written, fmt.Errorf("upserting coupons: %w", err)
	}
	return written, nil
}

func scanCouponRule(row pgx.CollectableRow) (coupon.Rule, error) {
	var (
		rule         coupon.Rule
		discountType string
		value        decimal.Decimal
		minItems     int32
		validFrom    *time.Time
		validUntil   *time.Time
	)
	err := row.Scan(
		&rule.Code, &discountType, &value, &minItems, &rule.Description,
		&validFrom, &validUntil, &rule.Singleton,
	)
	if err != nil {
		return coupon.Rule{}, err
	}
	rule.DiscountType = coupon.DiscountType(discountType)
	rule.Value = value
	rule.MinItems = int(minItems)
	rule.ValidFrom = validFrom
	rule.ValidUntil = validUntil
	return rule, nil
}
