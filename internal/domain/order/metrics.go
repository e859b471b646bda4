package order

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
)

type metrics struct {
	placed      metric.Int64Counter
	rejected    metric.Int64Counter
	transitions metric.Int64Counter
	charged     metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.placed, err = meter.Int64Counter("loyalty.orders.placed",
		metric.WithDescription("Orders committed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders placed counter")
	}
	if m.rejected, err = meter.Int64Counter("loyalty.orders.rejected",
		metric.WithDescription("Order operations rejected before commit"),
	); err != nil {
		return nil, errors.Wrap(err, "orders rejected counter")
	}
	if m.transitions, err = meter.Int64Counter("loyalty.orders.transitions",
		metric.WithDescription("Order status transitions committed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders transitions counter")
	}
	if m.charged, err = meter.Int64Counter("loyalty.orders.charged",
		metric.WithDescription("Currency units charged to customers"),
		metric.WithUnit("{unit}"),
	); err != nil {
		return nil, errors.Wrap(err, "orders charged counter")
	}
	return &m, nil
}

func (m *metrics) reject(ctx context.Context, op string, err error) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", reasonOf(err)),
	))
}

// reasonOf maps an error to a low-cardinality label.
func reasonOf(err error) string {
	var itemErr *InvalidItemError
	switch {
	case errors.As(err, &itemErr):
		return "invalid_item"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrCouponAlreadyUsed):
		return "coupon_already_used"
	case errors.Is(err, coupon.ErrCouponExpired):
		return "coupon_expired"
	case errors.Is(err, coupon.ErrInvalidCoupon):
		return "invalid_coupon"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrOrderAlreadyFinal):
		return "already_final"
	case errors.Is(err, ErrCancelNotAllowed):
		return "cancel_not_allowed"
	case errors.Is(err, ErrEmptyItems), errors.Is(err, ErrPaymentMethodRequired), errors.Is(err, ErrInvalidStatus):
		return "validation"
	case errors.Is(err, ErrStorageCommit):
		return "storage_commit"
	default:
		return "internal"
	}
}
