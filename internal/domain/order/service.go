package order

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/loyalty"
)

const instrumentationName = "github.com/xenking/oolio-kart-loyalty/internal/domain/order"

// CancelPolicy decides which non-terminal orders may still be cancelled.
type CancelPolicy string

const (
	// CancelAnyOpen allows cancelling any order that is not delivered.
	CancelAnyOpen CancelPolicy = "any_open"
	// CancelPendingOnly allows cancelling only orders still pending.
	CancelPendingOnly CancelPolicy = "pending_only"
)

// ParseCancelPolicy parses a policy name; the empty string selects CancelAnyOpen.
func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch p := CancelPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", CancelAnyOpen:
		return CancelAnyOpen, nil
	case CancelPendingOnly:
		return p, nil
	default:
		return "", errors.Errorf("unknown cancel policy %q", s)
	}
}

// PlaceOrderRequest holds the checkout snapshot for a new order.
type PlaceOrderRequest struct {
	AccountID     string
	Items         []Item
	CouponCode    string
	PaymentMethod PaymentMethod
	UseCredits    bool
}

func (r *PlaceOrderRequest) validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return ErrAccountNotFound
	}
	if len(r.Items) == 0 {
		return ErrEmptyItems
	}
	var subtotal int64
	for i, it := range r.Items {
		switch {
		case strings.TrimSpace(it.Name) == "":
			return &InvalidItemError{Index: i, Name: it.Name, Reason: "name required"}
		case it.Quantity <= 0:
			return &InvalidItemError{Index: i, Name: it.Name, Reason: "quantity must be greater than 0"}
		case it.UnitPrice < 0:
			return &InvalidItemError{Index: i, Name: it.Name, Reason: "price must not be negative"}
		case it.Quantity > MaxQuantity:
			return &InvalidItemError{Index: i, Name: it.Name, Reason: "quantity too large"}
		case it.UnitPrice > math.MaxInt64/int64(it.Quantity):
			return &InvalidItemError{Index: i, Name: it.Name, Reason: "line total too large"}
		}
		line := it.LineTotal()
		if subtotal > math.MaxInt64-line {
			return &InvalidItemError{Index: i, Name: it.Name, Reason: "order subtotal too large"}
		}
		subtotal += line
	}
	if strings.TrimSpace(string(r.PaymentMethod)) == "" {
		return ErrPaymentMethodRequired
	}
	return nil
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithCancelPolicy sets which orders may be cancelled.
func WithCancelPolicy(p CancelPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides order and event ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// WithMeterProvider sets the meter provider for order counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for order spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(instrumentationName) }
}

// Service places orders and drives their lifecycle. Every operation either
// commits all of its effects on the account and order or none of them.
type Service struct {
	ledger    Ledger
	coupons   coupon.Catalog
	publisher Publisher
	policy    CancelPolicy
	now       func() time.Time
	newID     func() string

	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	metrics       *metrics
}

// NewService creates an order Service backed by the ledger and coupon catalog.
func NewService(ledger Ledger, coupons coupon.Catalog, opts ...Option) (*Service, error) {
	s := &Service{
		ledger:        ledger,
		coupons:       coupons,
		publisher:     nopPublisher{},
		policy:        CancelAnyOpen,
		now:           time.Now,
		newID:         uuid.NewString,
		meterProvider: metricnoop.NewMeterProvider(),
		tracer:        tracenoop.NewTracerProvider().Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(s)
	}
	m, err := newMetrics(s.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	s.metrics = m
	return s, nil
}

// PlaceOrder validates the checkout, applies the coupon, redeems credits,
// settles the wallet and grants the reward in one atomic unit of work.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder",
		trace.WithAttributes(attribute.String("account.id", req.AccountID)),
	)
	defer func() {
		if rerr != nil {
			s.metrics.reject(ctx, "place", rerr)
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	o := &Order{
		ID:            s.newID(),
		AccountID:     req.AccountID,
		Items:         make([]Item, len(req.Items)),
		PaymentMethod: req.PaymentMethod,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, it := range req.Items {
		it.Name = strings.TrimSpace(it.Name)
		o.Items[i] = it
		o.Subtotal += it.LineTotal()
	}

	// The catalog is read-only, so the coupon is priced before taking the
	// account lock.
	rule, err := s.priceCoupon(ctx, o, req.CouponCode, now)
	if err != nil {
		return nil, err
	}
	o.Total = max(0, o.Subtotal-o.CouponDiscount)

	if err := s.ledger.Update(ctx, req.AccountID, func(ctx context.Context, tx Tx) error {
		acc, err := tx.Account(ctx)
		if err != nil {
			if errors.Is(err, account.ErrNotFound) {
				return ErrAccountNotFound
			}
			return errors.Wrap(err, "load account")
		}

		if rule != nil && rule.Singleton {
			ok, err := coupon.NewGuard(tx).TryRedeem(ctx, acc.ID, o.CouponCode)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrap(ErrCouponAlreadyUsed, o.CouponCode)
			}
			acc.MarkRedeemed(o.CouponCode)
		}

		o.CreditsRedeemed = loyalty.ComputeRedemption(acc.Credits, o.Total, req.UseCredits)
		o.ChargedAmount = o.Total - o.CreditsRedeemed

		if o.PaymentMethod == PaymentWallet && acc.BalanceMinor < o.ChargedAmount {
			return errors.Wrapf(ErrInsufficientBalance, "balance %d, charge %d", acc.BalanceMinor, o.ChargedAmount)
		}

		if err := settle(acc, o, now); err != nil {
			return err
		}
		if err := acc.Valid(); err != nil {
			return errors.Wrap(err, "account invariant")
		}
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return errors.Wrap(err, "save account")
		}
		if err := tx.CreateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.metrics.placed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("payment_method", string(o.PaymentMethod)),
		attribute.Bool("coupon", o.CouponCode != ""),
	))
	s.metrics.charged.Add(ctx, o.ChargedAmount)
	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.Int64("order.charged", o.ChargedAmount),
	)

	s.publish(ctx, Event{Type: EventOrderCreated, Order: o, OccurredAt: now})
	return o, nil
}

// priceCoupon resolves and evaluates the coupon, recording the discount on o.
func (s *Service) priceCoupon(ctx context.Context, o *Order, code string, now time.Time) (*coupon.Rule, error) {
	code = account.NormalizeCode(code)
	if code == "" {
		return nil, nil
	}
	rule, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, coupon.ErrInvalidCoupon) {
			return nil, err
		}
		return nil, errors.Wrap(err, "find coupon")
	}

	items := make([]coupon.Item, len(o.Items))
	for i, it := range o.Items {
		items[i] = coupon.Item{
			Name:     it.Name,
			Price:    decimal.NewFromInt(it.UnitPrice),
			Quantity: it.Quantity,
		}
	}
	d, err := coupon.Evaluate(rule, items, now)
	if err != nil {
		return nil, err
	}
	o.CouponCode = code
	o.CouponDiscount = min(d.Units(), o.Subtotal)
	return rule, nil
}

// settle applies the payment, redemption and reward of a new order.
func settle(acc *account.Account, o *Order, now time.Time) error {
	if o.PaymentMethod == PaymentWallet && o.ChargedAmount > 0 {
		if err := acc.DebitWallet(o.ChargedAmount, account.Entry{
			Description: "order payment",
			OrderID:     o.ID,
			At:          now,
		}); err != nil {
			return errors.Wrap(err, "debit wallet")
		}
	}
	if o.CreditsRedeemed > 0 {
		if err := acc.SpendCredits(o.CreditsRedeemed, account.Entry{
			Description: "credits redeemed",
			OrderID:     o.ID,
			At:          now,
		}); err != nil {
			return errors.Wrap(err, "spend credits")
		}
	}

	reward := loyalty.ComputeReward(o.ChargedAmount)
	o.XPEarned = reward.XP
	o.CreditsEarned = reward.Credits
	acc.Earn(reward, account.Entry{
		Description: "order reward",
		OrderID:     o.ID,
		At:          now,
	})
	acc.UpdatedAt = now
	return nil
}

// reverse undoes exactly the frozen effects of o. Revocation clamps at zero
// because the earned credits may already have been spent.
func reverse(acc *account.Account, o *Order, now time.Time) error {
	acc.Revoke(o.Reward(), account.Entry{
		Description: "reward revoked",
		OrderID:     o.ID,
		At:          now,
	})
	if o.CreditsRedeemed > 0 {
		if err := acc.RefundCredits(o.CreditsRedeemed, account.Entry{
			Description: "credits refunded",
			OrderID:     o.ID,
			At:          now,
		}); err != nil {
			return errors.Wrap(err, "refund credits")
		}
	}
	if o.PaymentMethod == PaymentWallet && o.ChargedAmount > 0 {
		if err := acc.CreditWallet(o.ChargedAmount, account.Entry{
			Description: "order refund",
			OrderID:     o.ID,
			At:          now,
		}); err != nil {
			return errors.Wrap(err, "refund wallet")
		}
	}
	acc.UpdatedAt = now
	return nil
}

// SetOrderStatus moves the order to target. Cancelling reverses the order's
// effects on the account in the same unit of work. Cancelling an already
// cancelled order returns it unchanged; setting the current non-terminal
// status again is a no-op.
func (s *Service) SetOrderStatus(ctx context.Context, orderID string, target Status) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.SetOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target_status", string(target)),
	))
	defer func() {
		if rerr != nil {
			s.metrics.reject(ctx, "set_status", rerr)
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if !target.Valid() {
		return nil, errors.Wrapf(ErrInvalidStatus, "%q", target)
	}

	current, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var (
		result   *Order
		previous Status
		changed  bool
	)
	if err := s.ledger.Update(ctx, current.AccountID, func(ctx context.Context, tx Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		result = o
		switch {
		case o.Status == StatusCancelled && target == StatusCancelled:
			return nil
		case o.Status.Terminal():
			return errors.Wrapf(ErrOrderAlreadyFinal, "order is %s", o.Status)
		case o.Status == target:
			return nil
		}

		if target == StatusCancelled {
			if s.policy == CancelPendingOnly && o.Status != StatusPending {
				return errors.Wrapf(ErrCancelNotAllowed, "order is %s", o.Status)
			}
			acc, err := tx.Account(ctx)
			if err != nil {
				if errors.Is(err, account.ErrNotFound) {
					return ErrAccountNotFound
				}
				return errors.Wrap(err, "load account")
			}
			if err := reverse(acc, o, now); err != nil {
				return err
			}
			if err := acc.Valid(); err != nil {
				return errors.Wrap(err, "account invariant")
			}
			if err := tx.SaveAccount(ctx, acc); err != nil {
				return errors.Wrap(err, "save account")
			}
		}

		previous = o.Status
		o.Status = target
		o.UpdatedAt = now
		if err := tx.UpdateOrderStatus(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		changed = true
		return nil
	}); err != nil {
		return nil, err
	}

	if changed {
		s.metrics.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(previous)),
			attribute.String("to", string(target)),
		))
		s.publish(ctx, Event{
			Type:           EventOrderStatusChanged,
			Order:          result,
			PreviousStatus: previous,
			OccurredAt:     now,
		})
	}
	return result, nil
}

// GetOrder returns the order by ID.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.ledger.GetOrder(ctx, orderID)
}

// GetAccount returns the account with its transaction log.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*account.Account, error) {
	acc, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, errors.Wrap(err, "get account")
	}
	return acc, nil
}

// publish is best effort: the commit already happened, so a delivery
// failure is only logged.
func (s *Service) publish(ctx context.Context, ev Event) {
	ev.ID = s.newID()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("event_type", string(ev.Type)),
			zap.String("order_id", ev.Order.ID),
			zap.Error(err),
		)
	}
}
