package order

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/loyalty"
)

// --- Mock implementations ---

type mockLedger struct {
	mu        sync.Mutex
	accounts  map[string]*account.Account
	orders    map[string]*Order
	commitErr error
}

func newMockLedger(accs ...*account.Account) *mockLedger {
	l := &mockLedger{
		accounts: make(map[string]*account.Account),
		orders:   make(map[string]*Order),
	}
	for _, a := range accs {
		l.accounts[a.ID] = a
	}
	return l
}

func (l *mockLedger) Update(ctx context.Context, accountID string, fn func(ctx context.Context, tx Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &mockTx{l: l, accountID: accountID, orders: make(map[string]*Order)}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if l.commitErr != nil {
		return fmt.Errorf("%w: %w", ErrStorageCommit, l.commitErr)
	}
	if t.saved != nil {
		l.accounts[accountID] = t.saved
	}
	maps.Copy(l.orders, t.orders)
	return nil
}

func (l *mockLedger) GetOrder(_ context.Context, id string) (*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (l *mockLedger) GetAccount(_ context.Context, id string) (*account.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return a.Clone(), nil
}

type mockTx struct {
	l         *mockLedger
	accountID string
	acc       *account.Account
	saved     *account.Account
	orders    map[string]*Order
}

func (t *mockTx) Account(context.Context) (*account.Account, error) {
	if t.acc == nil {
		a, ok := t.l.accounts[t.accountID]
		if !ok {
			return nil, account.ErrNotFound
		}
		t.acc = a.Clone()
	}
	return t.acc, nil
}

func (t *mockTx) MarkRedeemed(ctx context.Context, _, code string) (bool, error) {
	acc, err := t.Account(ctx)
	if err != nil {
		return false, err
	}
	return acc.MarkRedeemed(code), nil
}

func (t *mockTx) Order(_ context.Context, id string) (*Order, error) {
	o, ok := t.l.orders[id]
	if !ok || o.AccountID != t.accountID {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (t *mockTx) SaveAccount(_ context.Context, acc *account.Account) error {
	t.saved = acc.Clone()
	return nil
}

func (t *mockTx) CreateOrder(_ context.Context, o *Order) error {
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *mockTx) UpdateOrderStatus(_ context.Context, o *Order) error {
	t.orders[o.ID] = o.Clone()
	return nil
}

type mockCatalog struct {
	rules map[string]*coupon.Rule
	err   error
}

func (c *mockCatalog) FindByCode(_ context.Context, code string) (*coupon.Rule, error) {
	if c.err != nil {
		return nil, c.err
	}
	r, ok := c.rules[code]
	if !ok {
		return nil, coupon.ErrInvalidCoupon
	}
	return r, nil
}

type mockPublisher struct {
	events []Event
	err    error
}

func (p *mockPublisher) Publish(_ context.Context, ev Event) error {
	p.events = append(p.events, ev)
	return p.err
}

// --- Helpers ---

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func fundedAccount(t *testing.T, id string, wallet int64) *account.Account {
	t.Helper()
	a := account.New(id, testNow)
	if wallet > 0 {
		require.NoError(t, a.CreditWallet(wallet, account.Entry{Description: "opening balance", At: testNow}))
	}
	return a
}

func testCatalog() *mockCatalog {
	past := testNow.Add(-48 * time.Hour)
	return &mockCatalog{rules: map[string]*coupon.Rule{
		"SAI100": {
			Code: "SAI100", DiscountType: coupon.DiscountFixed,
			Value: decimal.NewFromInt(100), Singleton: true,
		},
		"HAPPYHOURS": {
			Code: "HAPPYHOURS", DiscountType: coupon.DiscountPercentage,
			Value: decimal.NewFromInt(18),
		},
		"OLD": {
			Code: "OLD", DiscountType: coupon.DiscountFixed,
			Value: decimal.NewFromInt(10), ValidUntil: &past,
		},
	}}
}

func newTestService(t *testing.T, l Ledger, opts ...Option) (*Service, *mockPublisher) {
	t.Helper()
	pub := &mockPublisher{}
	seq := 0
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithPublisher(pub),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	}, opts...)
	svc, err := NewService(l, testCatalog(), opts...)
	require.NoError(t, err)
	return svc, pub
}

func waffle(price int64) []Item {
	return []Item{{Name: "Waffle", UnitPrice: price, Quantity: 1}}
}

// --- Tests ---

func TestPlaceOrder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     PlaceOrderRequest
		wantErr error
	}{
		{
			name:    "empty items",
			req:     PlaceOrderRequest{AccountID: "u1", PaymentMethod: PaymentWallet},
			wantErr: ErrEmptyItems,
		},
		{
			name:    "missing payment method",
			req:     PlaceOrderRequest{AccountID: "u1", Items: waffle(10)},
			wantErr: ErrPaymentMethodRequired,
		},
		{
			name:    "unknown account",
			req:     PlaceOrderRequest{AccountID: "ghost", Items: waffle(10), PaymentMethod: PaymentWallet},
			wantErr: ErrAccountNotFound,
		},
		{
			name:    "blank account",
			req:     PlaceOrderRequest{Items: waffle(10), PaymentMethod: PaymentWallet},
			wantErr: ErrAccountNotFound,
		},
		{
			name:    "unknown coupon",
			req:     PlaceOrderRequest{AccountID: "u1", Items: waffle(10), PaymentMethod: PaymentWallet, CouponCode: "BOGUS"},
			wantErr: coupon.ErrInvalidCoupon,
		},
		{
			name:    "expired coupon",
			req:     PlaceOrderRequest{AccountID: "u1", Items: waffle(10), PaymentMethod: PaymentWallet, CouponCode: "old"},
			wantErr: coupon.ErrCouponExpired,
		},
		{
			name:    "insufficient balance",
			req:     PlaceOrderRequest{AccountID: "u1", Items: waffle(600), PaymentMethod: PaymentWallet},
			wantErr: ErrInsufficientBalance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMockLedger(fundedAccount(t, "u1", 500))
			svc, pub := newTestService(t, l)

			_, err := svc.PlaceOrder(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			acc, err := l.GetAccount(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(500), acc.BalanceMinor)
			assert.Empty(t, l.orders)
			assert.Empty(t, pub.events)
		})
	}
}

func TestPlaceOrder_InvalidItem(t *testing.T) {
	tests := []struct {
		name      string
		items     []Item
		wantIndex int
	}{
		{name: "zero quantity", items: []Item{{Name: "Waffle", UnitPrice: 10}}},
		{name: "negative price", items: []Item{{Name: "Waffle", UnitPrice: -1, Quantity: 1}}},
		{name: "blank name", items: []Item{{Name: " ", UnitPrice: 1, Quantity: 1}}},
		{name: "quantity above column range", items: []Item{{Name: "Waffle", UnitPrice: 1, Quantity: MaxQuantity + 1}}},
		{
			name:  "line total overflows",
			items: []Item{{Name: "Feast", UnitPrice: math.MaxInt64, Quantity: 2}, {Name: "Burger", UnitPrice: 150, Quantity: 1}},
		},
		{
			name: "subtotal overflows",
			items: []Item{
				{Name: "Feast", UnitPrice: math.MaxInt64 - 100, Quantity: 1},
				{Name: "Burger", UnitPrice: 150, Quantity: 1},
			},
			wantIndex: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMockLedger(fundedAccount(t, "u1", 500))
			svc, _ := newTestService(t, l)
			_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				AccountID: "u1", Items: tt.items, PaymentMethod: PaymentWallet,
			})
			var itemErr *InvalidItemError
			require.ErrorAs(t, err, &itemErr)
			assert.Equal(t, tt.wantIndex, itemErr.Index)
			assert.Empty(t, l.orders)
		})
	}
}

func TestPlaceOrder_Wallet(t *testing.T) {
	l := newMockLedger(fundedAccount(t, "u1", 500))
	svc, pub := newTestService(t, l)

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:     "u1",
		Items:         []Item{{Name: "Waffle", UnitPrice: 50, Quantity: 3}},
		PaymentMethod: PaymentWallet,
	})
	require.NoError(t, err)

	assert.Equal(t, "id-1", o.ID)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(150), o.Subtotal)
	assert.Equal(t, int64(150), o.Total)
	assert.Equal(t, int64(150), o.ChargedAmount)
	assert.Equal(t, int64(15), o.XPEarned)
	assert.Equal(t, int64(1), o.CreditsEarned)
	assert.Equal(t, testNow, o.CreatedAt)

	acc, err := l.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), acc.BalanceMinor)
	assert.Equal(t, int64(15), acc.XP)
	assert.Equal(t, int64(1), acc.Credits)
	assert.Equal(t, loyalty.RankCadet, acc.Rank)

	// opening balance, wallet debit, credits earned
	require.Len(t, acc.Transactions, 3)
	assert.Equal(t, account.KindDebit, acc.Transactions[1].Kind)
	assert.Equal(t, account.BalanceWallet, acc.Transactions[1].Balance)
	assert.Equal(t, o.ID, acc.Transactions[1].OrderID)
	assert.Equal(t, account.BalanceCredits, acc.Transactions[2].Balance)

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventOrderCreated, pub.events[0].Type)
	assert.Equal(t, "id-2", pub.events[0].ID)
	assert.Equal(t, o.ID, pub.events[0].Order.ID)
}

func TestPlaceOrder_NonWalletSkipsBalanceCheck(t *testing.T) {
	l := newMockLedger(fundedAccount(t, "u1", 0))
	svc, _ := newTestService(t, l)

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "u1", Items: waffle(2_000), PaymentMethod: "card",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), o.ChargedAmount)

	acc, err := l.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.BalanceMinor)
	assert.Equal(t, int64(200), acc.XP)
	assert.Equal(t, int64(20), acc.Credits)
	assert.Equal(t, loyalty.RankLieutenant, acc.Rank)
}

func TestPlaceOrder_Coupons(t *testing.T) {
	tests := []struct {
		name         string
		code         string
		price        int64
		wantDiscount int64
		wantCharged  int64
	}{
		{name: "fixed", code: "sai100", price: 300, wantDiscount: 100, wantCharged: 200},
		{name: "fixed capped at subtotal", code: "SAI100", price: 60, wantDiscount: 60, wantCharged: 0},
		{name: "percentage floors", code: "HAPPYHOURS", price: 33, wantDiscount: 5, wantCharged: 28},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMockLedger(fundedAccount(t, "u1", 500))
			svc, _ := newTestService(t, l)

			o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				AccountID: "u1", Items: waffle(tt.price), PaymentMethod: PaymentWallet, CouponCode: tt.code,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDiscount, o.CouponDiscount)
			assert.Equal(t, tt.wantCharged, o.ChargedAmount)
			assert.Equal(t, loyalty.ComputeReward(tt.wantCharged).XP, o.XPEarned)
		})
	}
}

func TestPlaceOrder_SingletonCouponOnce(t *testing.T) {
	l := newMockLedger(fundedAccount(t, "u1", 1_000))
	svc, _ := newTestService(t, l)
	req := PlaceOrderRequest{AccountID: "u1", Items: waffle(300), PaymentMethod: PaymentWallet, CouponCode: "SAI100"}

	_, err := svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrCouponAlreadyUsed)

	// Non-singleton codes are reusable.
	req.CouponCode = "HAPPYHOURS"
	_, err = svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
}

func TestPlaceOrder_FailedOrderKeepsCoupon(t *testing.T) {
	l := newMockLedger(fundedAccount(t, "u1", 100))
	svc, _ := newTestService(t, l)

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "u1", Items: waffle(500), PaymentMethod: PaymentWallet, CouponCode: "SAI100",
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	acc, err := l.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, acc.HasRedeemed("SAI100"))
}

func TestPlaceOrder_UseCredits(t *testing.T) {
	acc := fundedAccount(t, "u1", 500)
	acc.Earn(loyalty.Reward{XP: 500, Credits: 40}, account.Entry{At: testNow})
	l := newMockLedger(acc)
	svc, _ := newTestService(t, l)

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "u1", Items: waffle(25), PaymentMethod: PaymentWallet, UseCredits: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), o.CreditsRedeemed)
	assert.Equal(t, int64(0), o.ChargedAmount)
	assert.True(t, o.Reward().IsZero())

	got, err := l.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.BalanceMinor)
	assert.Equal(t, int64(15), got.Credits)
	assert.Equal(t, int64(500), got.XP, "spending credits keeps XP")
	assert.Equal(t, loyalty.RankCaptain, got.Rank)
}

func TestPlaceOrder_CommitFailure(t *testing.T) {
	l := newMockLedger(fundedAccount(t, "u1", 500))
	l.commitErr = fmt.Errorf("connection reset")
	svc, pub := newTestService(t, l)

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "u1", Items: waffle(100), PaymentMethod: PaymentWallet,
	})
	require.ErrorIs(t, err, ErrStorageCommit)
	assert.True(t, IsRetryable(err))
	assert.Empty(t, pub.events)
}

func TestPlaceOrder_PublishFailureIsIgnored(t *testing.T) {
	l := newMockLedger(fundedAccount(t, "u1", 500))
	svc, pub := newTestService(t, l)
	pub.err = fmt.Errorf("broker down")

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: "u1", Items: waffle(100), PaymentMethod: PaymentWallet,
	})
	require.NoError(t, err)
	_, err = l.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
}

func TestSetOrderStatus_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		target  Status
		policy  CancelPolicy
		wantErr error
	}{
		{name: "forward", path: []Status{StatusPreparing}, target: StatusOutForDelivery},
		{name: "skip ahead", target: StatusDelivered},
		{name: "same status", path: []Status{StatusPreparing}, target: StatusPreparing},
		{name: "cancel preparing", path: []Status{StatusPreparing}, target: StatusCancelled},
		{name: "delivered is final", path: []Status{StatusDelivered}, target: StatusCancelled, wantErr: ErrOrderAlreadyFinal},
		{name: "cancelled is final", path: []Status{StatusCancelled}, target: StatusPreparing, wantErr: ErrOrderAlreadyFinal},
		{name: "cancel twice", path: []Status{StatusCancelled}, target: StatusCancelled},
		{name: "unknown status", target: Status("lost"), wantErr: ErrInvalidStatus},
		{
			name: "pending only policy", path: []Status{StatusPreparing}, target: StatusCancelled,
			policy: CancelPendingOnly, wantErr: ErrCancelNotAllowed,
		},
		{name: "pending only allows pending", target: StatusCancelled, policy: CancelPendingOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMockLedger(fundedAccount(t, "u1", 500))
			var opts []Option
			if tt.policy != "" {
				opts = append(opts, WithCancelPolicy(tt.policy))
			}
			svc, _ := newTestService(t, l, opts...)
			ctx := context.Background()

			o, err := svc.PlaceOrder(ctx, PlaceOrderRequest{AccountID: "u1", Items: waffle(100), PaymentMethod: PaymentWallet})
			require.NoError(t, err)
			for _, st := range tt.path {
				_, err := svc.SetOrderStatus(ctx, o.ID, st)
				require.NoError(t, err)
			}

			got, err := svc.SetOrderStatus(ctx, o.ID, tt.target)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, got.Status)

			stored, err := svc.GetOrder(ctx, o.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.target, stored.Status)
		})
	}
}

func TestSetOrderStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(t, newMockLedger())
	_, err := svc.SetOrderStatus(context.Background(), "nope", StatusCancelled)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSetOrderStatus_CancelReversesExactly(t *testing.T) {
	l := newMockLedger(fundedAccount(t, "u1", 5_000))
	svc, pub := newTestService(t, l)
	ctx := context.Background()

	// Earn 25 credits, then spend them.
	first, err := svc.PlaceOrder(ctx, PlaceOrderRequest{AccountID: "u1", Items: waffle(2_500), PaymentMethod: PaymentWallet})
	require.NoError(t, err)
	before, err := l.GetAccount(ctx, "u1")
	require.NoError(t, err)

	second, err := svc.PlaceOrder(ctx, PlaceOrderRequest{
		AccountID: "u1", Items: waffle(1_000), PaymentMethod: PaymentWallet, UseCredits: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), second.CreditsRedeemed)
	assert.Equal(t, int64(975), second.ChargedAmount)

	_, err = svc.SetOrderStatus(ctx, second.ID, StatusCancelled)
	require.NoError(t, err)

	after, err := l.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.BalanceMinor, after.BalanceMinor)
	assert.Equal(t, before.Credits, after.Credits)
	assert.Equal(t, before.XP, after.XP)
	assert.Equal(t, before.Rank, after.Rank)

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, EventOrderStatusChanged, last.Type)
	assert.Equal(t, StatusPending, last.PreviousStatus)
	assert.Equal(t, StatusCancelled, last.Order.Status)

	// Cancelling the first order after its credits were spent clamps at zero.
	_, err = svc.PlaceOrder(ctx, PlaceOrderRequest{
		AccountID: "u1", Items: waffle(250), PaymentMethod: PaymentWallet, UseCredits: true,
	})
	require.NoError(t, err)
	_, err = svc.SetOrderStatus(ctx, first.ID, StatusCancelled)
	require.NoError(t, err)

	final, err := l.GetAccount(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, final.Valid())
	assert.Equal(t, int64(0), final.Credits)
	assert.Equal(t, int64(20), final.XP)
	assert.Equal(t, loyalty.RankCadet, final.Rank)
}

func TestSetOrderStatus_IdempotentCancelPublishesOnce(t *testing.T) {
	l := newMockLedger(fundedAccount(t, "u1", 500))
	svc, pub := newTestService(t, l)
	ctx := context.Background()

	o, err := svc.PlaceOrder(ctx, PlaceOrderRequest{AccountID: "u1", Items: waffle(150), PaymentMethod: PaymentWallet})
	require.NoError(t, err)
	for range 3 {
		got, err := svc.SetOrderStatus(ctx, o.ID, StatusCancelled)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	}

	acc, err := l.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.BalanceMinor)
	assert.Len(t, pub.events, 2)
}

func TestGetAccount_NotFound(t *testing.T) {
	svc, _ := newTestService(t, newMockLedger())
	_, err := svc.GetAccount(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{in: "pending", want: StatusPending},
		{in: "Preparing", want: StatusPreparing},
		{in: "out_for_delivery", want: StatusOutForDelivery},
		{in: "OutForDelivery", want: StatusOutForDelivery},
		{in: "out-for-delivery", want: StatusOutForDelivery},
		{in: " Delivered ", want: StatusDelivered},
		{in: "CANCELLED", want: StatusCancelled},
		{in: "refunded", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCancelPolicy(t *testing.T) {
	p, err := ParseCancelPolicy("")
	require.NoError(t, err)
	assert.Equal(t, CancelAnyOpen, p)

	p, err = ParseCancelPolicy("PENDING_ONLY")
	require.NoError(t, err)
	assert.Equal(t, CancelPendingOnly, p)

	_, err = ParseCancelPolicy("never")
	require.Error(t, err)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, "coupon_already_used", reasonOf(fmt.Errorf("x: %w", ErrCouponAlreadyUsed)))
	assert.Equal(t, "invalid_item", reasonOf(&InvalidItemError{}))
	assert.Equal(t, "storage_commit", reasonOf(ErrStorageCommit))
	assert.Equal(t, "internal", reasonOf(fmt.Errorf("boom")))
}
