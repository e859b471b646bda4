package memory

import (
	"context"
	"fmt"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

var _ order.Tx = (*tx)(nil)

// tx stages writes for one account until the enclosing Update commits.
type tx struct {
	store     *Store
	accountID string
	base      *account.Account
	acc       *account.Account
	dirty     bool
	staged    map[string]*order.Order
}

func (t *tx) Account(context.Context) (*account.Account, error) {
	if t.base == nil {
		return nil, fmt.Errorf("account %s: %w", t.accountID, account.ErrNotFound)
	}
	if t.acc == nil {
		t.acc = t.base.Clone()
	}
	return t.acc, nil
}

func (t *tx) MarkRedeemed(ctx context.Context, accountID, code string) (bool, error) {
	if accountID != t.accountID {
		return false, fmt.Errorf("mark redeemed: account %s is not locked", accountID)
	}
	acc, err := t.Account(ctx)
	if err != nil {
		return false, err
	}
	if !acc.MarkRedeemed(code) {
		return false, nil
	}
	t.dirty = true
	return true, nil
}

func (t *tx) Order(_ context.Context, id string) (*order.Order, error) {
	if o, ok := t.staged[id]; ok {
		return o.Clone(), nil
	}
	t.store.mu.RLock()
	o, ok := t.store.orders[id]
	t.store.mu.RUnlock()
	if !ok || o.AccountID != t.accountID {
		return nil, fmt.Errorf("order %s: %w", id, order.ErrOrderNotFound)
	}
	return o.Clone(), nil
}

func (t *tx) SaveAccount(_ context.Context, acc *account.Account) error {
	if t.base == nil || acc.ID != t.accountID {
		return fmt.Errorf("save account %s: %w", acc.ID, account.ErrNotFound)
	}
	t.acc = acc.Clone()
	t.dirty = true
	return nil
}

func (t *tx) CreateOrder(_ context.Context, o *order.Order) error {
	if o.AccountID != t.accountID {
		return fmt.Errorf("create order %s: account %s is not locked", o.ID, o.AccountID)
	}
	t.store.mu.RLock()
	_, exists := t.store.orders[o.ID]
	t.store.mu.RUnlock()
	if _, staged := t.staged[o.ID]; exists || staged {
		return fmt.Errorf("create order %s: duplicate id", o.ID)
	}
	t.staged[o.ID] = o.Clone()
	return nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, o *order.Order) error {
	cur, err := t.Order(ctx, o.ID)
	if err != nil {
		return err
	}
	cur.Status = o.Status
	cur.UpdatedAt = o.UpdatedAt
	t.staged[o.ID] = cur
	return nil
}
