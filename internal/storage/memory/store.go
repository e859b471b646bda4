// Package memory implements the order ledger and coupon catalog in process
// memory. Each account has its own mutex, so units of work on different
// accounts never wait on each other.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

var (
	_ order.Ledger   = (*Store)(nil)
	_ coupon.Catalog = (*Store)(nil)
)

type accountSlot struct {
	mu sync.Mutex
	// acc is a committed snapshot. It is replaced on commit, never mutated.
	acc *account.Account
}

// Store is an in-memory ledger. Committed accounts and orders are immutable
// snapshots; readers clone them under the map lock.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*accountSlot
	orders   map[string]*order.Order
	coupons  map[string]*coupon.Rule
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*accountSlot),
		orders:   make(map[string]*order.Order),
		coupons:  make(map[string]*coupon.Rule),
	}
}

// CreateAccount registers a new account.
func (s *Store) CreateAccount(_ context.Context, acc *account.Account) error {
	if err := acc.Valid(); err != nil {
		return fmt.Errorf("create account %s: %w", acc.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; ok {
		return fmt.Errorf("create account %s: %w", acc.ID, account.ErrAlreadyExists)
	}
	s.accounts[acc.ID] = &accountSlot{acc: acc.Clone()}
	return nil
}

// GetAccount returns a copy of the committed account.
func (s *Store) GetAccount(_ context.Context, id string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("get account %s: %w", id, account.ErrNotFound)
	}
	return slot.acc.Clone(), nil
}

// GetOrder returns a copy of the committed order.
func (s *Store) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("get order %s: %w", id, order.ErrOrderNotFound)
	}
	return o.Clone(), nil
}

// PutCoupon adds or replaces a catalog rule.
func (s *Store) PutCoupon(_ context.Context, rule coupon.Rule) error {
	code := account.NormalizeCode(rule.Code)
	if code == "" {
		return fmt.Errorf("put coupon: %w", coupon.ErrInvalidCoupon)
	}
	rule.Code = code
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[code] = &rule
	return nil
}

// FindByCode returns the rule for code, or coupon.ErrInvalidCoupon.
func (s *Store) FindByCode(_ context.Context, code string) (*coupon.Rule, error) {
	code = account.NormalizeCode(code)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.coupons[code]
	if !ok {
		return nil, fmt.Errorf("find coupon %q: %w", code, coupon.ErrInvalidCoupon)
	}
	c := *rule
	return &c, nil
}

// Update runs fn holding the account's mutex. Staged writes are published
// only if fn succeeds; an unknown account still runs fn so that it can
// report account.ErrNotFound itself.
func (s *Store) Update(ctx context.Context, accountID string, fn func(ctx context.Context, tx order.Tx) error) error {
	s.mu.RLock()
	slot := s.accounts[accountID]
	s.mu.RUnlock()

	t := &tx{store: s, accountID: accountID, staged: make(map[string]*order.Order)}
	if slot != nil {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		t.base = slot.acc
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", order.ErrStorageCommit, err)
	}
	s.commit(slot, t)
	return nil
}

func (s *Store) commit(slot *accountSlot, t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.dirty && slot != nil {
		slot.acc = t.acc
	}
	for id, o := range t.staged {
		s.orders[id] = o
	}
}
