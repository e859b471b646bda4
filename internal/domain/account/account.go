// Package account models a customer's loyalty economy: wallet balance,
// redeemable credits, experience, rank and the append-only transaction log.
//
// All mutations go through methods on Account so that balances never go
// negative and Rank always matches XP.
package account

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/loyalty"
)

var (
	// ErrNotFound is returned by stores when no account has the given ID.
	ErrNotFound = errors.New("account not found")
	// ErrAlreadyExists is returned when creating an account whose ID is taken.
	ErrAlreadyExists = errors.New("account already exists")
	// ErrInsufficientFunds is returned when a debit would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for non-positive transaction amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Account is one registered user's loyalty state.
type Account struct {
	ID           string
	BalanceMinor int64
	Credits      int64
	XP           int64
	Rank         loyalty.Rank
	// RedeemedCoupons holds upper-cased singleton coupon codes already consumed.
	RedeemedCoupons map[string]struct{}
	// Transactions is the log as loaded by the store followed by entries
	// appended during the current unit of work.
	Transactions []Transaction
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// New returns a fresh account with zero balances.
func New(id string, now time.Time) *Account {
	return &Account{
		ID:              id,
		Rank:            loyalty.RankCadet,
		RedeemedCoupons: make(map[string]struct{}),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy, used by stores to stage changes.
func (a *Account) Clone() *Account {
	c := *a
	c.RedeemedCoupons = maps.Clone(a.RedeemedCoupons)
	if c.RedeemedCoupons == nil {
		c.RedeemedCoupons = make(map[string]struct{})
	}
	c.Transactions = slices.Clone(a.Transactions)
	return &c
}

// HasRedeemed reports whether the singleton coupon was already consumed.
func (a *Account) HasRedeemed(code string) bool {
	_, ok := a.RedeemedCoupons[NormalizeCode(code)]
	return ok
}

// MarkRedeemed records the coupon and reports whether it was newly added.
func (a *Account) MarkRedeemed(code string) bool {
	code = NormalizeCode(code)
	if _, ok := a.RedeemedCoupons[code]; ok {
		return false
	}
	if a.RedeemedCoupons == nil {
		a.RedeemedCoupons = make(map[string]struct{})
	}
	a.RedeemedCoupons[code] = struct{}{}
	return true
}

// DebitWallet removes amount from the wallet balance.
func (a *Account) DebitWallet(amount int64, entry Entry) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.BalanceMinor < amount {
		return errors.Wrapf(ErrInsufficientFunds, "wallet balance %d, need %d", a.BalanceMinor, amount)
	}
	a.BalanceMinor -= amount
	a.append(KindDebit, BalanceWallet, amount, entry)
	return nil
}

// CreditWallet adds amount to the wallet balance.
func (a *Account) CreditWallet(amount int64, entry Entry) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	a.BalanceMinor += amount
	a.append(KindCredit, BalanceWallet, amount, entry)
	return nil
}

// SpendCredits removes redeemed credits. XP is not touched: spending credits
// does not undo experience.
func (a *Account) SpendCredits(amount int64, entry Entry) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if a.Credits < amount {
		return errors.Wrapf(ErrInsufficientFunds, "credits %d, need %d", a.Credits, amount)
	}
	a.Credits -= amount
	a.append(KindDebit, BalanceCredits, amount, entry)
	return nil
}

// RefundCredits returns previously spent credits.
func (a *Account) RefundCredits(amount int64, entry Entry) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	a.Credits += amount
	a.append(KindCredit, BalanceCredits, amount, entry)
	return nil
}

// Earn adds a reward's XP and credits together and re-ranks the account.
func (a *Account) Earn(r loyalty.Reward, entry Entry) {
	a.XP += r.XP
	a.Credits += r.Credits
	if r.Credits > 0 {
		a.append(KindCredit, BalanceCredits, r.Credits, entry)
	}
	a.Rank = loyalty.ClassifyRank(a.XP)
}

// Revoke removes a previously earned reward, clamping at zero, and re-ranks
// the account. The debit entry records the credits actually removed.
func (a *Account) Revoke(r loyalty.Reward, entry Entry) {
	a.XP = max(0, a.XP-r.XP)
	removed := min(a.Credits, r.Credits)
	a.Credits -= removed
	if r.Credits > 0 && removed > 0 {
		a.append(KindDebit, BalanceCredits, removed, entry)
	}
	a.Rank = loyalty.ClassifyRank(a.XP)
}

// Valid checks the invariants every committed account must satisfy.
func (a *Account) Valid() error {
	switch {
	case a.BalanceMinor < 0:
		return errors.Errorf("account %s: negative wallet balance %d", a.ID, a.BalanceMinor)
	case a.Credits < 0:
		return errors.Errorf("account %s: negative credits %d", a.ID, a.Credits)
	case a.XP < 0:
		return errors.Errorf("account %s: negative xp %d", a.ID, a.XP)
	case a.Rank != loyalty.ClassifyRank(a.XP):
		return errors.Errorf("account %s: rank %s out of sync with xp %d", a.ID, a.Rank, a.XP)
	}
	return nil
}

// Progress describes how far an account is from its next rank.
type Progress struct {
	Next      loyalty.Rank
	XPToNext  int64
	HasNext   bool
	Threshold int64
}

// RankProgress reports the next tier and the XP still missing to reach it.
func (a *Account) RankProgress() Progress {
	next, ok := a.Rank.Next()
	if !ok {
		return Progress{Next: a.Rank, Threshold: a.Rank.Threshold()}
	}
	return Progress{
		Next:      next,
		XPToNext:  max(0, next.Threshold()-a.XP),
		HasNext:   true,
		Threshold: next.Threshold(),
	}
}

func (a *Account) append(kind Kind, balance Balance, amount int64, entry Entry) {
	a.Transactions = append(a.Transactions, Transaction{
		Kind:        kind,
		Balance:     balance,
		Amount:      amount,
		Description: entry.Description,
		OrderID:     entry.OrderID,
		CreatedAt:   entry.At,
	})
	a.UpdatedAt = entry.At
}

// NormalizeCode canonicalises a coupon code for set membership.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
