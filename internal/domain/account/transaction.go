package account

import "time"

// Kind is the direction of a ledger entry.
type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

// Balance names which balance a ledger entry moved.
type Balance string

const (
	BalanceWallet  Balance = "wallet"
	BalanceCredits Balance = "credits"
)

// Transaction is one immutable entry of an account's ledger.
type Transaction struct {
	Kind        Kind
	Balance     Balance
	Amount      int64
	Description string
	// OrderID is empty for entries not caused by an order.
	OrderID   string
	CreatedAt time.Time
}

// Entry carries the descriptive part of a ledger mutation.
type Entry struct {
	Description string
	OrderID     string
	At          time.Time
}
