// Package ledger tracks per-user credit wallets and the append-only
// movement ledger that justifies every balance.
//
// Flow:
//  1. A wallet is created lazily the first time a user is seen
//  2. Credit-package purchases credit the available balance (simulated,
//     idempotent by purchase reference — no real-money processing)
//  3. The exchange engine moves credits between available and held and
//     between wallets; every balance change writes exactly one movement
//     whose before/after values match the mutation in the same transaction
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/trueque-io/trueque/internal/idgen"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicatePurchase = errors.New("purchase already processed")
)

// Movement type codes. The movement_types catalog is created lazily from
// these; is_debit records the sign applied to the available balance.
const (
	TypeExchangeHold   = "RETENCION_INTERCAMBIO"             // buyer available -> held
	TypeExchangePay    = "INTERCAMBIO"                       // seller credited at settlement
	TypeHoldApplied    = "LIBERACION_RETENCION_INTERCAMBIO"  // balance-neutral, documents the applied hold
	TypeHoldReturned   = "DEVOLUCION_RETENCION_INTERCAMBIO"  // buyer held -> available on cancellation
	TypeCreditPurchase = "COMPRA_CREDITOS"                   // credit-package purchase
)

// IsDebit reports whether a movement type debits the available balance.
func IsDebit(code string) bool {
	switch code {
	case TypeExchangeHold, TypeHoldApplied:
		return true
	}
	return false
}

// Reference kinds link a movement to the record that caused it.
const (
	RefExchange = "exchange"
	RefProposal = "proposal"
	RefPurchase = "purchase"
)

// Wallet holds a user's credit balances. available and held are
// non-negative integer credits; a wallet is never deleted.
type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Available int64     `json:"available"`
	Held      int64     `json:"held"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Movement is one append-only ledger row. BalanceBefore/BalanceAfter are
// the available balance at write time; rows are never updated or deleted.
type Movement struct {
	ID            int64     `json:"id"`
	WalletID      string    `json:"walletId"`
	TypeCode      string    `json:"typeCode"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	ReferenceID   string    `json:"referenceId,omitempty"`
	ReferenceKind string    `json:"referenceKind,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists wallets and movements.
type Store interface {
	EnsureWallet(ctx context.Context, userID string, startingCredits int64) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	GetWallet(ctx context.Context, walletID string) (*Wallet, error)
	History(ctx context.Context, walletID string, limit int) ([]*Movement, error)
	PurchaseCredits(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error)
}

// Ledger manages wallet balances and the movement history.
type Ledger struct {
	store           Store
	startingCredits int64
	maxPurchase     int64
}

// Option configures the ledger.
type Option func(*Ledger)

// WithStartingCredits grants new wallets an initial available balance.
func WithStartingCredits(n int64) Option {
	return func(l *Ledger) { l.startingCredits = n }
}

// WithMaxPurchase caps a single credit-package purchase.
func WithMaxPurchase(n int64) Option {
	return func(l *Ledger) { l.maxPurchase = n }
}

// New creates a new ledger.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, maxPurchase: 10000}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Balance returns the user's wallet, creating it on first use.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Wallet, error) {
	return l.store.EnsureWallet(ctx, userID, l.startingCredits)
}

// History returns the user's most recent movements, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Movement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	w, err := l.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.store.History(ctx, w.ID, limit)
}

// Purchase credits a simulated credit-package purchase. Repeating the
// same reference is a no-op: the store reports ErrDuplicatePurchase and
// no second movement is written.
func (l *Ledger) Purchase(ctx context.Context, userID string, amount int64, reference string) (*Wallet, error) {
	if amount <= 0 || amount > l.maxPurchase {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, errors.New("purchase reference is required")
	}
	if _, err := l.store.EnsureWallet(ctx, userID, l.startingCredits); err != nil {
		return nil, err
	}
	return l.store.PurchaseCredits(ctx, userID, amount, reference, "credit package purchase")
}

func generateWalletID() string {
	return idgen.WithPrefix("wal_")
}
