package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trueque-io/trueque/internal/storage"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *storage.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *storage.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) EnsureWallet(ctx context.Context, userID string, startingCredits int64) (*Wallet, error) {
	var w *Wallet
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = EnsureWalletTx(ctx, tx, userID, startingCredits)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	return p.scanWallet(ctx, `
		SELECT id, user_id, available, held, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID)
}

func (p *PostgresStore) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	return p.scanWallet(ctx, `
		SELECT id, user_id, available, held, created_at, updated_at
		FROM wallets WHERE id = $1
	`, walletID)
}

func (p *PostgresStore) scanWallet(ctx context.Context, query, arg string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx, query, arg).
		Scan(&w.ID, &w.UserID, &w.Available, &w.Held, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) History(ctx context.Context, walletID string, limit int) ([]*Movement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.wallet_id, t.code, m.amount, m.balance_before, m.balance_after,
		       COALESCE(m.reference_id, ''), COALESCE(m.reference_kind, ''),
		       COALESCE(m.description, ''), m.created_at
		FROM movements m
		JOIN movement_types t ON t.id = m.type_id
		WHERE m.wallet_id = $1
		ORDER BY m.id DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []*Movement
	for rows.Next() {
		m := &Movement{}
		if err := rows.Scan(&m.ID, &m.WalletID, &m.TypeCode, &m.Amount, &m.BalanceBefore,
			&m.BalanceAfter, &m.ReferenceID, &m.ReferenceKind, &m.Description, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// PurchaseCredits applies a simulated credit-package purchase in one
// transaction: record the purchase reference (idempotent insert), credit
// the wallet, and write the movement.
func (p *PostgresStore) PurchaseCredits(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	var w *Wallet
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = GetWalletByUserForUpdateTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO credit_purchases (reference, user_id, amount, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (reference) DO NOTHING
		`, reference, userID, amount)
		if err != nil {
			return fmt.Errorf("failed to record purchase: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrDuplicatePurchase
		}

		before, after, err := CreditAvailableTx(ctx, tx, w.ID, amount)
		if err != nil {
			return err
		}
		w.Available = after

		return InsertMovementTx(ctx, tx, &Movement{
			WalletID:      w.ID,
			TypeCode:      TypeCreditPurchase,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			ReferenceID:   reference,
			ReferenceKind: RefPurchase,
			Description:   description,
		})
	})
	if err == ErrDuplicatePurchase {
		// Idempotent retry: surface the current wallet alongside the sentinel.
		current, gerr := p.GetWalletByUser(ctx, userID)
		if gerr != nil {
			return nil, gerr
		}
		return current, ErrDuplicatePurchase
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// -----------------------------------------------------------------------------
// Transaction-scoped helpers
//
// The exchange engine composes these inside its own scoped transaction so
// wallet moves, movements, exchange rows, and audit entries commit or
// roll back together. Every mutation locks the wallet row before reading
// its balance.
// -----------------------------------------------------------------------------

// EnsureWalletTx returns the user's wallet, creating it if absent.
func EnsureWalletTx(ctx context.Context, tx *sql.Tx, userID string, startingCredits int64) (*Wallet, error) {
	w, err := GetWalletByUserForUpdateTx(ctx, tx, userID)
	if err == nil {
		return w, nil
	}
	if err != ErrWalletNotFound {
		return nil, err
	}

	w = &Wallet{
		ID:        generateWalletID(),
		UserID:    userID,
		Available: startingCredits,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, available, held, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
	`, w.ID, w.UserID, w.Available)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return w, nil
}

// GetWalletByUserForUpdateTx locks and returns the user's wallet row.
func GetWalletByUserForUpdateTx(ctx context.Context, tx *sql.Tx, userID string) (*Wallet, error) {
	return scanWalletTx(ctx, tx, `
		SELECT id, user_id, available, held, created_at, updated_at
		FROM wallets WHERE user_id = $1
		FOR UPDATE
	`, userID)
}

// GetWalletForUpdateTx locks and returns a wallet row by ID.
func GetWalletForUpdateTx(ctx context.Context, tx *sql.Tx, walletID string) (*Wallet, error) {
	return scanWalletTx(ctx, tx, `
		SELECT id, user_id, available, held, created_at, updated_at
		FROM wallets WHERE id = $1
		FOR UPDATE
	`, walletID)
}

func scanWalletTx(ctx context.Context, tx *sql.Tx, query, arg string) (*Wallet, error) {
	w := &Wallet{}
	err := tx.QueryRowContext(ctx, query, arg).
		Scan(&w.ID, &w.UserID, &w.Available, &w.Held, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// MoveToHeldTx moves amount from available to held on a locked wallet
// row. The CHECK constraint on available >= 0 backs the application-level
// balance check.
func MoveToHeldTx(ctx context.Context, tx *sql.Tx, walletID string, amount int64) (before, after int64, err error) {
	w, err := GetWalletForUpdateTx(ctx, tx, walletID)
	if err != nil {
		return 0, 0, err
	}
	if w.Available < amount {
		return 0, 0, ErrInsufficientFunds
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET available = available - $2, held = held + $2, updated_at = NOW()
		WHERE id = $1
	`, walletID, amount)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to move credits to held: %w", err)
	}
	return w.Available, w.Available - amount, nil
}

// ReleaseHeldTx decrements held and, if toAvailable, credits available on
// the same wallet. Settlement credits the counterparty's wallet with
// CreditAvailableTx instead.
func ReleaseHeldTx(ctx context.Context, tx *sql.Tx, walletID string, amount int64, toAvailable bool) (before, after int64, err error) {
	w, err := GetWalletForUpdateTx(ctx, tx, walletID)
	if err != nil {
		return 0, 0, err
	}
	if w.Held < amount {
		return 0, 0, ErrInsufficientFunds
	}
	query := `UPDATE wallets SET held = held - $2, updated_at = NOW() WHERE id = $1`
	if toAvailable {
		query = `UPDATE wallets SET held = held - $2, available = available + $2, updated_at = NOW() WHERE id = $1`
	}
	if _, err := tx.ExecContext(ctx, query, walletID, amount); err != nil {
		return 0, 0, fmt.Errorf("failed to release held credits: %w", err)
	}
	after = w.Available
	if toAvailable {
		after += amount
	}
	return w.Available, after, nil
}

// CreditAvailableTx adds amount to a locked wallet's available balance.
func CreditAvailableTx(ctx context.Context, tx *sql.Tx, walletID string, amount int64) (before, after int64, err error) {
	w, err := GetWalletForUpdateTx(ctx, tx, walletID)
	if err != nil {
		return 0, 0, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET available = available + $2, updated_at = NOW()
		WHERE id = $1
	`, walletID, amount)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to credit wallet: %w", err)
	}
	return w.Available, w.Available + amount, nil
}

// InsertMovementTx appends a ledger row, creating the movement type
// catalog entry lazily.
func InsertMovementTx(ctx context.Context, tx *sql.Tx, m *Movement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO movement_types (code, is_debit) VALUES ($1, $2)
		ON CONFLICT (code) DO NOTHING
	`, m.TypeCode, IsDebit(m.TypeCode))
	if err != nil {
		return fmt.Errorf("failed to ensure movement type: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO movements (wallet_id, type_id, amount, balance_before, balance_after,
		                       reference_id, reference_kind, description, created_at)
		VALUES ($1, (SELECT id FROM movement_types WHERE code = $2), $3, $4, $5,
		        NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NOW())
		RETURNING id
	`, m.WalletID, m.TypeCode, m.Amount, m.BalanceBefore, m.BalanceAfter,
		m.ReferenceID, m.ReferenceKind, m.Description).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to record movement: %w", err)
	}
	return nil
}
