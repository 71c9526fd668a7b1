package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestBalance_CreatesWalletOnFirstUse(t *testing.T) {
	l := New(NewMemoryStore(), WithStartingCredits(25))
	ctx := context.Background()

	w, err := l.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if w.Available != 25 || w.Held != 0 {
		t.Errorf("new wallet: available=%d held=%d, want 25/0", w.Available, w.Held)
	}
	if w.UserID != "alice" {
		t.Errorf("wallet user: %s", w.UserID)
	}

	// The starting grant happens once.
	again, err := l.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("second Balance failed: %v", err)
	}
	if again.ID != w.ID {
		t.Errorf("wallet recreated: %s != %s", again.ID, w.ID)
	}
	if again.Available != 25 {
		t.Errorf("starting credits granted twice: %d", again.Available)
	}
}

func TestPurchase_CreditsWalletAndRecordsMovement(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()

	w, err := l.Purchase(ctx, "alice", 100, "ref-001")
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if w.Available != 100 {
		t.Errorf("available = %d, want 100", w.Available)
	}

	movements, err := l.History(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(movements))
	}
	m := movements[0]
	if m.TypeCode != TypeCreditPurchase {
		t.Errorf("type = %s, want %s", m.TypeCode, TypeCreditPurchase)
	}
	if m.BalanceBefore != 0 || m.BalanceAfter != 100 {
		t.Errorf("balances %d->%d, want 0->100", m.BalanceBefore, m.BalanceAfter)
	}
	if m.ReferenceID != "ref-001" || m.ReferenceKind != RefPurchase {
		t.Errorf("reference %s/%s", m.ReferenceKind, m.ReferenceID)
	}
}

func TestPurchase_DuplicateReferenceIsIdempotent(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if _, err := l.Purchase(ctx, "alice", 100, "ref-001"); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}
	if _, err := l.Purchase(ctx, "alice", 100, "ref-001"); !errors.Is(err, ErrDuplicatePurchase) {
		t.Fatalf("repeat purchase: got %v, want ErrDuplicatePurchase", err)
	}

	w, _ := l.Balance(ctx, "alice")
	if w.Available != 100 {
		t.Errorf("credited twice: available=%d", w.Available)
	}
	movements, _ := l.History(ctx, "alice", 10)
	if len(movements) != 1 {
		t.Errorf("expected 1 movement, got %d", len(movements))
	}
}

func TestPurchase_Validation(t *testing.T) {
	l := New(NewMemoryStore(), WithMaxPurchase(500))
	ctx := context.Background()

	if _, err := l.Purchase(ctx, "alice", 0, "ref"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := l.Purchase(ctx, "alice", -5, "ref"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := l.Purchase(ctx, "alice", 501, "ref"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("over cap: got %v, want ErrInvalidAmount", err)
	}
	if _, err := l.Purchase(ctx, "alice", 100, ""); err == nil {
		t.Error("empty reference should be rejected")
	}
}

func TestHistory_NewestFirstWithLimit(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := l.Purchase(ctx, "alice", int64(i*10), fmt.Sprintf("ref-%03d", i)); err != nil {
			t.Fatalf("purchase %d failed: %v", i, err)
		}
	}

	movements, err := l.History(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(movements) != 3 {
		t.Fatalf("expected 3 movements, got %d", len(movements))
	}
	if movements[0].Amount != 50 || movements[1].Amount != 40 || movements[2].Amount != 30 {
		t.Errorf("not newest first: %d, %d, %d",
			movements[0].Amount, movements[1].Amount, movements[2].Amount)
	}
}

func TestHistory_UnknownUser(t *testing.T) {
	l := New(NewMemoryStore())

	if _, err := l.History(context.Background(), "nobody", 10); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("got %v, want ErrWalletNotFound", err)
	}
}

func TestIsDebit(t *testing.T) {
	debits := []string{TypeExchangeHold, TypeHoldApplied}
	credits := []string{TypeExchangePay, TypeHoldReturned, TypeCreditPurchase}

	for _, code := range debits {
		if !IsDebit(code) {
			t.Errorf("%s should be a debit", code)
		}
	}
	for _, code := range credits {
		if IsDebit(code) {
			t.Errorf("%s should not be a debit", code)
		}
	}
}

func TestMemTx_RollbackDiscardsWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.EnsureWallet(ctx, "alice", 100); err != nil {
		t.Fatalf("EnsureWallet failed: %v", err)
	}
	w, _ := store.GetWalletByUser(ctx, "alice")

	tx := store.Begin()
	if _, _, err := tx.MoveToHeld(w.ID, 40); err != nil {
		tx.Rollback()
		t.Fatalf("MoveToHeld failed: %v", err)
	}
	if err := tx.AppendMovement(&Movement{
		WalletID: w.ID, TypeCode: TypeExchangeHold, Amount: 40,
	}); err != nil {
		tx.Rollback()
		t.Fatalf("AppendMovement failed: %v", err)
	}
	if _, err := tx.EnsureWallet("bob", 0); err != nil {
		tx.Rollback()
		t.Fatalf("EnsureWallet in tx failed: %v", err)
	}
	tx.Rollback()

	after, _ := store.GetWalletByUser(ctx, "alice")
	if after.Available != 100 || after.Held != 0 {
		t.Errorf("rollback did not restore wallet: available=%d held=%d", after.Available, after.Held)
	}
	if movements, _ := store.History(ctx, w.ID, 10); len(movements) != 0 {
		t.Errorf("rollback left %d movements", len(movements))
	}
	if _, err := store.GetWalletByUser(ctx, "bob"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("rollback left created wallet: %v", err)
	}
}

func TestMemTx_InsufficientFunds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.EnsureWallet(ctx, "alice", 10); err != nil {
		t.Fatalf("EnsureWallet failed: %v", err)
	}
	w, _ := store.GetWalletByUser(ctx, "alice")

	tx := store.Begin()
	_, _, err := tx.MoveToHeld(w.ID, 50)
	tx.Rollback()
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}
}
