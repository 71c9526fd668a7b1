package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
//
// All mutations go through a MemTx, which holds the store mutex from
// Begin until Commit or Rollback. The exchange engine's memory store
// opens a MemTx so wallet moves, movements, and exchange rows commit or
// roll back together, mirroring the PostgreSQL transaction scope.
type MemoryStore struct {
	mu             sync.Mutex
	wallets        map[string]*Wallet // by wallet ID
	byUser         map[string]string  // user ID -> wallet ID
	movements      []*Movement
	purchases      map[string]bool // purchase reference -> applied
	nextMovementID int64
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:        make(map[string]*Wallet),
		byUser:         make(map[string]string),
		purchases:      make(map[string]bool),
		nextMovementID: 1,
	}
}

// MemTx is a transactional view over the memory store. Writes are undone
// on Rollback; the store mutex is held for the lifetime of the MemTx.
type MemTx struct {
	store          *MemoryStore
	walletsBefore  map[string]*Wallet // copy-on-first-write originals; nil value = created in tx
	usersAdded     []string
	movementsLen   int
	purchasesAdded []string
	nextIDBefore   int64
	done           bool
}

// Begin locks the store and opens a transactional view.
func (m *MemoryStore) Begin() *MemTx {
	m.mu.Lock()
	return &MemTx{
		store:         m,
		walletsBefore: make(map[string]*Wallet),
		movementsLen:  len(m.movements),
		nextIDBefore:  m.nextMovementID,
	}
}

// Commit makes the transaction's writes permanent and unlocks the store.
func (t *MemTx) Commit() {
	if t.done {
		return
	}
	t.done = true
	t.store.mu.Unlock()
}

// Rollback undoes all writes and unlocks the store. It is a no-op after
// Commit, so it is safe to defer.
func (t *MemTx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	s := t.store
	for id, orig := range t.walletsBefore {
		if orig == nil {
			delete(s.wallets, id)
		} else {
			s.wallets[id] = orig
		}
	}
	for _, userID := range t.usersAdded {
		delete(s.byUser, userID)
	}
	s.movements = s.movements[:t.movementsLen]
	for _, ref := range t.purchasesAdded {
		delete(s.purchases, ref)
	}
	s.nextMovementID = t.nextIDBefore
	s.mu.Unlock()
}

// touch snapshots a wallet before its first mutation in this transaction.
func (t *MemTx) touch(walletID string) {
	if _, ok := t.walletsBefore[walletID]; ok {
		return
	}
	if w, ok := t.store.wallets[walletID]; ok {
		cp := *w
		t.walletsBefore[walletID] = &cp
	} else {
		t.walletsBefore[walletID] = nil
	}
}

// EnsureWallet returns the user's wallet, creating it if absent.
func (t *MemTx) EnsureWallet(userID string, startingCredits int64) (*Wallet, error) {
	if id, ok := t.store.byUser[userID]; ok {
		cp := *t.store.wallets[id]
		return &cp, nil
	}
	now := time.Now()
	w := &Wallet{
		ID:        generateWalletID(),
		UserID:    userID,
		Available: startingCredits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.touch(w.ID)
	t.store.wallets[w.ID] = w
	t.store.byUser[userID] = w.ID
	t.usersAdded = append(t.usersAdded, userID)
	cp := *w
	return &cp, nil
}

// GetWalletByUser returns the user's wallet.
func (t *MemTx) GetWalletByUser(userID string) (*Wallet, error) {
	id, ok := t.store.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *t.store.wallets[id]
	return &cp, nil
}

// GetWallet returns a wallet by ID.
func (t *MemTx) GetWallet(walletID string) (*Wallet, error) {
	w, ok := t.store.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

// MoveToHeld atomically moves amount from available to held. Returns the
// available balance before and after.
func (t *MemTx) MoveToHeld(walletID string, amount int64) (before, after int64, err error) {
	w, ok := t.store.wallets[walletID]
	if !ok {
		return 0, 0, ErrWalletNotFound
	}
	if w.Available < amount {
		return 0, 0, ErrInsufficientFunds
	}
	t.touch(walletID)
	before = w.Available
	w.Available -= amount
	w.Held += amount
	w.UpdatedAt = time.Now()
	return before, w.Available, nil
}

// ReleaseHeld decrements held and, if toAvailable, credits available on
// the same wallet. For settlement the credit lands on the counterparty's
// wallet via CreditAvailable instead.
func (t *MemTx) ReleaseHeld(walletID string, amount int64, toAvailable bool) (before, after int64, err error) {
	w, ok := t.store.wallets[walletID]
	if !ok {
		return 0, 0, ErrWalletNotFound
	}
	if w.Held < amount {
		return 0, 0, ErrInsufficientFunds
	}
	t.touch(walletID)
	before = w.Available
	w.Held -= amount
	if toAvailable {
		w.Available += amount
	}
	w.UpdatedAt = time.Now()
	return before, w.Available, nil
}

// CreditAvailable adds amount to the available balance.
func (t *MemTx) CreditAvailable(walletID string, amount int64) (before, after int64, err error) {
	w, ok := t.store.wallets[walletID]
	if !ok {
		return 0, 0, ErrWalletNotFound
	}
	t.touch(walletID)
	before = w.Available
	w.Available += amount
	w.UpdatedAt = time.Now()
	return before, w.Available, nil
}

// DebitAvailable removes amount from the available balance.
func (t *MemTx) DebitAvailable(walletID string, amount int64) (before, after int64, err error) {
	w, ok := t.store.wallets[walletID]
	if !ok {
		return 0, 0, ErrWalletNotFound
	}
	if w.Available < amount {
		return 0, 0, ErrInsufficientFunds
	}
	t.touch(walletID)
	before = w.Available
	w.Available -= amount
	w.UpdatedAt = time.Now()
	return before, w.Available, nil
}

// AppendMovement assigns the next monotonic ID and appends the row.
func (t *MemTx) AppendMovement(m *Movement) error {
	m.ID = t.store.nextMovementID
	t.store.nextMovementID++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	t.store.movements = append(t.store.movements, &cp)
	return nil
}

// MarkPurchase records a purchase reference; reports whether it was
// already applied.
func (t *MemTx) MarkPurchase(reference string) (already bool) {
	if t.store.purchases[reference] {
		return true
	}
	t.store.purchases[reference] = true
	t.purchasesAdded = append(t.purchasesAdded, reference)
	return false
}

// --- Store interface ---

func (m *MemoryStore) EnsureWallet(ctx context.Context, userID string, startingCredits int64) (*Wallet, error) {
	tx := m.Begin()
	defer tx.Rollback()
	w, err := tx.EnsureWallet(userID, startingCredits)
	if err != nil {
		return nil, err
	}
	tx.Commit()
	return w, nil
}

func (m *MemoryStore) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	tx := m.Begin()
	defer tx.Rollback()
	return tx.GetWalletByUser(userID)
}

func (m *MemoryStore) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	tx := m.Begin()
	defer tx.Rollback()
	return tx.GetWallet(walletID)
}

func (m *MemoryStore) History(ctx context.Context, walletID string, limit int) ([]*Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Movement
	for i := len(m.movements) - 1; i >= 0 && len(result) < limit; i-- {
		if m.movements[i].WalletID == walletID {
			cp := *m.movements[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) PurchaseCredits(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	tx := m.Begin()
	defer tx.Rollback()

	w, err := tx.GetWalletByUser(userID)
	if err != nil {
		return nil, err
	}
	if tx.MarkPurchase(reference) {
		tx.Commit()
		return w, ErrDuplicatePurchase
	}

	before, after, err := tx.CreditAvailable(w.ID, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendMovement(&Movement{
		WalletID:      w.ID,
		TypeCode:      TypeCreditPurchase,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceID:   reference,
		ReferenceKind: RefPurchase,
		Description:   description,
	}); err != nil {
		return nil, err
	}

	updated, err := tx.GetWallet(w.ID)
	if err != nil {
		return nil, err
	}
	tx.Commit()
	return updated, nil
}
