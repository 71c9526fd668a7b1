package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory bitácora for demo/development mode.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
	nextID  int64
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// MemTx stages appends so the exchange engine's memory store can commit
// or roll back audit writes together with the rest of a transaction.
// The store mutex is held from Begin until Commit or Rollback.
type MemTx struct {
	store     *MemoryStore
	lenBefore int
	idBefore  int64
	done      bool
}

// Begin locks the store and opens a transactional view.
func (m *MemoryStore) Begin() *MemTx {
	m.mu.Lock()
	return &MemTx{store: m, lenBefore: len(m.entries), idBefore: m.nextID}
}

// Append adds an entry within the transaction.
func (t *MemTx) Append(e *Entry) error {
	e.ID = t.store.nextID
	t.store.nextID++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := copyEntry(e)
	t.store.entries = append(t.store.entries, cp)
	return nil
}

// Commit keeps the staged appends and unlocks the store.
func (t *MemTx) Commit() {
	if t.done {
		return
	}
	t.done = true
	t.store.mu.Unlock()
}

// Rollback discards staged appends. No-op after Commit; safe to defer.
func (t *MemTx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.store.entries = t.store.entries[:t.lenBefore]
	t.store.nextID = t.idBefore
	t.store.mu.Unlock()
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// --- Store interface ---

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	tx := m.Begin()
	defer tx.Rollback()
	if err := tx.Append(e); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (m *MemoryStore) ListByProposal(ctx context.Context, proposalID string, limit int) ([]*Entry, error) {
	return m.list(limit, func(e *Entry) bool { return e.ProposalID == proposalID })
}

func (m *MemoryStore) ListByExchange(ctx context.Context, exchangeID string, limit int) ([]*Entry, error) {
	return m.list(limit, func(e *Entry) bool { return e.ExchangeID == exchangeID })
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	return m.list(limit, func(e *Entry) bool { return e.BuyerID == userID || e.SellerID == userID })
}

func (m *MemoryStore) list(limit int, match func(*Entry) bool) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if match(m.entries[i]) {
			result = append(result, copyEntry(m.entries[i]))
		}
	}
	return result, nil
}
