package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/trueque-io/trueque/internal/audit"
	"github.com/trueque-io/trueque/internal/ledger"
)

// MemoryStore is an in-memory exchange store for demo/development mode.
// It composes the ledger and audit memory stores so one InTx covers
// wallet moves, movements, bitácora entries, and the engine's own rows,
// mirroring the single PostgreSQL transaction.
//
// Lock order is fixed: store mutex, then ledger, then audit. All three
// are held from the start of InTx until it returns.
type MemoryStore struct {
	ledger          *ledger.MemoryStore
	audit           *audit.MemoryStore
	startingCredits int64

	mu             sync.Mutex
	proposals      map[string]*Proposal
	proposalOrder  []string
	exchanges      map[string]*Exchange
	exchangeOrder  []string
	holds          map[string]*Hold // by hold ID
	holdByExchange map[string]string
}

// NewMemoryStore creates an in-memory exchange store over the given
// ledger and audit stores.
func NewMemoryStore(l *ledger.MemoryStore, a *audit.MemoryStore, startingCredits int64) *MemoryStore {
	return &MemoryStore{
		ledger:          l,
		audit:           a,
		startingCredits: startingCredits,
		proposals:       make(map[string]*Proposal),
		exchanges:       make(map[string]*Exchange),
		holds:           make(map[string]*Hold),
		holdByExchange:  make(map[string]string),
	}
}

type memTx struct {
	s   *MemoryStore
	ltx *ledger.MemTx
	atx *audit.MemTx

	proposalsBefore map[string]*Proposal // copy-on-first-write; nil value = created in tx
	exchangesBefore map[string]*Exchange
	holdsBefore     map[string]*Hold
	proposalLen     int
	exchangeLen     int
	holdIdxAdded    []string
}

// InTx runs fn inside one transaction across all three stores. Any error
// rolls every write back.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ltx := m.ledger.Begin()
	atx := m.audit.Begin()
	tx := &memTx{
		s:               m,
		ltx:             ltx,
		atx:             atx,
		proposalsBefore: make(map[string]*Proposal),
		exchangesBefore: make(map[string]*Exchange),
		holdsBefore:     make(map[string]*Hold),
		proposalLen:     len(m.proposalOrder),
		exchangeLen:     len(m.exchangeOrder),
	}

	if err := fn(tx); err != nil {
		tx.rollback()
		atx.Rollback()
		ltx.Rollback()
		return err
	}
	atx.Commit()
	ltx.Commit()
	return nil
}

func (t *memTx) rollback() {
	s := t.s
	for id, orig := range t.proposalsBefore {
		if orig == nil {
			delete(s.proposals, id)
		} else {
			s.proposals[id] = orig
		}
	}
	for id, orig := range t.exchangesBefore {
		if orig == nil {
			delete(s.exchanges, id)
		} else {
			s.exchanges[id] = orig
		}
	}
	for id, orig := range t.holdsBefore {
		if orig == nil {
			delete(s.holds, id)
		} else {
			s.holds[id] = orig
		}
	}
	for _, exchangeID := range t.holdIdxAdded {
		delete(s.holdByExchange, exchangeID)
	}
	s.proposalOrder = s.proposalOrder[:t.proposalLen]
	s.exchangeOrder = s.exchangeOrder[:t.exchangeLen]
}

// --- proposals ---

func (t *memTx) InsertProposal(ctx context.Context, p *Proposal) error {
	t.proposalsBefore[p.ID] = nil
	cp := *p
	t.s.proposals[p.ID] = &cp
	t.s.proposalOrder = append(t.s.proposalOrder, p.ID)
	return nil
}

func (t *memTx) GetProposalForUpdate(ctx context.Context, id string) (*Proposal, error) {
	p, ok := t.s.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) UpdateProposal(ctx context.Context, p *Proposal) error {
	existing, ok := t.s.proposals[p.ID]
	if !ok {
		return ErrProposalNotFound
	}
	if _, touched := t.proposalsBefore[p.ID]; !touched {
		cp := *existing
		t.proposalsBefore[p.ID] = &cp
	}
	cp := *p
	t.s.proposals[p.ID] = &cp
	return nil
}

func (t *memTx) HasAcceptedProposal(ctx context.Context, listingID string) (bool, error) {
	for _, p := range t.s.proposals {
		if p.ListingID == listingID && p.Status == ProposalAccepted {
			return true, nil
		}
	}
	return false, nil
}

// --- exchanges ---

func (t *memTx) InsertExchange(ctx context.Context, e *Exchange) error {
	t.exchangesBefore[e.ID] = nil
	cp := *e
	t.s.exchanges[e.ID] = &cp
	t.s.exchangeOrder = append(t.s.exchangeOrder, e.ID)
	return nil
}

func (t *memTx) GetExchangeForUpdate(ctx context.Context, id string) (*Exchange, error) {
	e, ok := t.s.exchanges[id]
	if !ok {
		return nil, ErrExchangeNotFound
	}
	cp := *e
	return &cp, nil
}

func (t *memTx) UpdateExchange(ctx context.Context, e *Exchange) error {
	existing, ok := t.s.exchanges[e.ID]
	if !ok {
		return ErrExchangeNotFound
	}
	if _, touched := t.exchangesBefore[e.ID]; !touched {
		cp := *existing
		t.exchangesBefore[e.ID] = &cp
	}
	cp := *e
	t.s.exchanges[e.ID] = &cp
	return nil
}

// --- holds ---

func (t *memTx) InsertHold(ctx context.Context, h *Hold) error {
	t.holdsBefore[h.ID] = nil
	cp := *h
	t.s.holds[h.ID] = &cp
	t.s.holdByExchange[h.ExchangeID] = h.ID
	t.holdIdxAdded = append(t.holdIdxAdded, h.ExchangeID)
	return nil
}

func (t *memTx) GetHoldForUpdate(ctx context.Context, exchangeID string) (*Hold, error) {
	id, ok := t.s.holdByExchange[exchangeID]
	if !ok {
		return nil, ErrExchangeNotFound
	}
	cp := *t.s.holds[id]
	return &cp, nil
}

func (t *memTx) ResolveHold(ctx context.Context, holdID string, status HoldStatus, at time.Time) error {
	h, ok := t.s.holds[holdID]
	if !ok {
		return ErrExchangeNotFound
	}
	if _, touched := t.holdsBefore[holdID]; !touched {
		cp := *h
		t.holdsBefore[holdID] = &cp
	}
	h.Status = status
	h.ReleasedAt = &at
	return nil
}

// --- wallets and ledger, delegated ---

func (t *memTx) EnsureWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	return t.ltx.EnsureWallet(userID, t.s.startingCredits)
}

func (t *memTx) GetWalletByUserForUpdate(ctx context.Context, userID string) (*ledger.Wallet, error) {
	return t.ltx.GetWalletByUser(userID)
}

func (t *memTx) MoveToHeld(ctx context.Context, walletID string, amount int64) (int64, int64, error) {
	return t.ltx.MoveToHeld(walletID, amount)
}

func (t *memTx) ReleaseHeld(ctx context.Context, walletID string, amount int64, toAvailable bool) (int64, int64, error) {
	return t.ltx.ReleaseHeld(walletID, amount, toAvailable)
}

func (t *memTx) CreditAvailable(ctx context.Context, walletID string, amount int64) (int64, int64, error) {
	return t.ltx.CreditAvailable(walletID, amount)
}

func (t *memTx) AppendMovement(ctx context.Context, m *ledger.Movement) error {
	return t.ltx.AppendMovement(m)
}

func (t *memTx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return t.atx.Append(e)
}

// --- reads ---

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProposalsByListing(ctx context.Context, listingID string, limit int) ([]*Proposal, error) {
	return m.listProposals(limit, func(p *Proposal) bool { return p.ListingID == listingID })
}

func (m *MemoryStore) ListProposalsByBuyer(ctx context.Context, buyerID string, limit int) ([]*Proposal, error) {
	return m.listProposals(limit, func(p *Proposal) bool { return p.BuyerID == buyerID })
}

func (m *MemoryStore) listProposals(limit int, match func(*Proposal) bool) ([]*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Proposal
	for i := len(m.proposalOrder) - 1; i >= 0 && len(result) < limit; i-- {
		p := m.proposals[m.proposalOrder[i]]
		if match(p) {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exchanges[id]
	if !ok {
		return nil, ErrExchangeNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetHoldByExchange(ctx context.Context, exchangeID string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.holdByExchange[exchangeID]
	if !ok {
		return nil, ErrExchangeNotFound
	}
	cp := *m.holds[id]
	return &cp, nil
}

func (m *MemoryStore) ListExchangesByUser(ctx context.Context, userID string, limit int) ([]*Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Exchange
	for i := len(m.exchangeOrder) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.exchanges[m.exchangeOrder[i]]
		if e.BuyerID == userID || e.SellerID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}
