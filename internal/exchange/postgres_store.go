package exchange

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trueque-io/trueque/internal/audit"
	"github.com/trueque-io/trueque/internal/ledger"
	"github.com/trueque-io/trueque/internal/storage"
)

// PostgresStore implements Store with PostgreSQL. Every InTx runs one
// serializable transaction; wallet and engine rows are locked with
// FOR UPDATE before they are read.
type PostgresStore struct {
	db              *storage.DB
	startingCredits int64
}

// NewPostgresStore creates a new PostgreSQL-backed exchange store.
func NewPostgresStore(db *storage.DB, startingCredits int64) *PostgresStore {
	return &PostgresStore{db: db, startingCredits: startingCredits}
}

type pgTx struct {
	s  *PostgresStore
	tx *sql.Tx
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		return fn(&pgTx{s: p, tx: tx})
	})
}

// --- proposals ---

const proposalColumns = `id, listing_id, buyer_id, offered_amount, COALESCE(message, ''),
       status, last_actor_id, created_at, updated_at`

func (t *pgTx) InsertProposal(ctx context.Context, p *Proposal) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO proposals (id, listing_id, buyer_id, offered_amount, message,
		                       status, last_actor_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
	`, p.ID, p.ListingID, p.BuyerID, p.OfferedAmount, p.Message,
		p.Status, p.LastActorID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

func (t *pgTx) GetProposalForUpdate(ctx context.Context, id string) (*Proposal, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals WHERE id = $1
		FOR UPDATE
	`, id)
	return scanProposal(row)
}

func (t *pgTx) UpdateProposal(ctx context.Context, p *Proposal) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE proposals
		SET offered_amount = $2, message = NULLIF($3, ''), status = $4,
		    last_actor_id = $5, updated_at = $6
		WHERE id = $1
	`, p.ID, p.OfferedAmount, p.Message, p.Status, p.LastActorID, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrProposalNotFound
	}
	return nil
}

func (t *pgTx) HasAcceptedProposal(ctx context.Context, listingID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM proposals WHERE listing_id = $1 AND status = $2)
	`, listingID, ProposalAccepted).Scan(&exists)
	return exists, err
}

// --- exchanges ---

const exchangeColumns = `id, proposal_id, buyer_id, seller_id, amount,
       confirm_buyer, confirm_seller, status, completed_at, created_at, updated_at`

func (t *pgTx) InsertExchange(ctx context.Context, e *Exchange) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO exchanges (id, proposal_id, buyer_id, seller_id, amount,
		                       confirm_buyer, confirm_seller, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.ProposalID, e.BuyerID, e.SellerID, e.Amount,
		e.ConfirmBuyer, e.ConfirmSeller, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert exchange: %w", err)
	}
	return nil
}

func (t *pgTx) GetExchangeForUpdate(ctx context.Context, id string) (*Exchange, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+exchangeColumns+`
		FROM exchanges WHERE id = $1
		FOR UPDATE
	`, id)
	return scanExchange(row)
}

func (t *pgTx) UpdateExchange(ctx context.Context, e *Exchange) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE exchanges
		SET confirm_buyer = $2, confirm_seller = $3, status = $4,
		    completed_at = $5, updated_at = $6
		WHERE id = $1
	`, e.ID, e.ConfirmBuyer, e.ConfirmSeller, e.Status, e.CompletedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update exchange: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrExchangeNotFound
	}
	return nil
}

// --- holds ---

func (t *pgTx) InsertHold(ctx context.Context, h *Hold) error {
	// The UNIQUE constraint on exchange_id guarantees at most one hold
	// per exchange even under concurrent accepts.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO retentions (id, exchange_id, wallet_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, h.ID, h.ExchangeID, h.WalletID, h.Amount, h.Status, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	return nil
}

func (t *pgTx) GetHoldForUpdate(ctx context.Context, exchangeID string) (*Hold, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, exchange_id, wallet_id, amount, status, released_at, created_at
		FROM retentions WHERE exchange_id = $1
		FOR UPDATE
	`, exchangeID)
	return scanHold(row)
}

func (t *pgTx) ResolveHold(ctx context.Context, holdID string, status HoldStatus, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE retentions SET status = $2, released_at = $3
		WHERE id = $1 AND status = $4
	`, holdID, status, at, HoldHeld)
	if err != nil {
		return fmt.Errorf("failed to resolve hold: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrExchangeNotActive
	}
	return nil
}

// --- wallets and ledger, delegated ---

func (t *pgTx) EnsureWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	return ledger.EnsureWalletTx(ctx, t.tx, userID, t.s.startingCredits)
}

func (t *pgTx) GetWalletByUserForUpdate(ctx context.Context, userID string) (*ledger.Wallet, error) {
	return ledger.GetWalletByUserForUpdateTx(ctx, t.tx, userID)
}

func (t *pgTx) MoveToHeld(ctx context.Context, walletID string, amount int64) (int64, int64, error) {
	return ledger.MoveToHeldTx(ctx, t.tx, walletID, amount)
}

func (t *pgTx) ReleaseHeld(ctx context.Context, walletID string, amount int64, toAvailable bool) (int64, int64, error) {
	return ledger.ReleaseHeldTx(ctx, t.tx, walletID, amount, toAvailable)
}

func (t *pgTx) CreditAvailable(ctx context.Context, walletID string, amount int64) (int64, int64, error) {
	return ledger.CreditAvailableTx(ctx, t.tx, walletID, amount)
}

func (t *pgTx) AppendMovement(ctx context.Context, m *ledger.Movement) error {
	return ledger.InsertMovementTx(ctx, t.tx, m)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return audit.AppendTx(ctx, t.tx, e)
}

// --- reads ---

func (p *PostgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals WHERE id = $1
	`, id)
	return scanProposal(row)
}

func (p *PostgresStore) ListProposalsByListing(ctx context.Context, listingID string, limit int) ([]*Proposal, error) {
	return p.queryProposals(ctx, `WHERE listing_id = $1`, listingID, limit)
}

func (p *PostgresStore) ListProposalsByBuyer(ctx context.Context, buyerID string, limit int) ([]*Proposal, error) {
	return p.queryProposals(ctx, `WHERE buyer_id = $1`, buyerID, limit)
}

func (p *PostgresStore) queryProposals(ctx context.Context, where, arg string, limit int) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals `+where+`
		ORDER BY created_at DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func (p *PostgresStore) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+exchangeColumns+`
		FROM exchanges WHERE id = $1
	`, id)
	return scanExchange(row)
}

func (p *PostgresStore) GetHoldByExchange(ctx context.Context, exchangeID string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, exchange_id, wallet_id, amount, status, released_at, created_at
		FROM retentions WHERE exchange_id = $1
	`, exchangeID)
	return scanHold(row)
}

func (p *PostgresStore) ListExchangesByUser(ctx context.Context, userID string, limit int) ([]*Exchange, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+exchangeColumns+`
		FROM exchanges
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []*Exchange
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, e)
	}
	return exchanges, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	p := &Proposal{}
	err := row.Scan(&p.ID, &p.ListingID, &p.BuyerID, &p.OfferedAmount, &p.Message,
		&p.Status, &p.LastActorID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanExchange(row rowScanner) (*Exchange, error) {
	e := &Exchange{}
	err := row.Scan(&e.ID, &e.ProposalID, &e.BuyerID, &e.SellerID, &e.Amount,
		&e.ConfirmBuyer, &e.ConfirmSeller, &e.Status, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrExchangeNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanHold(row rowScanner) (*Hold, error) {
	h := &Hold{}
	err := row.Scan(&h.ID, &h.ExchangeID, &h.WalletID, &h.Amount, &h.Status, &h.ReleasedAt, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrExchangeNotFound
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}
