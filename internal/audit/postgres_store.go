package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trueque-io/trueque/internal/storage"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *storage.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *storage.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		return AppendTx(ctx, tx, e)
	})
}

// AppendTx writes an entry inside an existing transaction. The exchange
// engine uses this so bitácora writes share the operation's transaction.
func AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (event_code, resulting_status, proposal_id, exchange_id,
		                       buyer_id, seller_id, listing_id, amount, note, metadata, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), $10, NOW())
		RETURNING id
	`, e.EventCode, e.ResultingStatus, e.ProposalID, e.ExchangeID,
		e.BuyerID, e.SellerID, e.ListingID, e.Amount, e.Note, metadata).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByProposal(ctx context.Context, proposalID string, limit int) ([]*Entry, error) {
	return p.query(ctx, `WHERE proposal_id = $1`, proposalID, limit)
}

func (p *PostgresStore) ListByExchange(ctx context.Context, exchangeID string, limit int) ([]*Entry, error) {
	return p.query(ctx, `WHERE exchange_id = $1`, exchangeID, limit)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	return p.query(ctx, `WHERE buyer_id = $1 OR seller_id = $1`, userID, limit)
}

func (p *PostgresStore) query(ctx context.Context, where, arg string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, event_code, resulting_status, proposal_id, COALESCE(exchange_id, ''),
		       buyer_id, seller_id, listing_id, amount, COALESCE(note, ''), metadata, created_at
		FROM audit_log `+where+`
		ORDER BY id DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.EventCode, &e.ResultingStatus, &e.ProposalID, &e.ExchangeID,
			&e.BuyerID, &e.SellerID, &e.ListingID, &e.Amount, &e.Note, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
