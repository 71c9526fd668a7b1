package listing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trueque-io/trueque/internal/pagination"
	"github.com/trueque-io/trueque/internal/storage"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *storage.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *storage.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, owner_id, title, description, price_credits, status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
	`, l.ID, l.OwnerID, l.Title, l.Description, l.PriceCredits, l.Status, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, COALESCE(description, ''), price_credits, status, created_at, updated_at
		FROM listings WHERE id = $1
	`, id).Scan(&l.ID, &l.OwnerID, &l.Title, &l.Description, &l.PriceCredits, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET title = $2, description = NULLIF($3, ''), price_credits = $4,
		       status = $5, updated_at = NOW()
		WHERE id = $1
	`, l.ID, l.Title, l.Description, l.PriceCredits, l.Status)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, after *pagination.Cursor, limit int) ([]*Listing, error) {
	if after != nil {
		return p.query(ctx, `
			WHERE status = 'open' AND (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC LIMIT $3`,
			after.CreatedAt, after.ID, limit)
	}
	return p.query(ctx, `WHERE status = 'open' ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, title, COALESCE(description, ''), price_credits, status, created_at, updated_at
		FROM listings WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

func (p *PostgresStore) query(ctx context.Context, clause string, args ...any) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, title, COALESCE(description, ''), price_credits, status, created_at, updated_at
		FROM listings `+clause, args...)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

func scanListings(rows *sql.Rows) ([]*Listing, error) {
	defer rows.Close()

	var listings []*Listing
	for rows.Next() {
		l := &Listing{}
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.Title, &l.Description, &l.PriceCredits,
			&l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}
