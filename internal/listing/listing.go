// Package listing manages marketplace listings at the boundary the
// credit engine consumes: resolving a listing's owner, state, and price
// for a proposal, and marking it traded after settlement.
package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trueque-io/trueque/internal/idgen"
	"github.com/trueque-io/trueque/internal/pagination"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrInvalidPrice    = errors.New("listing price must be positive")
	ErrNotOwner        = errors.New("not the listing owner")
	ErrInvalidCursor   = errors.New("invalid pagination cursor")
)

// Status represents the state of a listing.
type Status string

const (
	StatusOpen      Status = "open"      // accepting proposals
	StatusTraded    Status = "traded"    // exchanged, no longer available
	StatusSuspended Status = "suspended" // withdrawn by the owner
)

// Listing represents one good offered for exchange.
type Listing struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	PriceCredits int64     `json:"priceCredits"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	ListOpen(ctx context.Context, after *pagination.Cursor, limit int) ([]*Listing, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error)
}

// CreateRequest contains the parameters for publishing a listing.
type CreateRequest struct {
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	PriceCredits int64  `json:"priceCredits" binding:"required"`
}

// Service implements listing business logic.
type Service struct {
	store Store
}

// NewService creates a new listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create publishes a new listing.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (*Listing, error) {
	if req.PriceCredits <= 0 {
		return nil, ErrInvalidPrice
	}

	now := time.Now()
	l := &Listing{
		ID:           generateListingID(),
		OwnerID:      ownerID,
		Title:        req.Title,
		Description:  req.Description,
		PriceCredits: req.PriceCredits,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns a page of open listings, newest first, plus an opaque
// cursor for the next page.
func (s *Service) ListOpen(ctx context.Context, cursor string, limit int) ([]*Listing, string, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, ErrInvalidCursor
	}
	items, err := s.store.ListOpen(ctx, after, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(items, limit, func(l *Listing) (time.Time, string) {
		return l.CreatedAt, l.ID
	})
	return page, next, more, nil
}

// ListByOwner returns a user's listings.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// Suspend withdraws an open listing.
func (s *Service) Suspend(ctx context.Context, id, ownerID string) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	l.Status = StatusSuspended
	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetListingForProposal resolves the fields the credit engine needs to
// open or accept a proposal.
func (s *Service) GetListingForProposal(ctx context.Context, id string) (ownerID string, status string, price int64, err error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return "", "", 0, err
	}
	return l.OwnerID, string(l.Status), l.PriceCredits, nil
}

// MarkTraded flags a listing as exchanged. Called best-effort after
// settlement; the exchange outcome does not depend on it.
func (s *Service) MarkTraded(ctx context.Context, id string) error {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	l.Status = StatusTraded
	l.UpdatedAt = time.Now()
	return s.store.Update(ctx, l)
}

func generateListingID() string {
	return idgen.WithPrefix("lst_")
}
