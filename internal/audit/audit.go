// Package audit keeps the bitácora: an append-only, human-readable record
// of every negotiation and exchange event.
//
// The bitácora exists purely for traceability and dispute resolution. It
// is written by every mutating step of the credit engine and is never
// read back by business logic — only by the query endpoints.
package audit

import (
	"context"
	"errors"
	"time"
)

var ErrEntryNotFound = errors.New("audit entry not found")

// Event codes recorded by the credit engine.
const (
	EventProposalCreated   = "PROPUESTA_CREADA"
	EventProposalAccepted  = "PROPUESTA_ACEPTADA"
	EventProposalRejected  = "PROPUESTA_RECHAZADA"
	EventCounterOffer      = "CONTRAOFERTA"
	EventBuyerConfirmed    = "CONFIRMACION_COMPRADOR"
	EventSellerConfirmed   = "CONFIRMACION_VENDEDOR"
	EventExchangeCompleted = "INTERCAMBIO_COMPLETADO"
	EventExchangeCancelled = "INTERCAMBIO_CANCELADO"
)

// Entry is one bitácora record. Rows are append-only with monotonically
// increasing identifiers.
type Entry struct {
	ID              int64             `json:"id"`
	EventCode       string            `json:"eventCode"`
	ResultingStatus string            `json:"resultingStatus"`
	ProposalID      string            `json:"proposalId"`
	ExchangeID      string            `json:"exchangeId,omitempty"`
	BuyerID         string            `json:"buyerId"`
	SellerID        string            `json:"sellerId"`
	ListingID       string            `json:"listingId"`
	Amount          int64             `json:"amount"`
	Note            string            `json:"note,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Store persists bitácora entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByProposal(ctx context.Context, proposalID string, limit int) ([]*Entry, error)
	ListByExchange(ctx context.Context, exchangeID string, limit int) ([]*Entry, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)
}
