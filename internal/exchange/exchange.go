// Package exchange implements the escrow credit-exchange engine.
//
// Flow:
//  1. Buyer proposes on a listing (offer defaults to the list price)
//  2. Seller accepts, rejects, or counters; counters alternate between
//     the parties and mutate the proposal in place
//  3. Acceptance holds the buyer's credits in escrow and opens an
//     exchange with both confirmation flags unset
//  4. Both parties confirm → held credits settle to the seller
//  5. Either party cancels while active → held credits return to the buyer
//
// Every mutating operation runs in one scoped transaction covering the
// wallet move, the exchange/proposal/hold rows, the ledger movement, and
// the bitácora entry. Wallet and exchange rows are locked before any
// balance or flag is read.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/trueque-io/trueque/internal/audit"
	"github.com/trueque-io/trueque/internal/idgen"
	"github.com/trueque-io/trueque/internal/ledger"
)

var (
	ErrProposalNotFound    = errors.New("proposal not found")
	ErrExchangeNotFound    = errors.New("exchange not found")
	ErrNotAuthorized       = errors.New("not authorized for this proposal action")
	ErrNotAParticipant     = errors.New("actor is not a participant in this exchange")
	ErrAlreadyProcessed    = errors.New("proposal already processed")
	ErrExchangeNotActive   = errors.New("exchange is not active")
	ErrCannotActOnOwnOffer = errors.New("cannot act on own offer")
	ErrSelfDealing         = errors.New("buyer cannot propose on own listing")
	ErrListingUnavailable  = errors.New("listing is not available")
	ErrInvalidAmount       = errors.New("invalid amount")

	// ErrInsufficientFunds aliases the ledger sentinel so callers can
	// match it at the operation boundary.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// ProposalStatus represents the state of a proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalCountered ProposalStatus = "countered"
)

// Proposal represents one negotiation thread over a listing. The seller
// is resolved from the listing owner at read time, never stored.
type Proposal struct {
	ID            string         `json:"id"`
	ListingID     string         `json:"listingId"`
	BuyerID       string         `json:"buyerId"`
	SellerID      string         `json:"sellerId,omitempty"`
	OfferedAmount int64          `json:"offeredAmount"`
	Message       string         `json:"message,omitempty"`
	Status        ProposalStatus `json:"status"`
	LastActorID   string         `json:"lastActorId"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// IsTerminal returns true if the proposal is in a final state.
func (p *Proposal) IsTerminal() bool {
	return p.Status == ProposalAccepted || p.Status == ProposalRejected
}

// ExchangeStatus represents the state of an exchange.
type ExchangeStatus string

const (
	ExchangeActive    ExchangeStatus = "active"
	ExchangeCompleted ExchangeStatus = "completed"
	ExchangeCancelled ExchangeStatus = "cancelled"
)

// Exchange coordinates dual confirmation and fund release for one
// accepted proposal. Once terminal, no field changes again.
type Exchange struct {
	ID            string         `json:"id"`
	ProposalID    string         `json:"proposalId"`
	BuyerID       string         `json:"buyerId"`
	SellerID      string         `json:"sellerId"`
	Amount        int64          `json:"amount"`
	ConfirmBuyer  bool           `json:"confirmBuyer"`
	ConfirmSeller bool           `json:"confirmSeller"`
	Status        ExchangeStatus `json:"status"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// IsTerminal returns true if the exchange is in a final state.
func (e *Exchange) IsTerminal() bool {
	return e.Status == ExchangeCompleted || e.Status == ExchangeCancelled
}

// HoldStatus represents the state of an escrow hold.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldApplied  HoldStatus = "applied"  // settled to the seller
	HoldReleased HoldStatus = "released" // returned to the buyer
)

// Hold is the escrow record for one exchange: credits moved out of the
// buyer's available balance pending resolution. Exactly one terminal
// transition (held→applied or held→released) may ever occur.
type Hold struct {
	ID         string     `json:"id"`
	ExchangeID string     `json:"exchangeId"`
	WalletID   string     `json:"walletId"`
	Amount     int64      `json:"amount"`
	Status     HoldStatus `json:"status"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Tx is the transactional view every mutating operation runs against.
// Implementations guarantee that all writes commit or roll back together
// and that *ForUpdate reads lock the row for the transaction's duration.
type Tx interface {
	InsertProposal(ctx context.Context, p *Proposal) error
	GetProposalForUpdate(ctx context.Context, id string) (*Proposal, error)
	UpdateProposal(ctx context.Context, p *Proposal) error
	HasAcceptedProposal(ctx context.Context, listingID string) (bool, error)

	InsertExchange(ctx context.Context, e *Exchange) error
	GetExchangeForUpdate(ctx context.Context, id string) (*Exchange, error)
	UpdateExchange(ctx context.Context, e *Exchange) error

	InsertHold(ctx context.Context, h *Hold) error
	GetHoldForUpdate(ctx context.Context, exchangeID string) (*Hold, error)
	ResolveHold(ctx context.Context, holdID string, status HoldStatus, at time.Time) error

	EnsureWallet(ctx context.Context, userID string) (*ledger.Wallet, error)
	GetWalletByUserForUpdate(ctx context.Context, userID string) (*ledger.Wallet, error)
	MoveToHeld(ctx context.Context, walletID string, amount int64) (before, after int64, err error)
	ReleaseHeld(ctx context.Context, walletID string, amount int64, toAvailable bool) (before, after int64, err error)
	CreditAvailable(ctx context.Context, walletID string, amount int64) (before, after int64, err error)
	AppendMovement(ctx context.Context, m *ledger.Movement) error

	AppendAudit(ctx context.Context, e *audit.Entry) error
}

// Store persists negotiation and escrow state.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetProposal(ctx context.Context, id string) (*Proposal, error)
	ListProposalsByListing(ctx context.Context, listingID string, limit int) ([]*Proposal, error)
	ListProposalsByBuyer(ctx context.Context, buyerID string, limit int) ([]*Proposal, error)
	GetExchange(ctx context.Context, id string) (*Exchange, error)
	GetHoldByExchange(ctx context.Context, exchangeID string) (*Hold, error)
	ListExchangesByUser(ctx context.Context, userID string, limit int) ([]*Exchange, error)
}

// ListingService resolves listings for proposals. Implemented by the
// listing collaborator; the engine trusts its answers and never touches
// listing storage itself.
type ListingService interface {
	GetListingForProposal(ctx context.Context, id string) (ownerID string, status string, price int64, err error)
	MarkTraded(ctx context.Context, id string) error
}

// ListingOpen is the listing status that accepts proposals.
const ListingOpen = "open"

// Messenger forwards chat messages attached to counter-offers. Failures
// never roll back the negotiation transaction.
type Messenger interface {
	SendMessage(ctx context.Context, proposalID, fromID, body string) error
}

// EventPublisher pushes engine events to subscribers (WebSocket hub).
// Publishing happens after commit and is fire-and-forget.
type EventPublisher interface {
	Broadcast(eventType string, data any)
}

// CreateProposalRequest contains the parameters for opening a proposal.
type CreateProposalRequest struct {
	ListingID string `json:"listingId" binding:"required"`
	Message   string `json:"message"`
}

// CounterRequest contains the parameters for a counter-offer.
type CounterRequest struct {
	Amount  int64  `json:"amount" binding:"required"`
	Message string `json:"message"`
}

// CancelRequest contains the parameters for cancelling an exchange.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ConfirmResult reports the outcome of a confirmation: Settled is true
// once both parties have confirmed and funds have moved.
type ConfirmResult struct {
	Exchange *Exchange `json:"exchange"`
	Settled  bool      `json:"settled"`
}

func generateProposalID() string {
	return idgen.WithPrefix("prop_")
}

func generateExchangeID() string {
	return idgen.WithPrefix("exc_")
}

func generateHoldID() string {
	return idgen.WithPrefix("ret_")
}
