package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trueque-io/trueque/internal/audit"
	"github.com/trueque-io/trueque/internal/ledger"
	"github.com/trueque-io/trueque/internal/logging"
	"github.com/trueque-io/trueque/internal/metrics"
	"github.com/trueque-io/trueque/internal/syncutil"
	"github.com/trueque-io/trueque/internal/traces"
)

// Event types pushed to subscribers after commit.
const (
	EventProposalCreated   = "proposal.created"
	EventProposalAccepted  = "proposal.accepted"
	EventProposalRejected  = "proposal.rejected"
	EventProposalCountered = "proposal.countered"
	EventExchangeConfirmed = "exchange.confirmed"
	EventExchangeCompleted = "exchange.completed"
	EventExchangeCancelled = "exchange.cancelled"
)

// Service runs the negotiation and escrow state machines. All state
// transitions happen inside a single store transaction; the per-entity
// locks serialize the memory-backed store the same way FOR UPDATE
// serializes Postgres.
type Service struct {
	store     Store
	listings  ListingService
	messenger Messenger
	events    EventPublisher
	locks     syncutil.ShardedMutex // keyed by entity ID
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithMessenger attaches a chat forwarder for negotiation messages.
func WithMessenger(m Messenger) ServiceOption {
	return func(s *Service) { s.messenger = m }
}

// WithEvents attaches a publisher for engine events.
func WithEvents(p EventPublisher) ServiceOption {
	return func(s *Service) { s.events = p }
}

// NewService creates the exchange service.
func NewService(store Store, listings ListingService, opts ...ServiceOption) *Service {
	s := &Service{store: store, listings: listings}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProposal opens a negotiation thread on a listing. The offer
// starts at the listing's price; counters may change it later.
func (s *Service) CreateProposal(ctx context.Context, buyerID string, req CreateProposalRequest) (*Proposal, error) {
	ctx, span := traces.StartOp(ctx, "proposal.create", buyerID, req.ListingID)
	defer span.End()

	ownerID, status, price, err := s.listings.GetListingForProposal(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if ownerID == buyerID {
		return nil, ErrSelfDealing
	}
	if status != ListingOpen {
		return nil, ErrListingUnavailable
	}

	now := time.Now().UTC()
	p := &Proposal{
		ID:            generateProposalID(),
		ListingID:     req.ListingID,
		BuyerID:       buyerID,
		SellerID:      ownerID,
		OfferedAmount: price,
		Message:       req.Message,
		Status:        ProposalPending,
		LastActorID:   buyerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertProposal(ctx, p); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &audit.Entry{
			EventCode:       audit.EventProposalCreated,
			ResultingStatus: string(ProposalPending),
			ProposalID:      p.ID,
			BuyerID:         p.BuyerID,
			SellerID:        ownerID,
			ListingID:       p.ListingID,
			Amount:          p.OfferedAmount,
			Note:            "proposal opened at listing price",
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ProposalsTotal.WithLabelValues(string(ProposalPending)).Inc()
	logging.L(ctx).Info("proposal created",
		"proposal_id", p.ID, "listing_id", p.ListingID,
		"buyer_id", buyerID, "amount", p.OfferedAmount)
	s.publish(EventProposalCreated, p)
	return p, nil
}

// Accept transitions a live proposal to accepted, holds the buyer's
// credits in escrow, and opens an exchange awaiting dual confirmation.
// Only the seller may accept, and never their own standing counter.
func (s *Service) Accept(ctx context.Context, proposalID, actorID string) (*Exchange, error) {
	ctx, span := traces.StartOp(ctx, "proposal.accept", actorID, proposalID)
	defer span.End()

	unlock := s.locks.Lock("prop:" + proposalID)
	defer unlock()

	var ex *Exchange
	err := s.store.InTx(ctx, func(tx Tx) error {
		p, err := tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return err
		}
		if p.IsTerminal() {
			return ErrAlreadyProcessed
		}
		ownerID, status, _, err := s.listings.GetListingForProposal(ctx, p.ListingID)
		if err != nil {
			return err
		}
		if actorID != ownerID {
			return ErrNotAuthorized
		}
		if p.LastActorID == actorID {
			return ErrCannotActOnOwnOffer
		}
		if status != ListingOpen {
			return ErrListingUnavailable
		}
		taken, err := tx.HasAcceptedProposal(ctx, p.ListingID)
		if err != nil {
			return err
		}
		if taken {
			return ErrListingUnavailable
		}

		wallet, err := tx.GetWalletByUserForUpdate(ctx, p.BuyerID)
		if err != nil {
			if errors.Is(err, ledger.ErrWalletNotFound) {
				return ErrInsufficientFunds
			}
			return err
		}
		if wallet.Available < p.OfferedAmount {
			return ErrInsufficientFunds
		}
		before, after, err := tx.MoveToHeld(ctx, wallet.ID, p.OfferedAmount)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		ex = &Exchange{
			ID:         generateExchangeID(),
			ProposalID: p.ID,
			BuyerID:    p.BuyerID,
			SellerID:   ownerID,
			Amount:     p.OfferedAmount,
			Status:     ExchangeActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertExchange(ctx, ex); err != nil {
			return err
		}
		if err := tx.InsertHold(ctx, &Hold{
			ID:         generateHoldID(),
			ExchangeID: ex.ID,
			WalletID:   wallet.ID,
			Amount:     ex.Amount,
			Status:     HoldHeld,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := tx.AppendMovement(ctx, &ledger.Movement{
			WalletID:      wallet.ID,
			TypeCode:      ledger.TypeExchangeHold,
			Amount:        ex.Amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			ReferenceID:   ex.ID,
			ReferenceKind: ledger.RefExchange,
			Description:   fmt.Sprintf("credits held for exchange %s", ex.ID),
		}); err != nil {
			return err
		}

		p.Status = ProposalAccepted
		p.LastActorID = actorID
		p.UpdatedAt = now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &audit.Entry{
			EventCode:       audit.EventProposalAccepted,
			ResultingStatus: string(ProposalAccepted),
			ProposalID:      p.ID,
			ExchangeID:      ex.ID,
			BuyerID:         p.BuyerID,
			SellerID:        ownerID,
			ListingID:       p.ListingID,
			Amount:          ex.Amount,
			Note:            "proposal accepted, credits held in escrow",
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ProposalsTotal.WithLabelValues(string(ProposalAccepted)).Inc()
	metrics.ExchangesTotal.WithLabelValues(string(ExchangeActive)).Inc()
	metrics.MovementsTotal.WithLabelValues(ledger.TypeExchangeHold).Inc()
	metrics.CreditsHeld.Add(float64(ex.Amount))
	logging.L(ctx).Info("proposal accepted",
		"proposal_id", proposalID, "exchange_id", ex.ID,
		"buyer_id", ex.BuyerID, "seller_id", ex.SellerID, "amount", ex.Amount)
	s.publish(EventProposalAccepted, ex)
	return ex, nil
}

// Reject transitions a live proposal to rejected. Either participant may
// reject the other side's standing offer; no funds are involved.
func (s *Service) Reject(ctx context.Context, proposalID, actorID string) (*Proposal, error) {
	ctx, span := traces.StartOp(ctx, "proposal.reject", actorID, proposalID)
	defer span.End()

	unlock := s.locks.Lock("prop:" + proposalID)
	defer unlock()

	var p *Proposal
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		p, err = tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return err
		}
		if p.IsTerminal() {
			return ErrAlreadyProcessed
		}
		ownerID, _, _, err := s.listings.GetListingForProposal(ctx, p.ListingID)
		if err != nil {
			return err
		}
		if actorID != p.BuyerID && actorID != ownerID {
			return ErrNotAuthorized
		}
		if p.LastActorID == actorID {
			return ErrCannotActOnOwnOffer
		}

		p.SellerID = ownerID
		p.Status = ProposalRejected
		p.LastActorID = actorID
		p.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &audit.Entry{
			EventCode:       audit.EventProposalRejected,
			ResultingStatus: string(ProposalRejected),
			ProposalID:      p.ID,
			BuyerID:         p.BuyerID,
			SellerID:        ownerID,
			ListingID:       p.ListingID,
			Amount:          p.OfferedAmount,
			Metadata:        map[string]string{"rejected_by": actorID},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ProposalsTotal.WithLabelValues(string(ProposalRejected)).Inc()
	logging.L(ctx).Info("proposal rejected", "proposal_id", proposalID, "actor_id", actorID)
	s.publish(EventProposalRejected, p)
	return p, nil
}

// Counter replaces the standing offer with a new amount and flips the
// turn to the other participant. The proposal row mutates in place; the
// prior amount survives only in the bitácora.
func (s *Service) Counter(ctx context.Context, proposalID, actorID string, req CounterRequest) (*Proposal, error) {
	ctx, span := traces.StartOp(ctx, "proposal.counter", actorID, proposalID)
	defer span.End()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock("prop:" + proposalID)
	defer unlock()

	var p *Proposal
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		p, err = tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return err
		}
		if p.IsTerminal() {
			return ErrAlreadyProcessed
		}
		ownerID, _, _, err := s.listings.GetListingForProposal(ctx, p.ListingID)
		if err != nil {
			return err
		}
		if actorID != p.BuyerID && actorID != ownerID {
			return ErrNotAuthorized
		}
		if p.LastActorID == actorID {
			return ErrCannotActOnOwnOffer
		}

		previous := p.OfferedAmount
		p.SellerID = ownerID
		p.OfferedAmount = req.Amount
		p.Message = req.Message
		p.Status = ProposalCountered
		p.LastActorID = actorID
		p.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &audit.Entry{
			EventCode:       audit.EventCounterOffer,
			ResultingStatus: string(ProposalCountered),
			ProposalID:      p.ID,
			BuyerID:         p.BuyerID,
			SellerID:        ownerID,
			ListingID:       p.ListingID,
			Amount:          req.Amount,
			Note:            req.Message,
			Metadata: map[string]string{
				"countered_by":    actorID,
				"previous_amount": fmt.Sprintf("%d", previous),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ProposalsTotal.WithLabelValues(string(ProposalCountered)).Inc()
	logging.L(ctx).Info("counter-offer placed",
		"proposal_id", proposalID, "actor_id", actorID, "amount", req.Amount)
	if s.messenger != nil && req.Message != "" {
		if err := s.messenger.SendMessage(ctx, proposalID, actorID, req.Message); err != nil {
			logging.L(ctx).Warn("counter-offer message delivery failed",
				"proposal_id", proposalID, "error", err)
		}
	}
	s.publish(EventProposalCountered, p)
	return p, nil
}

// Confirm records one participant's confirmation. The first confirmation
// leaves the exchange active; the second settles it: the hold is applied,
// the seller is credited, and the listing leaves availability. Repeating
// a confirmation is a no-op, and confirming an already completed exchange
// returns the settled outcome again.
func (s *Service) Confirm(ctx context.Context, exchangeID, actorID string) (*ConfirmResult, error) {
	ctx, span := traces.StartOp(ctx, "exchange.confirm", actorID, exchangeID)
	defer span.End()

	unlock := s.locks.Lock("exc:" + exchangeID)
	defer unlock()

	var (
		result    *ConfirmResult
		settled   bool
		eventCode string
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		settled = false
		ex, err := tx.GetExchangeForUpdate(ctx, exchangeID)
		if err != nil {
			return err
		}
		if actorID != ex.BuyerID && actorID != ex.SellerID {
			return ErrNotAParticipant
		}
		switch ex.Status {
		case ExchangeCompleted:
			result = &ConfirmResult{Exchange: ex, Settled: true}
			return nil
		case ExchangeCancelled:
			return ErrExchangeNotActive
		}

		isBuyer := actorID == ex.BuyerID
		if (isBuyer && ex.ConfirmBuyer) || (!isBuyer && ex.ConfirmSeller) {
			result = &ConfirmResult{Exchange: ex}
			return nil
		}

		now := time.Now().UTC()
		eventCode = audit.EventSellerConfirmed
		if isBuyer {
			ex.ConfirmBuyer = true
			eventCode = audit.EventBuyerConfirmed
		} else {
			ex.ConfirmSeller = true
		}
		ex.UpdatedAt = now

		if err := tx.AppendAudit(ctx, &audit.Entry{
			EventCode:       eventCode,
			ResultingStatus: string(ExchangeActive),
			ProposalID:      ex.ProposalID,
			ExchangeID:      ex.ID,
			BuyerID:         ex.BuyerID,
			SellerID:        ex.SellerID,
			Amount:          ex.Amount,
		}); err != nil {
			return err
		}

		if !(ex.ConfirmBuyer && ex.ConfirmSeller) {
			if err := tx.UpdateExchange(ctx, ex); err != nil {
				return err
			}
			result = &ConfirmResult{Exchange: ex}
			return nil
		}

		// Both sides confirmed: settle under the exchange row lock. The
		// hold state guards against double settlement.
		hold, err := tx.GetHoldForUpdate(ctx, ex.ID)
		if err != nil {
			return err
		}
		switch hold.Status {
		case HoldApplied:
			result = &ConfirmResult{Exchange: ex, Settled: true}
			return nil
		case HoldReleased:
			return ErrExchangeNotActive
		}
		if err := tx.ResolveHold(ctx, hold.ID, HoldApplied, now); err != nil {
			return err
		}

		// Buyer side: held decreases, available untouched.
		bBefore, bAfter, err := tx.ReleaseHeld(ctx, hold.WalletID, hold.Amount, false)
		if err != nil {
			return err
		}
		sellerWallet, err := tx.EnsureWallet(ctx, ex.SellerID)
		if err != nil {
			return err
		}
		sBefore, sAfter, err := tx.CreditAvailable(ctx, sellerWallet.ID, ex.Amount)
		if err != nil {
			return err
		}
		if err := tx.AppendMovement(ctx, &ledger.Movement{
			WalletID:      sellerWallet.ID,
			TypeCode:      ledger.TypeExchangePay,
			Amount:        ex.Amount,
			BalanceBefore: sBefore,
			BalanceAfter:  sAfter,
			ReferenceID:   ex.ID,
			ReferenceKind: ledger.RefExchange,
			Description:   fmt.Sprintf("credits received for exchange %s", ex.ID),
		}); err != nil {
			return err
		}
		if err := tx.AppendMovement(ctx, &ledger.Movement{
			WalletID:      hold.WalletID,
			TypeCode:      ledger.TypeHoldApplied,
			Amount:        ex.Amount,
			BalanceBefore: bBefore,
			BalanceAfter:  bAfter,
			ReferenceID:   ex.ID,
			ReferenceKind: ledger.RefExchange,
			Description:   fmt.Sprintf("escrow hold applied for exchange %s", ex.ID),
		}); err != nil {
			return err
		}

		ex.Status = ExchangeCompleted
		ex.CompletedAt = &now
		if err := tx.UpdateExchange(ctx, ex); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &audit.Entry{
			EventCode:       audit.EventExchangeCompleted,
			ResultingStatus: string(ExchangeCompleted),
			ProposalID:      ex.ProposalID,
			ExchangeID:      ex.ID,
			BuyerID:         ex.BuyerID,
			SellerID:        ex.SellerID,
			Amount:          ex.Amount,
			Note:            "both parties confirmed, credits settled to seller",
		}); err != nil {
			return err
		}
		settled = true
		result = &ConfirmResult{Exchange: ex, Settled: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if eventCode != "" {
		logging.L(ctx).Info("exchange confirmation recorded",
			"exchange_id", exchangeID, "actor_id", actorID, "settled", settled)
		s.publish(EventExchangeConfirmed, result.Exchange)
	}
	if settled {
		ex := result.Exchange
		metrics.ExchangesTotal.WithLabelValues(string(ExchangeCompleted)).Inc()
		metrics.MovementsTotal.WithLabelValues(ledger.TypeExchangePay).Inc()
		metrics.MovementsTotal.WithLabelValues(ledger.TypeHoldApplied).Inc()
		metrics.CreditsHeld.Sub(float64(ex.Amount))
		metrics.SettlementDuration.Observe(ex.CompletedAt.Sub(ex.CreatedAt).Seconds())

		// The marketplace listing leaves availability once credits move.
		// The engine's books are already consistent; a failure here only
		// delays the listing update.
		if err := s.markListingTraded(ctx, ex.ProposalID); err != nil {
			logging.L(ctx).Warn("listing not marked traded after settlement",
				"exchange_id", ex.ID, "error", err)
		}
		logging.L(ctx).Info("exchange settled",
			"exchange_id", ex.ID, "buyer_id", ex.BuyerID,
			"seller_id", ex.SellerID, "amount", ex.Amount)
		s.publish(EventExchangeCompleted, ex)
	}
	return result, nil
}

func (s *Service) markListingTraded(ctx context.Context, proposalID string) error {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	return s.listings.MarkTraded(ctx, p.ListingID)
}

// Cancel aborts an active exchange and returns the held credits to the
// buyer. Either participant may cancel; cancelling an already cancelled
// exchange returns the prior outcome.
func (s *Service) Cancel(ctx context.Context, exchangeID, actorID, reason string) (*Exchange, error) {
	ctx, span := traces.StartOp(ctx, "exchange.cancel", actorID, exchangeID)
	defer span.End()

	unlock := s.locks.Lock("exc:" + exchangeID)
	defer unlock()

	var (
		ex        *Exchange
		cancelled bool
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		cancelled = false
		var err error
		ex, err = tx.GetExchangeForUpdate(ctx, exchangeID)
		if err != nil {
			return err
		}
		if actorID != ex.BuyerID && actorID != ex.SellerID {
			return ErrNotAParticipant
		}
		switch ex.Status {
		case ExchangeCancelled:
			return nil
		case ExchangeCompleted:
			return ErrExchangeNotActive
		}

		hold, err := tx.GetHoldForUpdate(ctx, ex.ID)
		if err != nil {
			return err
		}
		switch hold.Status {
		case HoldReleased:
			return nil
		case HoldApplied:
			return ErrExchangeNotActive
		}

		now := time.Now().UTC()
		if err := tx.ResolveHold(ctx, hold.ID, HoldReleased, now); err != nil {
			return err
		}
		before, after, err := tx.ReleaseHeld(ctx, hold.WalletID, hold.Amount, true)
		if err != nil {
			return err
		}
		if err := tx.AppendMovement(ctx, &ledger.Movement{
			WalletID:      hold.WalletID,
			TypeCode:      ledger.TypeHoldReturned,
			Amount:        hold.Amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			ReferenceID:   ex.ID,
			ReferenceKind: ledger.RefExchange,
			Description:   fmt.Sprintf("escrow hold returned for exchange %s", ex.ID),
		}); err != nil {
			return err
		}

		ex.Status = ExchangeCancelled
		ex.UpdatedAt = now
		if err := tx.UpdateExchange(ctx, ex); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &audit.Entry{
			EventCode:       audit.EventExchangeCancelled,
			ResultingStatus: string(ExchangeCancelled),
			ProposalID:      ex.ProposalID,
			ExchangeID:      ex.ID,
			BuyerID:         ex.BuyerID,
			SellerID:        ex.SellerID,
			Amount:          ex.Amount,
			Note:            reason,
			Metadata:        map[string]string{"cancelled_by": actorID},
		}); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		metrics.ExchangesTotal.WithLabelValues(string(ExchangeCancelled)).Inc()
		metrics.MovementsTotal.WithLabelValues(ledger.TypeHoldReturned).Inc()
		metrics.CreditsHeld.Sub(float64(ex.Amount))
		logging.L(ctx).Info("exchange cancelled",
			"exchange_id", exchangeID, "actor_id", actorID, "reason", reason)
		s.publish(EventExchangeCancelled, ex)
	}
	return ex, nil
}

// GetProposal returns a proposal with its seller resolved. Only the
// participants may view it.
func (s *Service) GetProposal(ctx context.Context, proposalID, actorID string) (*Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	ownerID, _, _, err := s.listings.GetListingForProposal(ctx, p.ListingID)
	if err == nil {
		p.SellerID = ownerID
	}
	if actorID != p.BuyerID && actorID != p.SellerID {
		return nil, ErrNotAuthorized
	}
	return p, nil
}

// ListProposalsForListing returns proposals on a listing, restricted to
// the listing owner.
func (s *Service) ListProposalsForListing(ctx context.Context, listingID, actorID string, limit int) ([]*Proposal, error) {
	ownerID, _, _, err := s.listings.GetListingForProposal(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if actorID != ownerID {
		return nil, ErrNotAuthorized
	}
	ps, err := s.store.ListProposalsByListing(ctx, listingID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	for _, p := range ps {
		p.SellerID = ownerID
	}
	return ps, nil
}

// ListMyProposals returns the proposals the user opened as buyer.
func (s *Service) ListMyProposals(ctx context.Context, userID string, limit int) ([]*Proposal, error) {
	return s.store.ListProposalsByBuyer(ctx, userID, normalizeLimit(limit))
}

// GetExchange returns an exchange visible only to its participants.
func (s *Service) GetExchange(ctx context.Context, exchangeID, actorID string) (*Exchange, error) {
	ex, err := s.store.GetExchange(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	if actorID != ex.BuyerID && actorID != ex.SellerID {
		return nil, ErrNotAParticipant
	}
	return ex, nil
}

// ListMyExchanges returns exchanges the user participates in.
func (s *Service) ListMyExchanges(ctx context.Context, userID string, limit int) ([]*Exchange, error) {
	return s.store.ListExchangesByUser(ctx, userID, normalizeLimit(limit))
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

func (s *Service) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Broadcast(eventType, data)
	}
}
