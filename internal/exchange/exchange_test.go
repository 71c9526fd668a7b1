package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/trueque-io/trueque/internal/audit"
	"github.com/trueque-io/trueque/internal/ledger"
	"github.com/trueque-io/trueque/internal/listing"
)

// fakeListings is an in-memory listing collaborator.
type fakeListings struct {
	mu       sync.Mutex
	owners   map[string]string
	statuses map[string]string
	prices   map[string]int64
}

func newFakeListings() *fakeListings {
	return &fakeListings{
		owners:   make(map[string]string),
		statuses: make(map[string]string),
		prices:   make(map[string]int64),
	}
}

func (f *fakeListings) add(id, owner string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[id] = owner
	f.statuses[id] = "open"
	f.prices[id] = price
}

func (f *fakeListings) GetListingForProposal(ctx context.Context, id string) (string, string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[id]
	if !ok {
		return "", "", 0, listing.ErrListingNotFound
	}
	return owner, f.statuses[id], f.prices[id], nil
}

func (f *fakeListings) MarkTraded(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.owners[id]; !ok {
		return listing.ErrListingNotFound
	}
	f.statuses[id] = "traded"
	return nil
}

func (f *fakeListings) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

// recordingPublisher captures broadcast events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Broadcast(eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func newTestEngine() (*Service, *ledger.MemoryStore, *audit.MemoryStore, *fakeListings) {
	ls := ledger.NewMemoryStore()
	as := audit.NewMemoryStore()
	fl := newFakeListings()
	svc := NewService(NewMemoryStore(ls, as, 0), fl)
	return svc, ls, as, fl
}

func seedWallet(t *testing.T, ls *ledger.MemoryStore, user string, credits int64) {
	t.Helper()
	if _, err := ls.EnsureWallet(context.Background(), user, credits); err != nil {
		t.Fatalf("seed wallet for %s: %v", user, err)
	}
}

func wallet(t *testing.T, ls *ledger.MemoryStore, user string) *ledger.Wallet {
	t.Helper()
	w, err := ls.GetWalletByUser(context.Background(), user)
	if err != nil {
		t.Fatalf("get wallet for %s: %v", user, err)
	}
	return w
}

func TestNegotiation_CounterThenAccept(t *testing.T) {
	svc, ls, as, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 150)

	p, err := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1", Message: "interested"})
	if err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}
	if p.OfferedAmount != 100 {
		t.Errorf("offer should default to listing price, got %d", p.OfferedAmount)
	}
	if p.Status != ProposalPending || p.LastActorID != "buyer" {
		t.Errorf("unexpected proposal state: %s / %s", p.Status, p.LastActorID)
	}

	// Seller counters down to 80, buyer counters back to 90.
	p, err = svc.Counter(ctx, p.ID, "seller", CounterRequest{Amount: 80})
	if err != nil {
		t.Fatalf("seller counter failed: %v", err)
	}
	p, err = svc.Counter(ctx, p.ID, "buyer", CounterRequest{Amount: 90, Message: "meet in the middle"})
	if err != nil {
		t.Fatalf("buyer counter failed: %v", err)
	}
	if p.Status != ProposalCountered || p.OfferedAmount != 90 {
		t.Errorf("unexpected proposal after counters: %s amount=%d", p.Status, p.OfferedAmount)
	}

	ex, err := svc.Accept(ctx, p.ID, "seller")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if ex.Amount != 90 || ex.Status != ExchangeActive {
		t.Errorf("unexpected exchange: amount=%d status=%s", ex.Amount, ex.Status)
	}
	if ex.ConfirmBuyer || ex.ConfirmSeller {
		t.Error("confirmation flags should start unset")
	}

	// The standing offer amount was held, not the original price.
	w := wallet(t, ls, "buyer")
	if w.Available != 60 || w.Held != 90 {
		t.Errorf("buyer wallet after accept: available=%d held=%d, want 60/90", w.Available, w.Held)
	}

	movements, err := ls.History(ctx, w.ID, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(movements))
	}
	m := movements[0]
	if m.TypeCode != ledger.TypeExchangeHold || m.BalanceBefore != 150 || m.BalanceAfter != 60 {
		t.Errorf("unexpected hold movement: %s %d->%d", m.TypeCode, m.BalanceBefore, m.BalanceAfter)
	}
	if m.ReferenceID != ex.ID || m.ReferenceKind != ledger.RefExchange {
		t.Errorf("movement should reference the exchange, got %s/%s", m.ReferenceKind, m.ReferenceID)
	}

	// Bitácora carries the whole negotiation.
	entries, err := as.ListByProposal(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("ListByProposal failed: %v", err)
	}
	want := []string{
		audit.EventProposalAccepted,
		audit.EventCounterOffer,
		audit.EventCounterOffer,
		audit.EventProposalCreated,
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d audit entries, got %d", len(want), len(entries))
	}
	for i, code := range want {
		if entries[i].EventCode != code {
			t.Errorf("audit[%d] = %s, want %s", i, entries[i].EventCode, code)
		}
	}
	if entries[1].Metadata["previous_amount"] != "80" {
		t.Errorf("counter audit should record previous amount, got %q", entries[1].Metadata["previous_amount"])
	}
}

func TestNegotiation_AlternationRule(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 50)
	seedWallet(t, ls, "buyer", 100)

	p, err := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	if err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}

	// Buyer cannot respond to their own standing offer.
	if _, err := svc.Counter(ctx, p.ID, "buyer", CounterRequest{Amount: 40}); !errors.Is(err, ErrCannotActOnOwnOffer) {
		t.Errorf("buyer countering own offer: got %v, want ErrCannotActOnOwnOffer", err)
	}
	if _, err := svc.Reject(ctx, p.ID, "buyer"); !errors.Is(err, ErrCannotActOnOwnOffer) {
		t.Errorf("buyer rejecting own offer: got %v, want ErrCannotActOnOwnOffer", err)
	}

	// Only the seller may accept.
	if _, err := svc.Accept(ctx, p.ID, "buyer"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("buyer accepting: got %v, want ErrNotAuthorized", err)
	}

	// A stranger is not part of the thread at all.
	if _, err := svc.Counter(ctx, p.ID, "stranger", CounterRequest{Amount: 10}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("stranger countering: got %v, want ErrNotAuthorized", err)
	}

	// After the seller counters, the seller cannot accept their own counter.
	if _, err := svc.Counter(ctx, p.ID, "seller", CounterRequest{Amount: 60}); err != nil {
		t.Fatalf("seller counter failed: %v", err)
	}
	if _, err := svc.Accept(ctx, p.ID, "seller"); !errors.Is(err, ErrCannotActOnOwnOffer) {
		t.Errorf("seller accepting own counter: got %v, want ErrCannotActOnOwnOffer", err)
	}

	// The buyer may accept... no: only the seller accepts. The buyer
	// signals agreement by countering back to the same amount.
	if _, err := svc.Accept(ctx, p.ID, "buyer"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("buyer accepting seller counter: got %v, want ErrNotAuthorized", err)
	}
}

func TestCreateProposal_Validation(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 50)
	fl.add("lst_closed", "seller", 50)
	fl.statuses["lst_closed"] = "suspended"
	seedWallet(t, ls, "buyer", 100)

	if _, err := svc.CreateProposal(ctx, "seller", CreateProposalRequest{ListingID: "lst_1"}); !errors.Is(err, ErrSelfDealing) {
		t.Errorf("proposing on own listing: got %v, want ErrSelfDealing", err)
	}
	if _, err := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_closed"}); !errors.Is(err, ErrListingUnavailable) {
		t.Errorf("proposing on closed listing: got %v, want ErrListingUnavailable", err)
	}
	if _, err := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_missing"}); !errors.Is(err, listing.ErrListingNotFound) {
		t.Errorf("proposing on missing listing: got %v, want ErrListingNotFound", err)
	}
}

func TestProposal_TerminalStatesAreFinal(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 50)
	seedWallet(t, ls, "buyer", 100)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	if _, err := svc.Reject(ctx, p.ID, "seller"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	if _, err := svc.Accept(ctx, p.ID, "seller"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("accepting rejected proposal: got %v, want ErrAlreadyProcessed", err)
	}
	if _, err := svc.Counter(ctx, p.ID, "seller", CounterRequest{Amount: 40}); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("countering rejected proposal: got %v, want ErrAlreadyProcessed", err)
	}
	if _, err := svc.Reject(ctx, p.ID, "buyer"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("re-rejecting proposal: got %v, want ErrAlreadyProcessed", err)
	}
}

func TestAccept_InsufficientFundsLeavesNoTrace(t *testing.T) {
	svc, ls, as, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 10)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	if _, err := svc.Accept(ctx, p.ID, "seller"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("accept with poor buyer: got %v, want ErrInsufficientFunds", err)
	}

	// Nothing moved and nothing was written: the proposal is still live,
	// the wallet untouched, no exchange, no movement, no audit beyond
	// the creation entry.
	got, err := svc.GetProposal(ctx, p.ID, "buyer")
	if err != nil {
		t.Fatalf("GetProposal failed: %v", err)
	}
	if got.Status != ProposalPending {
		t.Errorf("proposal status after failed accept: %s, want pending", got.Status)
	}
	w := wallet(t, ls, "buyer")
	if w.Available != 10 || w.Held != 0 {
		t.Errorf("wallet changed on failed accept: available=%d held=%d", w.Available, w.Held)
	}
	if movements, _ := ls.History(ctx, w.ID, 10); len(movements) != 0 {
		t.Errorf("expected no movements, got %d", len(movements))
	}
	if entries, _ := as.ListByProposal(ctx, p.ID, 10); len(entries) != 1 {
		t.Errorf("expected only the creation audit entry, got %d", len(entries))
	}
	if exchanges, _ := svc.ListMyExchanges(ctx, "buyer", 10); len(exchanges) != 0 {
		t.Errorf("expected no exchanges, got %d", len(exchanges))
	}
}

func TestConfirm_FirstConfirmationLeavesExchangeActive(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 100)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	ex, _ := svc.Accept(ctx, p.ID, "seller")

	result, err := svc.Confirm(ctx, ex.ID, "buyer")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if result.Settled {
		t.Error("single confirmation must not settle")
	}
	if !result.Exchange.ConfirmBuyer || result.Exchange.ConfirmSeller {
		t.Errorf("unexpected flags: buyer=%v seller=%v", result.Exchange.ConfirmBuyer, result.Exchange.ConfirmSeller)
	}
	if result.Exchange.Status != ExchangeActive {
		t.Errorf("exchange status: %s, want active", result.Exchange.Status)
	}

	// Funds are still in escrow.
	w := wallet(t, ls, "buyer")
	if w.Held != 100 {
		t.Errorf("held = %d, want 100", w.Held)
	}
}

func TestConfirm_SettlementMovesCreditsOnce(t *testing.T) {
	svc, ls, as, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 150)
	seedWallet(t, ls, "seller", 20)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	ex, _ := svc.Accept(ctx, p.ID, "seller")

	if _, err := svc.Confirm(ctx, ex.ID, "seller"); err != nil {
		t.Fatalf("seller confirm failed: %v", err)
	}
	result, err := svc.Confirm(ctx, ex.ID, "buyer")
	if err != nil {
		t.Fatalf("buyer confirm failed: %v", err)
	}
	if !result.Settled {
		t.Fatal("second confirmation must settle")
	}
	if result.Exchange.Status != ExchangeCompleted || result.Exchange.CompletedAt == nil {
		t.Errorf("exchange not completed: %s", result.Exchange.Status)
	}

	buyer := wallet(t, ls, "buyer")
	seller := wallet(t, ls, "seller")
	if buyer.Available != 50 || buyer.Held != 0 {
		t.Errorf("buyer after settlement: available=%d held=%d, want 50/0", buyer.Available, buyer.Held)
	}
	if seller.Available != 120 || seller.Held != 0 {
		t.Errorf("seller after settlement: available=%d held=%d, want 120/0", seller.Available, seller.Held)
	}

	// Seller gets a credit movement, buyer gets a balance-neutral one
	// documenting the applied hold.
	sellerMoves, _ := ls.History(ctx, seller.ID, 10)
	if len(sellerMoves) != 1 || sellerMoves[0].TypeCode != ledger.TypeExchangePay {
		t.Fatalf("unexpected seller movements: %+v", sellerMoves)
	}
	if sellerMoves[0].BalanceBefore != 20 || sellerMoves[0].BalanceAfter != 120 {
		t.Errorf("seller movement balances: %d->%d, want 20->120", sellerMoves[0].BalanceBefore, sellerMoves[0].BalanceAfter)
	}
	buyerMoves, _ := ls.History(ctx, buyer.ID, 10)
	if len(buyerMoves) != 2 {
		t.Fatalf("expected 2 buyer movements, got %d", len(buyerMoves))
	}
	release := buyerMoves[0]
	if release.TypeCode != ledger.TypeHoldApplied {
		t.Errorf("latest buyer movement: %s, want %s", release.TypeCode, ledger.TypeHoldApplied)
	}
	if release.BalanceBefore != release.BalanceAfter {
		t.Errorf("hold-applied movement must be balance-neutral: %d->%d", release.BalanceBefore, release.BalanceAfter)
	}

	// Hold resolved exactly once, listing left availability.
	hold, err := svc.store.GetHoldByExchange(ctx, ex.ID)
	if err != nil {
		t.Fatalf("GetHoldByExchange failed: %v", err)
	}
	if hold.Status != HoldApplied || hold.ReleasedAt == nil {
		t.Errorf("hold after settlement: %s", hold.Status)
	}
	if fl.status("lst_1") != "traded" {
		t.Errorf("listing status: %s, want traded", fl.status("lst_1"))
	}

	entries, _ := as.ListByExchange(ctx, ex.ID, 10)
	var completed int
	for _, e := range entries {
		if e.EventCode == audit.EventExchangeCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("expected exactly 1 completion audit entry, got %d", completed)
	}
}

func TestConfirm_RepeatAndAfterSettlement(t *testing.T) {
	svc, ls, as, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 100)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	ex, _ := svc.Accept(ctx, p.ID, "seller")

	if _, err := svc.Confirm(ctx, ex.ID, "buyer"); err != nil {
		t.Fatalf("first buyer confirm failed: %v", err)
	}

	// Repeating the same side is a quiet no-op.
	result, err := svc.Confirm(ctx, ex.ID, "buyer")
	if err != nil {
		t.Fatalf("repeat buyer confirm failed: %v", err)
	}
	if result.Settled {
		t.Error("repeat confirm must not settle")
	}
	entries, _ := as.ListByExchange(ctx, ex.ID, 20)
	var buyerConfirms int
	for _, e := range entries {
		if e.EventCode == audit.EventBuyerConfirmed {
			buyerConfirms++
		}
	}
	if buyerConfirms != 1 {
		t.Errorf("expected 1 buyer-confirmed audit entry, got %d", buyerConfirms)
	}

	if _, err := svc.Confirm(ctx, ex.ID, "seller"); err != nil {
		t.Fatalf("seller confirm failed: %v", err)
	}

	// Confirming a completed exchange returns the settled outcome without
	// touching balances again.
	sellerBefore := wallet(t, ls, "seller").Available
	result, err = svc.Confirm(ctx, ex.ID, "seller")
	if err != nil {
		t.Fatalf("confirm after settlement failed: %v", err)
	}
	if !result.Settled {
		t.Error("confirm after settlement should report settled")
	}
	if got := wallet(t, ls, "seller").Available; got != sellerBefore {
		t.Errorf("seller balance changed on idempotent confirm: %d -> %d", sellerBefore, got)
	}

	// Outsiders cannot confirm.
	if _, err := svc.Confirm(ctx, ex.ID, "stranger"); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("stranger confirm: got %v, want ErrNotAParticipant", err)
	}
}

func TestCancel_ReturnsHeldCredits(t *testing.T) {
	svc, ls, as, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 100)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	ex, _ := svc.Accept(ctx, p.ID, "seller")

	// One confirmation does not block cancellation.
	if _, err := svc.Confirm(ctx, ex.ID, "buyer"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, ex.ID, "seller", "item no longer available")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != ExchangeCancelled {
		t.Errorf("exchange status: %s, want cancelled", cancelled.Status)
	}

	w := wallet(t, ls, "buyer")
	if w.Available != 100 || w.Held != 0 {
		t.Errorf("buyer after cancel: available=%d held=%d, want 100/0", w.Available, w.Held)
	}
	moves, _ := ls.History(ctx, w.ID, 10)
	if len(moves) != 2 || moves[0].TypeCode != ledger.TypeHoldReturned {
		t.Fatalf("expected hold-returned movement, got %+v", moves)
	}
	if moves[0].BalanceBefore != 0 || moves[0].BalanceAfter != 100 {
		t.Errorf("return movement balances: %d->%d, want 0->100", moves[0].BalanceBefore, moves[0].BalanceAfter)
	}

	hold, _ := svc.store.GetHoldByExchange(ctx, ex.ID)
	if hold.Status != HoldReleased {
		t.Errorf("hold status: %s, want released", hold.Status)
	}

	entries, _ := as.ListByExchange(ctx, ex.ID, 10)
	if entries[0].EventCode != audit.EventExchangeCancelled {
		t.Errorf("latest audit entry: %s, want %s", entries[0].EventCode, audit.EventExchangeCancelled)
	}
	if entries[0].Metadata["cancelled_by"] != "seller" {
		t.Errorf("cancel audit should record the actor, got %q", entries[0].Metadata["cancelled_by"])
	}

	// Cancelling again returns the prior outcome, no double refund.
	again, err := svc.Cancel(ctx, ex.ID, "buyer", "")
	if err != nil {
		t.Fatalf("repeat cancel failed: %v", err)
	}
	if again.Status != ExchangeCancelled {
		t.Errorf("repeat cancel status: %s", again.Status)
	}
	if w := wallet(t, ls, "buyer"); w.Available != 100 {
		t.Errorf("double refund: available=%d", w.Available)
	}

	// A cancelled exchange cannot be confirmed.
	if _, err := svc.Confirm(ctx, ex.ID, "buyer"); !errors.Is(err, ErrExchangeNotActive) {
		t.Errorf("confirm after cancel: got %v, want ErrExchangeNotActive", err)
	}
}

func TestCancel_CompletedExchangeIsImmutable(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 100)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	ex, _ := svc.Accept(ctx, p.ID, "seller")
	svc.Confirm(ctx, ex.ID, "buyer")
	svc.Confirm(ctx, ex.ID, "seller")

	if _, err := svc.Cancel(ctx, ex.ID, "buyer", "changed my mind"); !errors.Is(err, ErrExchangeNotActive) {
		t.Errorf("cancel after settlement: got %v, want ErrExchangeNotActive", err)
	}
	if _, err := svc.Cancel(ctx, ex.ID, "stranger", ""); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("stranger cancel: got %v, want ErrNotAParticipant", err)
	}
}

func TestAccept_ExactlyOneHoldUnderConcurrency(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 1000)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})

	var wg sync.WaitGroup
	var okCount, failCount int32
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Accept(ctx, p.ID, "seller")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				okCount++
			} else if errors.Is(err, ErrAlreadyProcessed) {
				failCount++
			} else {
				t.Errorf("unexpected accept error: %v", err)
			}
		}()
	}
	wg.Wait()

	if okCount != 1 || failCount != 7 {
		t.Errorf("accepts: ok=%d failed=%d, want 1/7", okCount, failCount)
	}
	w := wallet(t, ls, "buyer")
	if w.Held != 100 || w.Available != 900 {
		t.Errorf("buyer after concurrent accepts: available=%d held=%d, want 900/100", w.Available, w.Held)
	}
}

func TestConfirm_ConcurrentSettlesOnce(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 100)
	seedWallet(t, ls, "buyer", 100)
	seedWallet(t, ls, "seller", 0)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	ex, _ := svc.Accept(ctx, p.ID, "seller")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, actor := range []string{"buyer", "seller"} {
			wg.Add(1)
			go func(actor string) {
				defer wg.Done()
				if _, err := svc.Confirm(ctx, ex.ID, actor); err != nil {
					t.Errorf("concurrent confirm by %s: %v", actor, err)
				}
			}(actor)
		}
	}
	wg.Wait()

	seller := wallet(t, ls, "seller")
	if seller.Available != 100 {
		t.Errorf("seller credited %d, want exactly 100", seller.Available)
	}
	buyer := wallet(t, ls, "buyer")
	if buyer.Available != 0 || buyer.Held != 0 {
		t.Errorf("buyer after race: available=%d held=%d, want 0/0", buyer.Available, buyer.Held)
	}
	sellerMoves, _ := ls.History(ctx, seller.ID, 10)
	if len(sellerMoves) != 1 {
		t.Errorf("seller movements: %d, want 1", len(sellerMoves))
	}
}

func TestAccept_SecondListingProposalBlockedAfterAccept(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 50)
	seedWallet(t, ls, "alice", 100)
	seedWallet(t, ls, "bob", 100)

	p1, _ := svc.CreateProposal(ctx, "alice", CreateProposalRequest{ListingID: "lst_1"})
	p2, _ := svc.CreateProposal(ctx, "bob", CreateProposalRequest{ListingID: "lst_1"})

	if _, err := svc.Accept(ctx, p1.ID, "seller"); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	if _, err := svc.Accept(ctx, p2.ID, "seller"); !errors.Is(err, ErrListingUnavailable) {
		t.Errorf("second accept on same listing: got %v, want ErrListingUnavailable", err)
	}
	if w := wallet(t, ls, "bob"); w.Held != 0 {
		t.Errorf("bob should have no held credits, got %d", w.Held)
	}
}

func TestConservation_TotalCreditsNeverChange(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_a", "seller", 60)
	fl.add("lst_b", "buyer", 40) // roles reversed on the second listing
	seedWallet(t, ls, "buyer", 200)
	seedWallet(t, ls, "seller", 100)

	total := func() int64 {
		var sum int64
		for _, u := range []string{"buyer", "seller"} {
			w := wallet(t, ls, u)
			sum += w.Available + w.Held
		}
		return sum
	}
	start := total()

	// Settled exchange: buyer pays seller 60.
	p1, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_a"})
	ex1, _ := svc.Accept(ctx, p1.ID, "seller")
	if got := total(); got != start {
		t.Errorf("total changed after hold: %d -> %d", start, got)
	}
	svc.Confirm(ctx, ex1.ID, "buyer")
	svc.Confirm(ctx, ex1.ID, "seller")
	if got := total(); got != start {
		t.Errorf("total changed after settlement: %d -> %d", start, got)
	}

	// Cancelled exchange: seller proposes on the buyer's listing.
	p2, _ := svc.CreateProposal(ctx, "seller", CreateProposalRequest{ListingID: "lst_b"})
	ex2, _ := svc.Accept(ctx, p2.ID, "buyer")
	svc.Cancel(ctx, ex2.ID, "seller", "cancelled")
	if got := total(); got != start {
		t.Errorf("total changed after cancellation: %d -> %d", start, got)
	}
}

func TestEvents_PublishedAfterCommit(t *testing.T) {
	ls := ledger.NewMemoryStore()
	as := audit.NewMemoryStore()
	fl := newFakeListings()
	pub := &recordingPublisher{}
	svc := NewService(NewMemoryStore(ls, as, 0), fl, WithEvents(pub))
	ctx := context.Background()

	fl.add("lst_1", "seller", 50)
	seedWallet(t, ls, "buyer", 100)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})
	ex, _ := svc.Accept(ctx, p.ID, "seller")
	svc.Confirm(ctx, ex.ID, "buyer")
	svc.Confirm(ctx, ex.ID, "seller")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	want := []string{
		EventProposalCreated,
		EventProposalAccepted,
		EventExchangeConfirmed,
		EventExchangeConfirmed,
		EventExchangeCompleted,
	}
	if len(pub.events) != len(want) {
		t.Fatalf("events = %v, want %v", pub.events, want)
	}
	for i := range want {
		if pub.events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, pub.events[i], want[i])
		}
	}
}

func TestVisibility_ParticipantsOnly(t *testing.T) {
	svc, ls, _, fl := newTestEngine()
	ctx := context.Background()

	fl.add("lst_1", "seller", 50)
	seedWallet(t, ls, "buyer", 100)

	p, _ := svc.CreateProposal(ctx, "buyer", CreateProposalRequest{ListingID: "lst_1"})

	if _, err := svc.GetProposal(ctx, p.ID, "stranger"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("stranger reading proposal: got %v, want ErrNotAuthorized", err)
	}
	got, err := svc.GetProposal(ctx, p.ID, "seller")
	if err != nil {
		t.Fatalf("seller reading proposal: %v", err)
	}
	if got.SellerID != "seller" {
		t.Errorf("seller not resolved on read: %q", got.SellerID)
	}

	if _, err := svc.ListProposalsForListing(ctx, "lst_1", "buyer", 10); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-owner listing proposals: got %v, want ErrNotAuthorized", err)
	}
	ps, err := svc.ListProposalsForListing(ctx, "lst_1", "seller", 10)
	if err != nil || len(ps) != 1 {
		t.Errorf("owner listing proposals: %v, %d entries", err, len(ps))
	}
}
