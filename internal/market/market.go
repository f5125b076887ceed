// Package market implements the sale lifecycle of the auction house: sale
// creation, bidding, time-gated closing, outcome claiming and refund
// accounting for displaced bidders.
//
// Every operation is serialized by a single mutex; state changes are
// committed before any outbound transfer to a collaborator is issued
// (checks-effects-interactions), so a reentrant call during a transfer
// observes already-updated state and cannot double-spend a refund or
// double-claim a token.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/nft-auction-house/internal/clock"
	"github.com/jensholdgaard/nft-auction-house/internal/event"
	"github.com/jensholdgaard/nft-auction-house/internal/funds"
	"github.com/jensholdgaard/nft-auction-house/internal/nft"
	"github.com/jensholdgaard/nft-auction-house/internal/store"
)

// Marketplace coordinates the sale arena, the refund ledger and the external
// custody collaborators.
type Marketplace struct {
	mu    sync.RWMutex
	sales []*Sale // dense arena; a sale's ID is its index

	escrow  string
	assets  nft.Registry
	bank    funds.Bank
	refunds store.RefundRepository
	rows    store.SaleRepository
	events  event.Store

	observers []event.Observer

	// refundSeq tracks per-account versions of the refund event streams,
	// lazily seeded from the event store.
	refundMu  sync.Mutex
	refundSeq map[string]int

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// NewMarketplace creates a Marketplace holding custody under the escrow
// account.
func NewMarketplace(escrow string, assets nft.Registry, bank funds.Bank, repos *store.Repositories, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Marketplace {
	return &Marketplace{
		escrow:  escrow,
		assets:  assets,
		bank:    bank,
		refunds: repos.Refunds,
		rows:    repos.Sales,
		events:  repos.Events,

		refundSeq: make(map[string]int),
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/nft-auction-house/internal/market"),
		clock:     clk,
	}
}

// AddObserver registers an observer notified of every committed event.
// Not safe to call concurrently with operations; register during setup.
func (m *Marketplace) AddObserver(o event.Observer) {
	m.observers = append(m.observers, o)
}

// CreateSale escrows tokenID and opens a new sale that expires after
// duration. The seller must own the token or have approved the escrow
// account for it; a custody failure records nothing.
func (m *Marketplace) CreateSale(ctx context.Context, tokenID, seller string, minPrice int64, duration time.Duration) (uint64, error) {
	ctx, span := m.tracer.Start(ctx, "Marketplace.CreateSale",
		trace.WithAttributes(
			attribute.String("token.id", tokenID),
			attribute.String("seller", seller),
			attribute.Int64("min_price", minPrice),
		),
	)
	defer span.End()

	if duration <= 0 {
		return 0, ErrInvalidDuration
	}
	if minPrice <= 0 {
		return 0, ErrInvalidMinPrice
	}

	// Escrow the token first: the registry is the authority on ownership
	// and approval, and a rejected transfer must leave no sale recorded.
	if err := m.assets.Transfer(ctx, m.escrow, seller, m.escrow, tokenID); err != nil {
		return 0, fmt.Errorf("escrowing token %s: %w", tokenID, err)
	}

	now := m.clock.Now().UTC()

	m.mu.Lock()
	id := uint64(len(m.sales))
	s := &Sale{
		ID:        id,
		TokenID:   tokenID,
		Seller:    seller,
		MinPrice:  minPrice,
		EndTime:   now.Add(duration),
		Status:    StatusActive,
		CreatedAt: now,
	}
	m.sales = append(m.sales, s)

	data, _ := json.Marshal(event.SaleCreatedData{
		TokenID:  tokenID,
		Seller:   seller,
		MinPrice: minPrice,
		Duration: duration,
		EndTime:  s.EndTime,
	})
	ev := m.newEventLocked(s, event.SaleCreated, data)
	row := saleRow(s)
	m.mu.Unlock()

	if err := m.rows.Create(ctx, row); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist sale row", slog.Uint64("sale_id", id), slog.Any("error", err))
	}
	m.emit(ctx, ev)

	m.logger.InfoContext(ctx, "sale created",
		slog.Uint64("sale_id", id),
		slog.String("token_id", tokenID),
		slog.String("seller", seller),
	)
	return id, nil
}

// BidForSale places a bid on an active, unexpired sale. The amount must
// strictly exceed both the minimum price and the current highest bid. The
// displaced bidder's funds stay escrowed and their refund is queued on the
// ledger, never pushed.
func (m *Marketplace) BidForSale(ctx context.Context, id uint64, bidder string, amount int64) error {
	ctx, span := m.tracer.Start(ctx, "Marketplace.BidForSale",
		trace.WithAttributes(
			attribute.Int64("sale.id", int64(id)),
			attribute.String("bidder", bidder),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	now := m.clock.Now().UTC()

	m.mu.Lock()
	s, err := m.saleLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.Closed(now) {
		m.mu.Unlock()
		return ErrAuctionEnded
	}
	floor := s.MinPrice
	if s.HighestBid > floor {
		floor = s.HighestBid
	}
	if amount <= floor {
		m.mu.Unlock()
		return ErrBidTooLow
	}

	if s.HighestBidder != "" {
		if err := m.seedRefundSeq(ctx, s.HighestBidder); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	// Pull the bid into escrow before touching sale state; a failed pull
	// leaves the sale unchanged.
	if err := m.bank.Transfer(ctx, bidder, m.escrow, amount); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("escrowing bid: %w", err)
	}

	prevBidder, prevAmount := s.HighestBidder, s.HighestBid
	if prevBidder != "" {
		if err := m.refunds.Credit(ctx, prevBidder, prevAmount); err != nil {
			// Return the escrowed funds so the failed bid has no effect.
			if undoErr := m.bank.Transfer(ctx, m.escrow, bidder, amount); undoErr != nil {
				m.logger.ErrorContext(ctx, "failed to return escrowed bid",
					slog.Uint64("sale_id", id),
					slog.String("bidder", bidder),
					slog.Any("error", undoErr),
				)
			}
			m.mu.Unlock()
			return fmt.Errorf("queueing refund for displaced bidder: %w", err)
		}
	}

	s.HighestBidder = bidder
	s.HighestBid = amount

	bidData, _ := json.Marshal(event.BidPlacedData{
		Bidder:     bidder,
		Amount:     amount,
		PrevBidder: prevBidder,
		PrevAmount: prevAmount,
	})
	evs := []event.Event{m.newEventLocked(s, event.SaleBidPlaced, bidData)}
	m.mu.Unlock()

	if prevBidder != "" {
		refundData, _ := json.Marshal(event.RefundData{Account: prevBidder, Amount: prevAmount, SaleID: id})
		evs = append(evs, m.nextRefundEvent(prevBidder, event.RefundQueued, refundData))
	}

	if err := m.rows.UpdateBid(ctx, int64(id), bidder, amount); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist bid row", slog.Uint64("sale_id", id), slog.Any("error", err))
	}
	m.emit(ctx, evs...)

	m.logger.InfoContext(ctx, "bid placed",
		slog.Uint64("sale_id", id),
		slog.String("bidder", bidder),
		slog.Int64("amount", amount),
	)
	return nil
}

// EndSale closes bidding on an expired sale. Only the seller may end a sale,
// and only after its window has elapsed. No token or funds move; a sale with
// bids still requires the winner to claim.
func (m *Marketplace) EndSale(ctx context.Context, id uint64, caller string) error {
	ctx, span := m.tracer.Start(ctx, "Marketplace.EndSale",
		trace.WithAttributes(
			attribute.Int64("sale.id", int64(id)),
			attribute.String("caller", caller),
		),
	)
	defer span.End()

	now := m.clock.Now().UTC()

	m.mu.Lock()
	s, err := m.saleLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.Status == StatusEnded {
		m.mu.Unlock()
		return ErrSaleNotActive
	}
	if caller != s.Seller {
		m.mu.Unlock()
		return ErrNotSalePoster
	}
	if now.Before(s.EndTime) {
		m.mu.Unlock()
		return ErrAuctionNotEnded
	}

	s.Status = StatusEnded
	ev := m.newEventLocked(s, event.SaleEnded, json.RawMessage(`{}`))
	m.mu.Unlock()

	if err := m.rows.MarkEnded(ctx, int64(id)); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist sale end", slog.Uint64("sale_id", id), slog.Any("error", err))
	}
	m.emit(ctx, ev)

	m.logger.InfoContext(ctx, "sale ended", slog.Uint64("sale_id", id))
	return nil
}

// ClaimNft settles an expired sale. With bids, only the highest bidder may
// claim: the token leaves escrow to the bidder and the winning bid is paid
// to the seller. Without bids, only the seller may claim and the token
// returns to them. An active sale past its end time is closed here first, so
// EndSale is optional.
func (m *Marketplace) ClaimNft(ctx context.Context, id uint64, caller string) error {
	ctx, span := m.tracer.Start(ctx, "Marketplace.ClaimNft",
		trace.WithAttributes(
			attribute.Int64("sale.id", int64(id)),
			attribute.String("caller", caller),
		),
	)
	defer span.End()

	now := m.clock.Now().UTC()

	m.mu.Lock()
	s, err := m.saleLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.Claimed {
		m.mu.Unlock()
		return ErrSaleNotActive
	}
	if s.Status == StatusActive && now.Before(s.EndTime) {
		m.mu.Unlock()
		return ErrAuctionNotEnded
	}
	if s.HighestBid > 0 && caller != s.HighestBidder {
		m.mu.Unlock()
		return ErrNotHighestBidder
	}
	if s.HighestBid == 0 && caller != s.Seller {
		m.mu.Unlock()
		return ErrNotSalePoster
	}

	// Commit the terminal state before crossing into any collaborator: a
	// reentrant call during the transfers below sees the sale as claimed.
	autoClosed := s.Status == StatusActive
	s.Status = StatusEnded
	s.Claimed = true
	s.ClaimedBy = caller

	var evs []event.Event
	if autoClosed {
		evs = append(evs, m.newEventLocked(s, event.SaleEnded, json.RawMessage(`{}`)))
	}
	claimData, _ := json.Marshal(event.NftClaimedData{ClaimedBy: caller, WinningBid: s.HighestBid})
	evs = append(evs, m.newEventLocked(s, event.SaleNftClaimed, claimData))

	tokenID, seller, winningBid := s.TokenID, s.Seller, s.HighestBid
	m.mu.Unlock()

	rollback := func() {
		m.mu.Lock()
		s.Claimed = false
		s.ClaimedBy = ""
		if autoClosed {
			s.Status = StatusActive
		}
		s.Version -= len(evs)
		m.mu.Unlock()
	}

	// Funds before the token: a failed asset release can always be
	// compensated by pulling the payout back, while a token that left
	// escrow cannot be re-escrowed without a fresh approval.
	if winningBid > 0 {
		if err := m.bank.Transfer(ctx, m.escrow, seller, winningBid); err != nil {
			rollback()
			return fmt.Errorf("paying seller: %w", err)
		}
	}
	if err := m.assets.Transfer(ctx, m.escrow, m.escrow, caller, tokenID); err != nil {
		if winningBid > 0 {
			if undoErr := m.bank.Transfer(ctx, seller, m.escrow, winningBid); undoErr != nil {
				m.logger.ErrorContext(ctx, "failed to recover payout after release failure",
					slog.Uint64("sale_id", id),
					slog.String("token_id", tokenID),
					slog.Any("error", undoErr),
				)
			}
		}
		rollback()
		return fmt.Errorf("releasing token %s: %w", tokenID, err)
	}

	if autoClosed {
		if err := m.rows.MarkEnded(ctx, int64(id)); err != nil {
			m.logger.ErrorContext(ctx, "failed to persist sale end", slog.Uint64("sale_id", id), slog.Any("error", err))
		}
	}
	if err := m.rows.MarkClaimed(ctx, int64(id), caller); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist claim", slog.Uint64("sale_id", id), slog.Any("error", err))
	}
	m.emit(ctx, evs...)

	m.logger.InfoContext(ctx, "nft claimed",
		slog.Uint64("sale_id", id),
		slog.String("claimed_by", caller),
		slog.Int64("winning_bid", winningBid),
	)
	return nil
}

// ClaimBidRefund withdraws everything owed to account from being outbid.
// Claiming with nothing owed succeeds and transfers nothing. The ledger
// entry is zeroed before the outbound transfer is issued, so a reentrant
// claim during the transfer withdraws nothing.
func (m *Marketplace) ClaimBidRefund(ctx context.Context, account string) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "Marketplace.ClaimBidRefund",
		trace.WithAttributes(attribute.String("account", account)),
	)
	defer span.End()

	if err := m.seedRefundSeq(ctx, account); err != nil {
		return 0, err
	}

	owed, err := m.refunds.Claim(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("claiming refund: %w", err)
	}
	if owed == 0 {
		return 0, nil
	}

	if err := m.bank.Transfer(ctx, m.escrow, account, owed); err != nil {
		if creditErr := m.refunds.Credit(ctx, account, owed); creditErr != nil {
			m.logger.ErrorContext(ctx, "failed to restore refund balance",
				slog.String("account", account),
				slog.Int64("amount", owed),
				slog.Any("error", creditErr),
			)
		}
		return 0, fmt.Errorf("paying refund: %w", err)
	}

	data, _ := json.Marshal(event.RefundData{Account: account, Amount: owed})
	m.emit(ctx, m.nextRefundEvent(account, event.RefundClaimed, data))

	m.logger.InfoContext(ctx, "refund claimed",
		slog.String("account", account),
		slog.Int64("amount", owed),
	)
	return owed, nil
}

// GetSale returns a snapshot of the sale with the given id.
func (m *Marketplace) GetSale(_ context.Context, id uint64) (*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.saleLocked(id)
	if err != nil {
		return nil, err
	}
	snapshot := *s
	return &snapshot, nil
}

// RefundOwed returns the refund balance currently owed to account.
func (m *Marketplace) RefundOwed(ctx context.Context, account string) (int64, error) {
	return m.refunds.Owed(ctx, account)
}

// RecoverSales rebuilds the sale arena from the event log. It is used on
// startup (and on leadership acquisition) to restore state.
func (m *Marketplace) RecoverSales(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Marketplace.RecoverSales")
	defer span.End()

	created, err := m.events.LoadByType(ctx, event.SaleCreated)
	if err != nil {
		return 0, fmt.Errorf("loading sale created events: %w", err)
	}

	seen := make(map[string]struct{}, len(created))
	recovered := make(map[uint64]*Sale, len(created))
	var maxID uint64
	for _, e := range created {
		if _, ok := seen[e.AggregateID]; ok {
			continue
		}
		seen[e.AggregateID] = struct{}{}

		history, loadErr := m.events.Load(ctx, e.AggregateID)
		if loadErr != nil {
			return 0, fmt.Errorf("loading events for %s: %w", e.AggregateID, loadErr)
		}
		s, replayErr := Replay(history)
		if replayErr != nil {
			return 0, fmt.Errorf("replaying %s: %w", e.AggregateID, replayErr)
		}
		recovered[s.ID] = s
		if s.ID > maxID {
			maxID = s.ID
		}
	}

	if len(recovered) == 0 {
		return 0, nil
	}

	arena := make([]*Sale, maxID+1)
	for id := uint64(0); id <= maxID; id++ {
		s, ok := recovered[id]
		if !ok {
			return 0, fmt.Errorf("event log has a gap at sale %d; arena must be dense", id)
		}
		arena[id] = s
	}

	m.mu.Lock()
	m.sales = arena
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "sale recovery complete", slog.Int("recovered", len(arena)))
	return len(arena), nil
}

// saleLocked resolves id to a sale. The id range check runs before anything
// else touches the record. Callers must hold m.mu.
func (m *Marketplace) saleLocked(id uint64) (*Sale, error) {
	if id >= uint64(len(m.sales)) {
		return nil, ErrSaleNotFound
	}
	return m.sales[id], nil
}

// newEventLocked records a new event against the sale's aggregate stream.
// Callers must hold m.mu.
func (m *Marketplace) newEventLocked(s *Sale, t event.Type, data json.RawMessage) event.Event {
	s.Version++
	return event.Event{
		AggregateID: s.AggregateID(),
		Type:        t,
		Data:        data,
		Version:     s.Version,
	}
}

// seedRefundSeq loads the account's refund stream length the first time the
// account is seen after startup. Callers must seed before committing any
// state that depends on appending to the stream; a store failure here aborts
// the operation instead of producing a colliding version.
func (m *Marketplace) seedRefundSeq(ctx context.Context, account string) error {
	m.refundMu.Lock()
	defer m.refundMu.Unlock()
	if _, ok := m.refundSeq[account]; ok {
		return nil
	}
	history, err := m.events.Load(ctx, "refund-"+account)
	if err != nil {
		return fmt.Errorf("seeding refund sequence for %s: %w", account, err)
	}
	m.refundSeq[account] = len(history)
	return nil
}

// nextRefundEvent records a new event against the account's refund stream.
// Refund streams are versioned independently of sales so the append-only log
// keeps its (aggregate, version) uniqueness. The account must have been
// seeded via seedRefundSeq.
func (m *Marketplace) nextRefundEvent(account string, t event.Type, data json.RawMessage) event.Event {
	m.refundMu.Lock()
	defer m.refundMu.Unlock()
	seq := m.refundSeq[account] + 1
	m.refundSeq[account] = seq

	return event.Event{
		AggregateID: "refund-" + account,
		Type:        t,
		Data:        data,
		Version:     seq,
	}
}

// emit persists committed events and fans them out to observers, in order.
// Persistence failures are logged; the operation itself has already
// committed.
func (m *Marketplace) emit(ctx context.Context, events ...event.Event) {
	if len(events) == 0 {
		return
	}
	if err := m.events.Append(ctx, events...); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist events", slog.Any("error", err))
	}
	for _, e := range events {
		for _, o := range m.observers {
			o.Notify(ctx, e)
		}
	}
}

func saleRow(s *Sale) *store.Sale {
	row := &store.Sale{
		ID:        int64(s.ID),
		TokenID:   s.TokenID,
		Seller:    s.Seller,
		MinPrice:  s.MinPrice,
		EndTime:   s.EndTime,
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt,
	}
	if s.HighestBidder != "" {
		bidder := s.HighestBidder
		row.HighestBidder = &bidder
		row.HighestBid = s.HighestBid
	}
	return row
}
