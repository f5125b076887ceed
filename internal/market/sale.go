package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jensholdgaard/nft-auction-house/internal/event"
)

// Errors returned by marketplace operations.
var (
	ErrSaleNotFound     = errors.New("sale is not valid")
	ErrAuctionEnded     = errors.New("auction already ended")
	ErrBidTooLow        = errors.New("bid should be higher than min bid price and existing highest bid")
	ErrSaleNotActive    = errors.New("sale not active")
	ErrAuctionNotEnded  = errors.New("auction not yet ended")
	ErrNotSalePoster    = errors.New("caller is not the sale poster")
	ErrNotHighestBidder = errors.New("caller is not the highest bidder")
	ErrInvalidDuration  = errors.New("sale duration must be positive")
	ErrInvalidMinPrice  = errors.New("minimum price must be positive")
)

// Status is the lifecycle state of a sale. A sale transitions exactly once,
// active to ended, and never back.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Code returns the numeric status code exposed on the wire: ACTIVE=0, ENDED=1.
func (s Status) Code() int {
	if s == StatusEnded {
		return 1
	}
	return 0
}

// Sale is one auction listing of a single escrowed token.
type Sale struct {
	ID            uint64
	TokenID       string
	Seller        string
	MinPrice      int64
	EndTime       time.Time
	HighestBidder string // "" when no bid has been placed
	HighestBid    int64  // 0 when no bid has been placed
	Status        Status
	Claimed       bool
	ClaimedBy     string
	CreatedAt     time.Time
	Version       int
}

// Expired reports whether the bidding window has elapsed at now.
func (s *Sale) Expired(now time.Time) bool {
	return !now.Before(s.EndTime)
}

// Active reports whether the sale still accepts bids at now.
func (s *Sale) Active(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.EndTime)
}

// Closed reports whether the sale is closed for bidding at now. Status alone
// is not authoritative: expiry is only discovered lazily, so a read path
// asking "is this really closed" must consult both.
func (s *Sale) Closed(now time.Time) bool {
	return s.Status == StatusEnded || s.Expired(now)
}

// AggregateID returns the sale's identifier in the event log.
func (s *Sale) AggregateID() string {
	return saleAggregateID(s.ID)
}

func saleAggregateID(id uint64) string {
	return fmt.Sprintf("sale-%d", id)
}

func parseSaleAggregateID(aggregateID string) (uint64, error) {
	raw, ok := strings.CutPrefix(aggregateID, "sale-")
	if !ok {
		return 0, fmt.Errorf("aggregate %q is not a sale", aggregateID)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing sale aggregate %q: %w", aggregateID, err)
	}
	return id, nil
}

// Replay reconstructs a sale from its event history.
func Replay(events []event.Event) (*Sale, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no events to replay")
	}

	s := &Sale{}
	for _, e := range events {
		switch e.Type {
		case event.SaleCreated:
			var d event.SaleCreatedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshalling created event: %w", err)
			}
			id, err := parseSaleAggregateID(e.AggregateID)
			if err != nil {
				return nil, err
			}
			s.ID = id
			s.TokenID = d.TokenID
			s.Seller = d.Seller
			s.MinPrice = d.MinPrice
			s.EndTime = d.EndTime
			s.Status = StatusActive
			s.CreatedAt = e.CreatedAt

		case event.SaleBidPlaced:
			var d event.BidPlacedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshalling bid event: %w", err)
			}
			s.HighestBidder = d.Bidder
			s.HighestBid = d.Amount

		case event.SaleEnded:
			s.Status = StatusEnded

		case event.SaleNftClaimed:
			var d event.NftClaimedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshalling claimed event: %w", err)
			}
			s.Status = StatusEnded
			s.Claimed = true
			s.ClaimedBy = d.ClaimedBy
		}
		s.Version = e.Version
	}
	return s, nil
}
