package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	SaleCreated    Type = "sale.created"
	SaleBidPlaced  Type = "sale.bid_placed"
	SaleEnded      Type = "sale.ended"
	SaleNftClaimed Type = "sale.nft_claimed"

	RefundQueued  Type = "refund.queued"
	RefundClaimed Type = "refund.claimed"
)

// Code returns the numeric code for a sale event as exposed on the wire:
// SALE_CREATED=0, BID_PLACED=1, SALE_ENDED=2, NFT_CLAIMED=3. Refund events
// carry no wire code and return -1.
func (t Type) Code() int {
	switch t {
	case SaleCreated:
		return 0
	case SaleBidPlaced:
		return 1
	case SaleEnded:
		return 2
	case SaleNftClaimed:
		return 3
	default:
		return -1
	}
}

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// SaleCreatedData is the payload for SaleCreated events.
type SaleCreatedData struct {
	TokenID  string        `json:"token_id"`
	Seller   string        `json:"seller"`
	MinPrice int64         `json:"min_price"`
	Duration time.Duration `json:"duration"`
	EndTime  time.Time     `json:"end_time"`
}

// BidPlacedData is the payload for SaleBidPlaced events.
type BidPlacedData struct {
	Bidder     string `json:"bidder"`
	Amount     int64  `json:"amount"`
	PrevBidder string `json:"prev_bidder,omitempty"`
	PrevAmount int64  `json:"prev_amount,omitempty"`
}

// NftClaimedData is the payload for SaleNftClaimed events.
type NftClaimedData struct {
	ClaimedBy  string `json:"claimed_by"`
	WinningBid int64  `json:"winning_bid"`
}

// RefundData is the payload for RefundQueued and RefundClaimed events.
type RefundData struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
	SaleID  uint64 `json:"sale_id,omitempty"`
}
