package store

import (
	"context"
	"time"
)

// Sale is the durable row for a sale, kept as a read model alongside the
// event log.
type Sale struct {
	ID            int64      `db:"id"`
	TokenID       string     `db:"token_id"`
	Seller        string     `db:"seller"`
	MinPrice      int64      `db:"min_price"`
	EndTime       time.Time  `db:"end_time"`
	HighestBidder *string    `db:"highest_bidder"`
	HighestBid    int64      `db:"highest_bid"`
	Status        string     `db:"status"` // "active", "ended"
	Claimed       bool       `db:"claimed"`
	ClaimedBy     *string    `db:"claimed_by"`
	CreatedAt     time.Time  `db:"created_at"`
	EndedAt       *time.Time `db:"ended_at"`
}

// Refund is the durable per-account balance of funds owed to outbid bidders.
type Refund struct {
	Account   string    `db:"account"`
	Owed      int64     `db:"owed"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SaleRepository defines sale persistence operations. Sale IDs are assigned
// by the marketplace core, not by the database.
type SaleRepository interface {
	Create(ctx context.Context, s *Sale) error
	GetByID(ctx context.Context, id int64) (*Sale, error)
	UpdateBid(ctx context.Context, id int64, bidder string, amount int64) error
	MarkEnded(ctx context.Context, id int64) error
	MarkClaimed(ctx context.Context, id int64, claimedBy string) error
	ListActive(ctx context.Context) ([]Sale, error)
}

// RefundRepository defines the refund ledger persistence operations.
type RefundRepository interface {
	// Credit adds amount to the balance owed to account.
	Credit(ctx context.Context, account string, amount int64) error
	// Claim atomically zeroes the balance owed to account and returns the
	// prior value. A zero balance returns 0 without error.
	Claim(ctx context.Context, account string) (int64, error)
	// Owed returns the balance currently owed to account.
	Owed(ctx context.Context, account string) (int64, error)
}
