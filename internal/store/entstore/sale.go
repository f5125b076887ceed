package entstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jensholdgaard/nft-auction-house/internal/clock"
	"github.com/jensholdgaard/nft-auction-house/internal/store"
)

// SaleRepo implements store.SaleRepository using database/sql.
type SaleRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSaleRepo returns a new SaleRepo.
func NewSaleRepo(db *sql.DB, clk clock.Clock) *SaleRepo {
	return &SaleRepo{db: db, clock: clk}
}

func (r *SaleRepo) Create(ctx context.Context, s *store.Sale) error {
	s.Status = "active"
	s.CreatedAt = r.clock.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sales (id, token_id, seller, min_price, end_time, highest_bid, status, claimed, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, FALSE, $7)`,
		s.ID, s.TokenID, s.Seller, s.MinPrice, s.EndTime, s.Status, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating sale: %w", err)
	}
	return nil
}

func (r *SaleRepo) GetByID(ctx context.Context, id int64) (*store.Sale, error) {
	s := &store.Sale{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, token_id, seller, min_price, end_time, highest_bidder, highest_bid, status, claimed, claimed_by, created_at, ended_at
		 FROM sales WHERE id = $1`, id,
	).Scan(&s.ID, &s.TokenID, &s.Seller, &s.MinPrice, &s.EndTime, &s.HighestBidder, &s.HighestBid, &s.Status, &s.Claimed, &s.ClaimedBy, &s.CreatedAt, &s.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("getting sale: %w", err)
	}
	return s, nil
}

func (r *SaleRepo) UpdateBid(ctx context.Context, id int64, bidder string, amount int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sales SET highest_bidder = $1, highest_bid = $2 WHERE id = $3 AND status = 'active'`,
		bidder, amount, id,
	)
	if err != nil {
		return fmt.Errorf("updating bid: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sale %d not found or not active", id)
	}
	return nil
}

func (r *SaleRepo) MarkEnded(ctx context.Context, id int64) error {
	now := r.clock.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE sales SET status = 'ended', ended_at = $1 WHERE id = $2 AND status = 'active'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("ending sale: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sale %d not found or already ended", id)
	}
	return nil
}

func (r *SaleRepo) MarkClaimed(ctx context.Context, id int64, claimedBy string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sales SET claimed = TRUE, claimed_by = $1 WHERE id = $2 AND NOT claimed`,
		claimedBy, id,
	)
	if err != nil {
		return fmt.Errorf("marking sale claimed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sale %d not found or already claimed", id)
	}
	return nil
}

func (r *SaleRepo) ListActive(ctx context.Context) ([]store.Sale, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, token_id, seller, min_price, end_time, highest_bidder, highest_bid, status, claimed, claimed_by, created_at, ended_at
		 FROM sales WHERE status = 'active' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active sales: %w", err)
	}
	defer rows.Close()

	var sales []store.Sale
	for rows.Next() {
		var s store.Sale
		if err := rows.Scan(&s.ID, &s.TokenID, &s.Seller, &s.MinPrice, &s.EndTime, &s.HighestBidder, &s.HighestBid, &s.Status, &s.Claimed, &s.ClaimedBy, &s.CreatedAt, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning sale row: %w", err)
		}
		sales = append(sales, s)
	}
	return sales, rows.Err()
}
