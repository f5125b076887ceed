package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jensholdgaard/nft-auction-house/internal/clock"
)

// RefundRepo implements store.RefundRepository using database/sql.
type RefundRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewRefundRepo returns a new RefundRepo.
func NewRefundRepo(db *sql.DB, clk clock.Clock) *RefundRepo {
	return &RefundRepo{db: db, clock: clk}
}

func (r *RefundRepo) Credit(ctx context.Context, account string, amount int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refunds (account, owed, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (account) DO UPDATE
		 SET owed = refunds.owed + EXCLUDED.owed, updated_at = EXCLUDED.updated_at`,
		account, amount, r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("crediting refund: %w", err)
	}
	return nil
}

func (r *RefundRepo) Claim(ctx context.Context, account string) (int64, error) {
	// Zero the balance and read back the prior value in one statement, so a
	// concurrent claim cannot observe the old balance.
	var owed int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE refunds SET owed = 0, updated_at = $2
		 FROM (SELECT account, owed FROM refunds WHERE account = $1 FOR UPDATE) prev
		 WHERE refunds.account = prev.account AND prev.owed > 0
		 RETURNING prev.owed`,
		account, r.clock.Now().UTC(),
	).Scan(&owed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("claiming refund: %w", err)
	}
	return owed, nil
}

func (r *RefundRepo) Owed(ctx context.Context, account string) (int64, error) {
	var owed int64
	err := r.db.QueryRowContext(ctx,
		`SELECT owed FROM refunds WHERE account = $1`, account,
	).Scan(&owed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting refund balance: %w", err)
	}
	return owed, nil
}
