package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/nft-auction-house/internal/clock"
)

// RefundRepo implements store.RefundRepository with sqlx.
type RefundRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewRefundRepo returns a new RefundRepo.
func NewRefundRepo(db *sqlx.DB, clk clock.Clock) *RefundRepo {
	return &RefundRepo{db: db, clk: clk}
}

func (r *RefundRepo) Credit(ctx context.Context, account string, amount int64) error {
	query := `INSERT INTO refunds (account, owed, updated_at) VALUES ($1, $2, $3)
	           ON CONFLICT (account) DO UPDATE
	           SET owed = refunds.owed + EXCLUDED.owed, updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query, account, amount, r.clk.Now().UTC())
	if err != nil {
		return fmt.Errorf("crediting refund: %w", err)
	}
	return nil
}

func (r *RefundRepo) Claim(ctx context.Context, account string) (int64, error) {
	// Zero the balance and read back the prior value in one statement, so a
	// concurrent claim cannot observe the old balance.
	query := `UPDATE refunds SET owed = 0, updated_at = $2
	           FROM (SELECT account, owed FROM refunds WHERE account = $1 FOR UPDATE) prev
	           WHERE refunds.account = prev.account AND prev.owed > 0
	           RETURNING prev.owed`
	var owed int64
	err := r.db.QueryRowContext(ctx, query, account, r.clk.Now().UTC()).Scan(&owed)
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
	err := r.db.GetContext(ctx, &owed, `SELECT owed FROM refunds WHERE account = $1`, account)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting refund balance: %w", err)
	}
	return owed, nil
}
