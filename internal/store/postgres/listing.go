package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// ListingRepo implements store.ListingRepository with sqlx.
type ListingRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewListingRepo returns a new ListingRepo.
func NewListingRepo(db *sqlx.DB, clk clock.Clock) *ListingRepo {
	return &ListingRepo{db: db, clk: clk}
}

func (r *ListingRepo) GetByID(ctx context.Context, id string) (*store.Listing, error) {
	var l store.Listing
	err := r.db.GetContext(ctx, &l, `SELECT * FROM listings WHERE id = $1 AND NOT deleted`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting listing: %w", err)
	}
	return &l, nil
}

func (r *ListingRepo) ListActiveAuctions(ctx context.Context) ([]store.Listing, error) {
	var listings []store.Listing
	err := r.db.SelectContext(ctx, &listings, `
		SELECT * FROM listings
		WHERE status = 'active' AND type = 'auction' AND NOT deleted
		ORDER BY ends_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active auctions: %w", err)
	}
	return listings, nil
}

func (r *ListingRepo) CloseWithWinner(ctx context.Context, id, bidderID string, amount int64) error {
	now := r.clk.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE listings
		SET status = 'expired', leading_bidder_id = $1, leading_amount = $2, updated_at = $3
		WHERE id = $4 AND status = 'active' AND type = 'auction'`,
		bidderID, amount, now, id,
	)
	if err != nil {
		return fmt.Errorf("closing listing with winner: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrStaleState
	}
	return nil
}

func (r *ListingRepo) MarkExpired(ctx context.Context, id string) error {
	now := r.clk.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE listings SET status = 'expired', updated_at = $1
		WHERE id = $2 AND status IN ('active', 'expired')`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("marking listing expired: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrStaleState
	}
	return nil
}

func (r *ListingRepo) Restore(ctx context.Context, id string) error {
	now := r.clk.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE listings SET status = 'active', updated_at = $1
		WHERE id = $2 AND status = 'expired' AND type = 'fixed_price'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("restoring listing: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrStaleState
	}
	return nil
}
