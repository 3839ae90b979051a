package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB, clk clock.Clock) *BidRepo {
	return &BidRepo{db: db, clk: clk}
}

func (r *BidRepo) Insert(ctx context.Context, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.PlacedAt.IsZero() {
		b.PlacedAt = r.clk.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bids (id, listing_id, bidder_id, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.ListingID, b.BidderID, b.Amount, b.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE listings SET bid_count = bid_count + 1, updated_at = $1 WHERE id = $2`,
		r.clk.Now().UTC(), b.ListingID,
	); err != nil {
		return fmt.Errorf("bumping bid count: %w", err)
	}
	return nil
}

func (r *BidRepo) ListByListing(ctx context.Context, listingID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids, `
		SELECT * FROM bids
		WHERE listing_id = $1
		ORDER BY amount DESC, placed_at ASC`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}
