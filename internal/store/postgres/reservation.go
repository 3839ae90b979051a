package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// ReservationRepo implements store.ReservationRepository with sqlx.
// The one-active-per-listing invariant is enforced by a partial unique
// index, so a racing second Create fails at the database.
type ReservationRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewReservationRepo returns a new ReservationRepo.
func NewReservationRepo(db *sqlx.DB, clk clock.Clock) *ReservationRepo {
	return &ReservationRepo{db: db, clk: clk}
}

func (r *ReservationRepo) Create(ctx context.Context, res *store.Reservation) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now := r.clk.Now().UTC()
	res.Status = store.ReservationActive
	res.CreatedAt = now
	res.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reservations (id, listing_id, bidder_id, amount, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.ListingID, res.BidderID, res.Amount, res.Status, res.ExpiresAt, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating reservation: %w", err)
	}
	return nil
}

func (r *ReservationRepo) GetActive(ctx context.Context, listingID string) (*store.Reservation, error) {
	var res store.Reservation
	err := r.db.GetContext(ctx, &res,
		`SELECT * FROM reservations WHERE listing_id = $1 AND status = 'active'`, listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting active reservation: %w", err)
	}
	return &res, nil
}

func (r *ReservationRepo) GetActiveForBidder(ctx context.Context, listingID, bidderID string) (*store.Reservation, error) {
	var res store.Reservation
	err := r.db.GetContext(ctx, &res, `
		SELECT * FROM reservations
		WHERE listing_id = $1 AND bidder_id = $2 AND status = 'active'`,
		listingID, bidderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting active reservation for bidder: %w", err)
	}
	return &res, nil
}

func (r *ReservationRepo) ListByListing(ctx context.Context, listingID string) ([]store.Reservation, error) {
	var reservations []store.Reservation
	err := r.db.SelectContext(ctx, &reservations,
		`SELECT * FROM reservations WHERE listing_id = $1 ORDER BY created_at ASC`, listingID)
	if err != nil {
		return nil, fmt.Errorf("listing reservations: %w", err)
	}
	return reservations, nil
}

func (r *ReservationRepo) ListActive(ctx context.Context) ([]store.Reservation, error) {
	var reservations []store.Reservation
	err := r.db.SelectContext(ctx, &reservations,
		`SELECT * FROM reservations WHERE status = 'active' ORDER BY expires_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active reservations: %w", err)
	}
	return reservations, nil
}

func (r *ReservationRepo) Finish(ctx context.Context, id string, status store.ReservationStatus) error {
	now := r.clk.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE reservations SET status = $1, updated_at = $2
		WHERE id = $3 AND status = 'active'`,
		status, now, id,
	)
	if err != nil {
		return fmt.Errorf("finishing reservation: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrStaleState
	}
	return nil
}
