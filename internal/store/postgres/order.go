package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// OrderRepo implements store.OrderRepository with sqlx.
type OrderRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewOrderRepo returns a new OrderRepo.
func NewOrderRepo(db *sqlx.DB, clk clock.Clock) *OrderRepo {
	return &OrderRepo{db: db, clk: clk}
}

func (r *OrderRepo) GetByID(ctx context.Context, id string) (*store.Order, error) {
	var o store.Order
	err := r.db.GetContext(ctx, &o, `SELECT * FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	return &o, nil
}

func (r *OrderRepo) Insert(ctx context.Context, o *store.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := r.clk.Now().UTC()
	if o.PaymentStatus == "" {
		o.PaymentStatus = store.PaymentPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, listing_id, buyer_id, kind, payment_status, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.ListingID, o.BuyerID, o.Kind, o.PaymentStatus, o.Amount, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

func (r *OrderRepo) ListPendingBefore(ctx context.Context, kind store.ListingType, cutoff time.Time) ([]store.Order, error) {
	var orders []store.Order
	err := r.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE kind = $1 AND payment_status = 'pending' AND created_at < $2
		ORDER BY created_at ASC`,
		kind, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending orders: %w", err)
	}
	return orders, nil
}

func (r *OrderRepo) Cancel(ctx context.Context, id string) error {
	now := r.clk.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = 'cancelled', updated_at = $1
		WHERE id = $2 AND payment_status = 'pending'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancelling order: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrStaleState
	}
	return nil
}
