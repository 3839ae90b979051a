package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jensholdgaard/auction-engine/internal/jobs"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// Precondition guards. Every job handler starts by re-reading the
// entity it is about to mutate; ok=false means the precondition no
// longer holds and the handler must exit as a successful no-op. This
// re-read is also what serializes racing jobs for the same listing:
// whichever path commits first, the loser observes the moved state.

// guardActiveAuctionDue checks that a close job should still fire:
// the listing exists, is an auction, is active and its window ended.
func (e *Engine) guardActiveAuctionDue(ctx context.Context, listingID string) (*store.Listing, bool, error) {
	l, err := e.listings.GetByID(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, jobs.Permanent(fmt.Errorf("close job for unknown listing %s", listingID))
	}
	if err != nil {
		return nil, false, err
	}
	if l.Type != store.TypeAuction || l.EndsAt == nil {
		return nil, false, jobs.Permanent(fmt.Errorf("close job for non-auction listing %s", listingID))
	}
	if l.Status != store.ListingActive {
		e.skip(ctx, "listing already left active", slog.String("listing_id", listingID), slog.String("status", string(l.Status)))
		return nil, false, nil
	}
	if e.clk.Now().Before(*l.EndsAt) {
		// End time moved after this job was scheduled; the replacing
		// job carries the new fire time.
		e.skip(ctx, "auction window not ended yet", slog.String("listing_id", listingID))
		return nil, false, nil
	}
	return l, true, nil
}

// guardHeldReservation checks that the bidder still holds the active
// reservation. "Already gone" means payment completed or another
// release path won the race.
func (e *Engine) guardHeldReservation(ctx context.Context, listingID, bidderID string) (*store.Reservation, bool, error) {
	r, err := e.reservations.GetActiveForBidder(ctx, listingID, bidderID)
	if errors.Is(err, store.ErrNotFound) {
		e.skip(ctx, "reservation already released",
			slog.String("listing_id", listingID), slog.String("bidder_id", bidderID))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// guardPendingOrder checks that an order's payment is still pending.
func (e *Engine) guardPendingOrder(ctx context.Context, orderID string) (*store.Order, bool, error) {
	o, err := e.orders.GetByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, jobs.Permanent(fmt.Errorf("payment check for unknown order %s", orderID))
	}
	if err != nil {
		return nil, false, err
	}
	if o.PaymentStatus != store.PaymentPending {
		e.skip(ctx, "order payment already resolved",
			slog.String("order_id", orderID), slog.String("payment_status", string(o.PaymentStatus)))
		return nil, false, nil
	}
	return o, true, nil
}

// skip logs a stale-state no-op. Low severity: these are expected under
// at-least-once delivery, not errors.
func (e *Engine) skip(ctx context.Context, msg string, attrs ...slog.Attr) {
	e.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}
