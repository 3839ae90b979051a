package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/cascade"
	"github.com/jensholdgaard/auction-engine/internal/jobs"
	"github.com/jensholdgaard/auction-engine/internal/notify"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// ScheduleTimeout enqueues the reservation deadline job. Re-scheduling
// the same (listing, bidder) pair replaces the pending job.
func (e *Engine) ScheduleTimeout(ctx context.Context, listingID, bidderID string, window time.Duration) error {
	return e.queue.Enqueue(ctx, KindReservationTimeout, timeoutKey(listingID, bidderID), window,
		timeoutPayload{ListingID: listingID, BidderID: bidderID})
}

// HandleTimeout fires when a reservation deadline passes. If the holder
// still has not paid, the reservation is evicted and cascades to the
// next eligible bidder.
func (e *Engine) HandleTimeout(ctx context.Context, payload json.RawMessage) error {
	var p timeoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("decoding timeout payload: %w", err))
	}

	ctx, span := e.tracer.Start(ctx, "Engine.HandleTimeout",
		trace.WithAttributes(
			attribute.String("listing.id", p.ListingID),
			attribute.String("bidder.id", p.BidderID),
		),
	)
	defer span.End()

	res, ok, err := e.guardHeldReservation(ctx, p.ListingID, p.BidderID)
	if err != nil || !ok {
		return err
	}
	if e.clk.Now().Before(res.ExpiresAt) {
		// Deadline moved since this job was scheduled.
		e.skip(ctx, "reservation deadline not reached", slog.String("listing_id", p.ListingID))
		return nil
	}

	return e.cascadeFrom(ctx, res, store.ReservationExpired, true)
}

// RemoveReservation is the buyer-initiated release: the holder takes
// the item out of their cart before the deadline. The pending timeout
// job is cancelled first so it cannot fire a second cascade against a
// reservation that no longer exists.
func (e *Engine) RemoveReservation(ctx context.Context, listingID, bidderID string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.RemoveReservation",
		trace.WithAttributes(
			attribute.String("listing.id", listingID),
			attribute.String("bidder.id", bidderID),
		),
	)
	defer span.End()

	if err := e.queue.Cancel(ctx, timeoutKey(listingID, bidderID)); err != nil {
		return fmt.Errorf("cancelling timeout job: %w", err)
	}

	res, ok, err := e.guardHeldReservation(ctx, listingID, bidderID)
	if err != nil || !ok {
		return err
	}

	return e.cascadeFrom(ctx, res, store.ReservationRemoved, false)
}

// cascadeFrom releases res with the given terminal status and hands the
// listing to the next eligible bidder, or leaves it expired when none
// remains. The conditional Finish is the mutual-exclusion arbiter
// between the timeout job and a concurrent manual removal: exactly one
// caller moves the row out of "active" and runs the cascade.
func (e *Engine) cascadeFrom(ctx context.Context, res *store.Reservation, terminal store.ReservationStatus, notifyEvicted bool) error {
	if err := e.reservations.Finish(ctx, res.ID, terminal); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			e.skip(ctx, "reservation released by concurrent path", slog.String("reservation_id", res.ID))
			return nil
		}
		return fmt.Errorf("releasing reservation: %w", err)
	}

	if err := e.listings.MarkExpired(ctx, res.ListingID); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			// Sold under an active reservation we just evicted; the
			// checkout flow owns the listing now.
			e.logger.WarnContext(ctx, "listing sold while reservation lapsed",
				slog.String("listing_id", res.ListingID))
			return nil
		}
		return fmt.Errorf("expiring listing: %w", err)
	}

	history, err := e.bids.ListByListing(ctx, res.ListingID)
	if err != nil {
		return fmt.Errorf("loading bid history: %w", err)
	}

	tried, err := e.triedBidders(ctx, res.ListingID)
	if err != nil {
		return err
	}

	ceiling := res.Amount
	next, found := cascade.Resolve(toCascadeBids(history), cascade.Context{
		Excluded: tried,
		Ceiling:  &ceiling,
	})

	if notifyEvicted {
		e.notifyQuiet(ctx, res.BidderID, notify.ReservationExpired, map[string]any{
			"listing_id": res.ListingID,
		})
	}

	if !found {
		e.logger.InfoContext(ctx, "cascade exhausted, listing expired",
			slog.String("listing_id", res.ListingID),
			slog.Int("bidders_tried", len(tried)),
		)
		return nil
	}

	assigned, err := e.assignReservation(ctx, res.ListingID, next.BidderID, next.Amount)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "reservation cascaded",
		slog.String("listing_id", res.ListingID),
		slog.String("from_bidder", res.BidderID),
		slog.String("to_bidder", next.BidderID),
		slog.Int64("amount", next.Amount),
	)

	e.notifyQuiet(ctx, next.BidderID, notify.ReservationAssigned, map[string]any{
		"listing_id": res.ListingID,
		"amount":     next.Amount,
		"pay_before": assigned.ExpiresAt,
	})
	return nil
}

// triedBidders returns every bidder who already held a reservation on
// the listing, including ones just released. Reservation rows are never
// deleted, so the exclusion set survives crashes and retries.
func (e *Engine) triedBidders(ctx context.Context, listingID string) (map[string]struct{}, error) {
	all, err := e.reservations.ListByListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("loading reservation history: %w", err)
	}
	tried := make(map[string]struct{}, len(all))
	for _, r := range all {
		tried[r.BidderID] = struct{}{}
	}
	return tried, nil
}
