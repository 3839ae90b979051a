package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/cascade"
	"github.com/jensholdgaard/auction-engine/internal/jobs"
	"github.com/jensholdgaard/auction-engine/internal/notify"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// ScheduleClose enqueues the one-shot close job for an auction at its
// end time. Re-scheduling the same listing replaces the pending job, so
// end-time changes and duplicate calls converge on a single job.
func (e *Engine) ScheduleClose(ctx context.Context, l *store.Listing) error {
	if l.Type != store.TypeAuction || l.EndsAt == nil {
		return fmt.Errorf("listing %s is not a timed auction", l.ID)
	}
	delay := max(0, l.EndsAt.Sub(e.clk.Now()))
	return e.queue.Enqueue(ctx, KindAuctionClose, closeKey(l.ID), delay, closePayload{ListingID: l.ID})
}

// HandleClose fires when an auction's end time passes. It assigns the
// listing to the best bidder and opens their reservation window, or
// expires the listing if nobody bid.
func (e *Engine) HandleClose(ctx context.Context, payload json.RawMessage) error {
	var p closePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("decoding close payload: %w", err))
	}

	ctx, span := e.tracer.Start(ctx, "Engine.HandleClose",
		trace.WithAttributes(attribute.String("listing.id", p.ListingID)),
	)
	defer span.End()

	l, ok, err := e.guardActiveAuctionDue(ctx, p.ListingID)
	if err != nil || !ok {
		return err
	}

	history, err := e.bids.ListByListing(ctx, l.ID)
	if err != nil {
		return fmt.Errorf("loading bid history: %w", err)
	}

	winner, found := cascade.Resolve(toCascadeBids(history), cascade.Context{})
	if !found {
		if err := e.listings.MarkExpired(ctx, l.ID); err != nil {
			if errors.Is(err, store.ErrStaleState) {
				e.skip(ctx, "listing already expired by concurrent close", slog.String("listing_id", l.ID))
				return nil
			}
			return fmt.Errorf("expiring unbid listing: %w", err)
		}
		e.logger.InfoContext(ctx, "auction closed with no bids",
			slog.String("listing_id", l.ID),
		)
		return nil
	}

	// Reservation before status flip: if the process dies in between,
	// the retried job re-resolves the same winner, finds the
	// reservation already held and proceeds to the flip.
	res, err := e.assignReservation(ctx, l.ID, winner.BidderID, winner.Amount)
	if err != nil {
		return err
	}

	if err := e.listings.CloseWithWinner(ctx, l.ID, winner.BidderID, winner.Amount); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			e.skip(ctx, "listing already closed by concurrent close", slog.String("listing_id", l.ID))
			return nil
		}
		return fmt.Errorf("closing listing: %w", err)
	}

	e.logger.InfoContext(ctx, "auction closed",
		slog.String("listing_id", l.ID),
		slog.String("winner_id", winner.BidderID),
		slog.Int64("amount", winner.Amount),
		slog.Time("reservation_expires_at", res.ExpiresAt),
	)

	e.notifyQuiet(ctx, winner.BidderID, notify.AuctionWon, map[string]any{
		"listing_id": l.ID,
		"amount":     winner.Amount,
		"pay_before": res.ExpiresAt,
	})
	e.notifyQuiet(ctx, l.SellerID, notify.ListingSold, map[string]any{
		"listing_id": l.ID,
		"amount":     winner.Amount,
	})
	return nil
}

// assignReservation gives bidderID the exclusive purchase right on the
// listing and schedules its deadline. If an active reservation already
// exists it is honored as-is (duplicate fire after a partial commit).
func (e *Engine) assignReservation(ctx context.Context, listingID, bidderID string, amount int64) (*store.Reservation, error) {
	if existing, err := e.reservations.GetActive(ctx, listingID); err == nil {
		if existing.BidderID != bidderID {
			return nil, jobs.Permanent(fmt.Errorf(
				"listing %s already reserved by %s while assigning %s",
				listingID, existing.BidderID, bidderID,
			))
		}
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	res := &store.Reservation{
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    amount,
		ExpiresAt: e.clk.Now().UTC().Add(e.cfg.ReservationWindow),
	}
	if err := e.reservations.Create(ctx, res); err != nil {
		return nil, fmt.Errorf("creating reservation: %w", err)
	}
	if err := e.ScheduleTimeout(ctx, listingID, bidderID, e.cfg.ReservationWindow); err != nil {
		return nil, fmt.Errorf("scheduling reservation timeout: %w", err)
	}
	return res, nil
}

func toCascadeBids(history []store.Bid) []cascade.Bid {
	out := make([]cascade.Bid, len(history))
	for i, b := range history {
		out[i] = cascade.Bid{BidderID: b.BidderID, Amount: b.Amount, PlacedAt: b.PlacedAt}
	}
	return out
}
