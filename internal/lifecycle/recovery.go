package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
)

// SweepRecovery reschedules jobs that went missing: active auctions
// with no pending close job and active reservations with no pending
// timeout job. It runs at startup and periodically, covering process
// restarts and the crash window between a cancel and its re-enqueue.
func (e *Engine) SweepRecovery(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "Engine.SweepRecovery")
	defer span.End()

	recovered := 0

	auctions, err := e.listings.ListActiveAuctions(ctx)
	if err != nil {
		return fmt.Errorf("listing active auctions: %w", err)
	}
	for i := range auctions {
		l := &auctions[i]
		if l.EndsAt == nil {
			e.logger.WarnContext(ctx, "active auction without end time",
				slog.String("listing_id", l.ID))
			continue
		}
		pending, err := e.queue.IsPending(ctx, closeKey(l.ID))
		if err != nil {
			return err
		}
		if pending {
			continue
		}
		if err := e.ScheduleClose(ctx, l); err != nil {
			return fmt.Errorf("rescheduling close for %s: %w", l.ID, err)
		}
		recovered++
	}

	held, err := e.reservations.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active reservations: %w", err)
	}
	for _, r := range held {
		pending, err := e.queue.IsPending(ctx, timeoutKey(r.ListingID, r.BidderID))
		if err != nil {
			return err
		}
		if pending {
			continue
		}
		window := max(0, r.ExpiresAt.Sub(e.clk.Now()))
		if err := e.ScheduleTimeout(ctx, r.ListingID, r.BidderID, window); err != nil {
			return fmt.Errorf("rescheduling timeout for %s: %w", r.ListingID, err)
		}
		recovered++
	}

	if recovered > 0 {
		e.logger.InfoContext(ctx, "recovery sweep rescheduled jobs", slog.Int("jobs", recovered))
	}
	return nil
}
