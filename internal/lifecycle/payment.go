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

	"github.com/jensholdgaard/auction-engine/internal/jobs"
	"github.com/jensholdgaard/auction-engine/internal/notify"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// SweepPayments scans for orders whose payment sat pending past the
// grace window for their kind and schedules a per-order check job for
// each. Auction-won orders get the short window: the buyer already sat
// through the reservation window.
func (e *Engine) SweepPayments(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "Engine.SweepPayments")
	defer span.End()

	now := e.clk.Now()
	graces := []struct {
		kind  store.ListingType
		grace time.Duration
	}{
		{store.TypeAuction, e.cfg.PaymentGraceAuction},
		{store.TypeFixedPrice, e.cfg.PaymentGraceFixedPrice},
	}

	scheduled := 0
	for _, g := range graces {
		stale, err := e.orders.ListPendingBefore(ctx, g.kind, now.Add(-g.grace))
		if err != nil {
			return fmt.Errorf("scanning pending %s orders: %w", g.kind, err)
		}
		for _, o := range stale {
			key := paymentKey(o.ID)
			// Re-finding the same order every sweep must not reset a
			// failing check's backoff.
			pending, err := e.queue.IsPending(ctx, key)
			if err != nil {
				return err
			}
			if pending {
				continue
			}
			if err := e.queue.Enqueue(ctx, KindPaymentCheck, key, 0, paymentPayload{OrderID: o.ID}); err != nil {
				return fmt.Errorf("scheduling payment check: %w", err)
			}
			scheduled++
		}
	}

	if scheduled > 0 {
		e.logger.InfoContext(ctx, "payment sweep scheduled checks", slog.Int("orders", scheduled))
	}
	return nil
}

// HandlePaymentCheck cancels an order whose payment never completed and
// restores its listing. A stalled order is a dead end, not grounds for
// reassigning the auction: bid history stays untouched and no cascade
// runs.
func (e *Engine) HandlePaymentCheck(ctx context.Context, payload json.RawMessage) error {
	var p paymentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("decoding payment payload: %w", err))
	}

	ctx, span := e.tracer.Start(ctx, "Engine.HandlePaymentCheck",
		trace.WithAttributes(attribute.String("order.id", p.OrderID)),
	)
	defer span.End()

	o, ok, err := e.guardPendingOrder(ctx, p.OrderID)
	if err != nil || !ok {
		return err
	}

	if err := e.orders.Cancel(ctx, o.ID); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			e.skip(ctx, "order resolved by concurrent check", slog.String("order_id", o.ID))
			return nil
		}
		return fmt.Errorf("cancelling order: %w", err)
	}

	// Fixed-price listings go back on sale; an auction's window has
	// closed for good.
	switch o.Kind {
	case store.TypeFixedPrice:
		err = e.listings.Restore(ctx, o.ListingID)
	default:
		err = e.listings.MarkExpired(ctx, o.ListingID)
	}
	if err != nil && !errors.Is(err, store.ErrStaleState) {
		return fmt.Errorf("restoring listing after cancelled order: %w", err)
	}
	if errors.Is(err, store.ErrStaleState) {
		e.skip(ctx, "listing state moved during order cancellation",
			slog.String("listing_id", o.ListingID))
	}

	e.logger.InfoContext(ctx, "order cancelled after payment timeout",
		slog.String("order_id", o.ID),
		slog.String("listing_id", o.ListingID),
		slog.String("kind", string(o.Kind)),
	)

	e.notifyQuiet(ctx, o.BuyerID, notify.OrderCancelled, map[string]any{
		"order_id":   o.ID,
		"listing_id": o.ListingID,
		"reason":     "payment_timeout",
	})
	return nil
}
