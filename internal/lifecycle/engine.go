// Package lifecycle drives listings through the auction state machine:
// closing auctions at their end time, holding the winner's reservation
// against a deadline, cascading lapsed reservations to the next
// eligible bidder and cancelling orders whose payment stalled. All job
// handlers re-read current state before acting and treat "state already
// moved on" as success, so at-least-once delivery and concurrent
// workers are safe.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/jobs"
	"github.com/jensholdgaard/auction-engine/internal/notify"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// Job kinds scheduled by the engine.
const (
	KindAuctionClose       = "auction-close"
	KindReservationTimeout = "reservation-timeout"
	KindPaymentCheck       = "payment-check"
)

func closeKey(listingID string) string {
	return fmt.Sprintf("%s:%s", KindAuctionClose, listingID)
}

func timeoutKey(listingID, bidderID string) string {
	return fmt.Sprintf("%s:%s:%s", KindReservationTimeout, listingID, bidderID)
}

func paymentKey(orderID string) string {
	return fmt.Sprintf("%s:%s", KindPaymentCheck, orderID)
}

type closePayload struct {
	ListingID string `json:"listing_id"`
}

type timeoutPayload struct {
	ListingID string `json:"listing_id"`
	BidderID  string `json:"bidder_id"`
}

type paymentPayload struct {
	OrderID string `json:"order_id"`
}

// JobQueue is the slice of the delayed job store the engine needs.
type JobQueue interface {
	Enqueue(ctx context.Context, kind, dedupKey string, delay time.Duration, payload any) error
	Cancel(ctx context.Context, dedupKey string) error
	IsPending(ctx context.Context, dedupKey string) (bool, error)
}

// Engine coordinates the auction lifecycle.
type Engine struct {
	listings     store.ListingRepository
	bids         store.BidRepository
	reservations store.ReservationRepository
	orders       store.OrderRepository
	queue        JobQueue
	notifier     notify.Notifier
	clk          clock.Clock
	logger       *slog.Logger
	tracer       trace.Tracer
	cfg          config.EngineConfig
}

// Repos groups the repositories the engine reads and writes.
type Repos struct {
	Listings     store.ListingRepository
	Bids         store.BidRepository
	Reservations store.ReservationRepository
	Orders       store.OrderRepository
}

// New returns an Engine.
func New(repos Repos, queue JobQueue, notifier notify.Notifier, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider, cfg config.EngineConfig) *Engine {
	return &Engine{
		listings:     repos.Listings,
		bids:         repos.Bids,
		reservations: repos.Reservations,
		orders:       repos.Orders,
		queue:        queue,
		notifier:     notifier,
		clk:          clk,
		logger:       logger,
		tracer:       tp.Tracer("github.com/jensholdgaard/auction-engine/internal/lifecycle"),
		cfg:          cfg,
	}
}

// RegisterHandlers binds the engine's job handlers to the worker.
func (e *Engine) RegisterHandlers(w *jobs.Worker) {
	w.Register(KindAuctionClose, e.HandleClose)
	w.Register(KindReservationTimeout, e.HandleTimeout)
	w.Register(KindPaymentCheck, e.HandlePaymentCheck)
}

// notifyQuiet pushes a notification after the state change committed.
// Failures are logged and swallowed; they never roll back state.
func (e *Engine) notifyQuiet(ctx context.Context, recipientID string, eventType notify.EventType, payload any) {
	if err := e.notifier.Notify(ctx, recipientID, eventType, payload); err != nil {
		e.logger.WarnContext(ctx, "notification failed",
			slog.String("recipient", recipientID),
			slog.String("event", string(eventType)),
			slog.Any("error", err),
		)
	}
}
