// Package notify delivers user-facing marketplace events. Delivery is
// best-effort: state transitions are committed before notifying, and a
// failed notification is logged and dropped, never retried into the
// state change.
package notify

import "context"

// EventType identifies a notification kind.
type EventType string

const (
	// AuctionWon tells a bidder they won the auction.
	AuctionWon EventType = "auction.won"
	// ListingSold tells a seller their item found a buyer.
	ListingSold EventType = "listing.sold"
	// ReservationAssigned tells a bidder a lapsed reservation cascaded
	// to them.
	ReservationAssigned EventType = "reservation.assigned"
	// ReservationExpired tells a bidder their purchase window lapsed.
	ReservationExpired EventType = "reservation.expired"
	// OrderCancelled tells a buyer their stalled order was cancelled.
	OrderCancelled EventType = "order.cancelled"
)

// Notifier pushes an event to a recipient.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, eventType EventType, payload any) error
}

// Nop is a Notifier that discards everything, for tests and local runs
// without a broker.
type Nop struct{}

func (Nop) Notify(context.Context, string, EventType, any) error { return nil }
