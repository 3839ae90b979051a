package store

import (
	"context"
	"errors"
	"time"
)

// Errors returned by repository implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleState indicates a conditional update matched no rows
	// because the record already moved to another state. Job handlers
	// treat this as "someone else got there first", not as a failure.
	ErrStaleState = errors.New("record state already changed")
)

// ListingType distinguishes timed auctions from fixed-price listings.
type ListingType string

const (
	TypeAuction    ListingType = "auction"
	TypeFixedPrice ListingType = "fixed_price"
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingPendingStart ListingStatus = "pending_start"
	ListingActive       ListingStatus = "active"
	ListingSold         ListingStatus = "sold"
	ListingExpired      ListingStatus = "expired"
)

// validListingNext encodes the permitted status transitions. "sold" is
// terminal. "expired" is transient while an active reservation exists
// and may return to "active" only when the payment monitor restores a
// fixed-price listing.
var validListingNext = map[ListingStatus]map[ListingStatus]bool{
	ListingPendingStart: {ListingActive: true, ListingExpired: true},
	ListingActive:       {ListingActive: true, ListingSold: true, ListingExpired: true},
	ListingExpired:      {ListingActive: true, ListingSold: true, ListingExpired: true},
	ListingSold:         {},
}

// CanTransition reports whether a listing may move from one status to
// another.
func CanTransition(from, to ListingStatus) bool {
	return validListingNext[from][to]
}

// ApprovalStatus governs listing visibility, not lifecycle.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	// ReservationActive is the exclusive, time-boxed purchase right.
	// At most one active reservation exists per listing.
	ReservationActive ReservationStatus = "active"
	// ReservationCompleted means the holder finished checkout.
	ReservationCompleted ReservationStatus = "completed"
	// ReservationRemoved means the holder released it manually.
	ReservationRemoved ReservationStatus = "removed"
	// ReservationExpired means the deadline passed without payment.
	ReservationExpired ReservationStatus = "expired"
)

// PaymentStatus is the payment state of an order.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// Listing is a marketplace listing. The engine mutates it exclusively
// once an auction is active; creation belongs to the listing API.
type Listing struct {
	ID              string         `db:"id"`
	SellerID        string         `db:"seller_id"`
	Type            ListingType    `db:"type"`
	Status          ListingStatus  `db:"status"`
	ApprovalStatus  ApprovalStatus `db:"approval_status"`
	LeadingBidderID *string        `db:"leading_bidder_id"`
	LeadingAmount   *int64         `db:"leading_amount"`
	BidCount        int            `db:"bid_count"`
	StartsAt        *time.Time     `db:"starts_at"`
	EndsAt          *time.Time     `db:"ends_at"`
	Deleted         bool           `db:"deleted"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Bid is an immutable bid fact. Amounts are in cents.
type Bid struct {
	ID        string    `db:"id"`
	ListingID string    `db:"listing_id"`
	BidderID  string    `db:"bidder_id"`
	Amount    int64     `db:"amount"`
	PlacedAt  time.Time `db:"placed_at"`
}

// Reservation is a bidder's exclusive, time-boxed right to complete
// the purchase of a listing. Non-active rows stay behind as the record
// of bidders already tried in a cascade chain.
type Reservation struct {
	ID        string            `db:"id"`
	ListingID string            `db:"listing_id"`
	BidderID  string            `db:"bidder_id"`
	Amount    int64             `db:"amount"`
	Status    ReservationStatus `db:"status"`
	ExpiresAt time.Time         `db:"expires_at"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
}

// Order is created at checkout and guarded by the payment monitor.
type Order struct {
	ID            string        `db:"id"`
	ListingID     string        `db:"listing_id"`
	BuyerID       string        `db:"buyer_id"`
	Kind          ListingType   `db:"kind"`
	PaymentStatus PaymentStatus `db:"payment_status"`
	Amount        int64         `db:"amount"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// ListingRepository defines listing persistence operations. Mutations
// are conditional single-row updates; ErrStaleState signals the row
// already left the expected state.
type ListingRepository interface {
	GetByID(ctx context.Context, id string) (*Listing, error)
	// ListActiveAuctions returns active auction-type listings, used by
	// the recovery sweep to find auctions missing a close job.
	ListActiveAuctions(ctx context.Context) ([]Listing, error)
	// CloseWithWinner finalizes the leading bid and takes the listing
	// out of "active" in one statement.
	CloseWithWinner(ctx context.Context, id, bidderID string, amount int64) error
	// MarkExpired moves the listing to "expired". A no-op error
	// (ErrStaleState) is returned if the listing is sold.
	MarkExpired(ctx context.Context, id string) error
	// Restore returns an expired fixed-price listing to "active" so it
	// can be purchased again.
	Restore(ctx context.Context, id string) error
}

// BidRepository defines bid persistence operations. Bids are
// append-only facts.
type BidRepository interface {
	Insert(ctx context.Context, b *Bid) error
	// ListByListing returns the full bid history ordered by amount
	// descending, ties broken by earliest placement.
	ListByListing(ctx context.Context, listingID string) ([]Bid, error)
}

// ReservationRepository defines reservation persistence operations.
type ReservationRepository interface {
	// Create inserts an active reservation. The storage layer enforces
	// at most one active reservation per listing.
	Create(ctx context.Context, r *Reservation) error
	// GetActive returns the active reservation on a listing, or
	// ErrNotFound.
	GetActive(ctx context.Context, listingID string) (*Reservation, error)
	// GetActiveForBidder returns the active reservation held by a
	// specific bidder, or ErrNotFound.
	GetActiveForBidder(ctx context.Context, listingID, bidderID string) (*Reservation, error)
	// ListByListing returns every reservation ever made on a listing.
	ListByListing(ctx context.Context, listingID string) ([]Reservation, error)
	// ListActive returns all active reservations, for the recovery sweep.
	ListActive(ctx context.Context) ([]Reservation, error)
	// Finish moves an active reservation to a terminal status.
	// Returns ErrStaleState if the reservation is no longer active.
	Finish(ctx context.Context, id string, status ReservationStatus) error
}

// OrderRepository defines order persistence operations.
type OrderRepository interface {
	GetByID(ctx context.Context, id string) (*Order, error)
	Insert(ctx context.Context, o *Order) error
	// ListPendingBefore returns orders of the given kind still
	// payment-pending and created before the cutoff.
	ListPendingBefore(ctx context.Context, kind ListingType, cutoff time.Time) ([]Order, error)
	// Cancel moves a pending order to cancelled. Returns ErrStaleState
	// if payment already progressed.
	Cancel(ctx context.Context, id string) error
}
