package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/notify"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// In-memory repositories mirroring the conditional-update semantics of
// the postgres implementations: mutations match on the expected state
// and return store.ErrStaleState when the row already moved on.

type memListings struct {
	mu   sync.Mutex
	byID map[string]*store.Listing
}

func newMemListings() *memListings {
	return &memListings{byID: make(map[string]*store.Listing)}
}

func (m *memListings) put(l *store.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.byID[l.ID] = &cp
}

func (m *memListings) get(id string) store.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID[id]
}

func (m *memListings) GetByID(_ context.Context, id string) (*store.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[id]
	if !ok || l.Deleted {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memListings) ListActiveAuctions(context.Context) ([]store.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Listing
	for _, l := range m.byID {
		if l.Status == store.ListingActive && l.Type == store.TypeAuction && !l.Deleted {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memListings) CloseWithWinner(_ context.Context, id, bidderID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[id]
	if !ok || l.Status != store.ListingActive || l.Type != store.TypeAuction {
		return store.ErrStaleState
	}
	l.Status = store.ListingExpired
	l.LeadingBidderID = &bidderID
	l.LeadingAmount = &amount
	return nil
}

func (m *memListings) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[id]
	if !ok || (l.Status != store.ListingActive && l.Status != store.ListingExpired) {
		return store.ErrStaleState
	}
	l.Status = store.ListingExpired
	return nil
}

func (m *memListings) Restore(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[id]
	if !ok || l.Status != store.ListingExpired || l.Type != store.TypeFixedPrice {
		return store.ErrStaleState
	}
	l.Status = store.ListingActive
	return nil
}

type memBids struct {
	mu   sync.Mutex
	bids []store.Bid
}

func newMemBids() *memBids { return &memBids{} }

func (m *memBids) Insert(_ context.Context, b *store.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids = append(m.bids, *b)
	return nil
}

func (m *memBids) ListByListing(_ context.Context, listingID string) ([]store.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Bid
	for _, b := range m.bids {
		if b.ListingID == listingID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out, nil
}

type memReservations struct {
	mu   sync.Mutex
	seq  int
	byID map[string]*store.Reservation
}

func newMemReservations() *memReservations {
	return &memReservations{byID: make(map[string]*store.Reservation)}
}

func (m *memReservations) Create(_ context.Context, r *store.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.byID {
		if ex.ListingID == r.ListingID && ex.Status == store.ReservationActive {
			return fmt.Errorf("active reservation already exists on listing %s", r.ListingID)
		}
	}
	m.seq++
	r.ID = fmt.Sprintf("res-%d", m.seq)
	r.Status = store.ReservationActive
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memReservations) GetActive(_ context.Context, listingID string) (*store.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		if r.ListingID == listingID && r.Status == store.ReservationActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memReservations) GetActiveForBidder(_ context.Context, listingID, bidderID string) (*store.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		if r.ListingID == listingID && r.BidderID == bidderID && r.Status == store.ReservationActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memReservations) ListByListing(_ context.Context, listingID string) ([]store.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Reservation
	for _, r := range m.byID {
		if r.ListingID == listingID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memReservations) ListActive(context.Context) ([]store.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Reservation
	for _, r := range m.byID {
		if r.Status == store.ReservationActive {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memReservations) Finish(_ context.Context, id string, status store.ReservationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok || r.Status != store.ReservationActive {
		return store.ErrStaleState
	}
	r.Status = status
	return nil
}

type memOrders struct {
	mu   sync.Mutex
	byID map[string]*store.Order
}

func newMemOrders() *memOrders {
	return &memOrders{byID: make(map[string]*store.Order)}
}

func (m *memOrders) put(o *store.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.byID[o.ID] = &cp
}

func (m *memOrders) get(id string) store.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID[id]
}

func (m *memOrders) GetByID(_ context.Context, id string) (*store.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) Insert(_ context.Context, o *store.Order) error {
	m.put(o)
	return nil
}

func (m *memOrders) ListPendingBefore(_ context.Context, kind store.ListingType, cutoff time.Time) ([]store.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Order
	for _, o := range m.byID {
		if o.Kind == kind && o.PaymentStatus == store.PaymentPending && o.CreatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memOrders) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok || o.PaymentStatus != store.PaymentPending {
		return store.ErrStaleState
	}
	o.PaymentStatus = store.PaymentCancelled
	return nil
}

type queuedJob struct {
	kind    string
	delay   time.Duration
	payload any
}

// memQueue records enqueue-replace and cancel calls in place of the
// Redis job store.
type memQueue struct {
	mu        sync.Mutex
	jobs      map[string]queuedJob
	cancelled []string
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(map[string]queuedJob)}
}

func (q *memQueue) Enqueue(_ context.Context, kind, dedupKey string, delay time.Duration, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[dedupKey] = queuedJob{kind: kind, delay: delay, payload: payload}
	return nil
}

func (q *memQueue) Cancel(_ context.Context, dedupKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, dedupKey)
	q.cancelled = append(q.cancelled, dedupKey)
	return nil
}

func (q *memQueue) IsPending(_ context.Context, dedupKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[dedupKey]
	return ok, nil
}

func (q *memQueue) pending(dedupKey string) (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[dedupKey]
	return j, ok
}

// take removes and returns a pending job, simulating the worker
// claiming it.
func (q *memQueue) take(dedupKey string) (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[dedupKey]
	delete(q.jobs, dedupKey)
	return j, ok
}

type sentEvent struct {
	recipientID string
	eventType   notify.EventType
	payload     any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, recipientID string, eventType notify.EventType, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, sentEvent{recipientID: recipientID, eventType: eventType, payload: payload})
	return nil
}

func (n *recordingNotifier) sent() []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentEvent(nil), n.events...)
}

func (n *recordingNotifier) ofType(t notify.EventType) []sentEvent {
	var out []sentEvent
	for _, e := range n.sent() {
		if e.eventType == t {
			out = append(out, e)
		}
	}
	return out
}
