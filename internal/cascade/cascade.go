// Package cascade decides which bidder is next in line for a listing.
// It is pure decision logic: no persistence, no queues, no clocks. The
// close scheduler and the reservation timeout manager both call it and
// apply the side effects themselves.
package cascade

import (
	"sort"
	"time"
)

// Bid is the slice of a bid the resolver needs.
type Bid struct {
	BidderID string
	Amount   int64
	PlacedAt time.Time
}

// Context restricts eligibility during a cascade chain.
type Context struct {
	// Excluded holds bidders already assigned-and-evicted in this
	// chain. Each cascade round grows this set, so the chain strictly
	// shrinks and terminates.
	Excluded map[string]struct{}
	// Ceiling, when non-nil, caps the eligible amount. A bidder above
	// the lapsed amount would already have held the reservation, so
	// honoring them now would break rank-order fairness. Exact-equal
	// amounts are eligible; ties resolve to the earliest bid.
	Ceiling *int64
}

// Resolve returns the best eligible bid, or ok=false when no bidder
// remains. Ranking is amount descending, ties broken by earliest
// placement. A bidder's rank is their single best bid; lower bids by
// the same bidder never re-qualify them.
//
// Resolve is deterministic: identical history and context always yield
// the same result regardless of input order.
func Resolve(bids []Bid, cctx Context) (Bid, bool) {
	ranked := make([]Bid, len(bids))
	copy(ranked, bids)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Amount != ranked[j].Amount {
			return ranked[i].Amount > ranked[j].Amount
		}
		return ranked[i].PlacedAt.Before(ranked[j].PlacedAt)
	})

	seen := make(map[string]struct{}, len(ranked))
	for _, b := range ranked {
		if _, dup := seen[b.BidderID]; dup {
			continue
		}
		seen[b.BidderID] = struct{}{}

		if _, excluded := cctx.Excluded[b.BidderID]; excluded {
			continue
		}
		if cctx.Ceiling != nil && b.Amount > *cctx.Ceiling {
			continue
		}
		return b, true
	}
	return Bid{}, false
}
