package jobs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jensholdgaard/auction-engine/internal/jobs"
)

func TestKindOfKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"auction-close:listing-1", "auction-close"},
		{"reservation-timeout:listing-1:bidder-1", "reservation-timeout"},
		{"payment-check:order-9", "payment-check"},
		{"bare", "bare"},
	}
	for _, tt := range tests {
		if got := jobs.KindOfKey(tt.key); got != tt.want {
			t.Errorf("KindOfKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bidder has no bid record")
	wrapped := jobs.Permanent(base)

	if !jobs.IsPermanent(wrapped) {
		t.Error("IsPermanent(Permanent(err)) = false, want true")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Permanent should preserve the error chain")
	}
	if jobs.IsPermanent(base) {
		t.Error("IsPermanent(plain error) = true, want false")
	}
	if jobs.IsPermanent(fmt.Errorf("transient: %w", errors.New("db down"))) {
		t.Error("IsPermanent(wrapped plain error) = true, want false")
	}
	if jobs.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	// Permanent survives further wrapping.
	rewrapped := fmt.Errorf("handling job: %w", wrapped)
	if !jobs.IsPermanent(rewrapped) {
		t.Error("IsPermanent should see through fmt.Errorf wrapping")
	}
}
