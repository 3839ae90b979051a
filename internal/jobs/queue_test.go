package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/jobs"
)

func TestQueue_Backoff(t *testing.T) {
	q := jobs.NewQueue(nil, clock.Real{}, noop.NewTracerProvider(), jobs.Options{
		BackoffBase: 2 * time.Second,
		BackoffMax:  30 * time.Second,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},  // capped
		{10, 30 * time.Second}, // still capped
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

type closePayload struct {
	ListingID string `json:"listing_id"`
}

func newTestQueue(t *testing.T, opts jobs.Options) *jobs.Queue {
	t.Helper()
	rdb := newTestRedis(t)
	return jobs.NewQueue(rdb, clock.Real{}, noop.NewTracerProvider(), opts)
}

// runWorker starts a worker with a fast poll interval and returns a
// stop function that drains it.
func runWorker(t *testing.T, q *jobs.Queue, register func(w *jobs.Worker)) func() {
	t.Helper()
	w := jobs.NewWorker(q, 2, 20*time.Millisecond, slog.Default(), noop.NewTracerProvider())
	register(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorker_FiresDueJob(t *testing.T) {
	q := newTestQueue(t, jobs.Options{})

	var fired atomic.Int32
	var gotPayload atomic.Value
	stop := runWorker(t, q, func(w *jobs.Worker) {
		w.Register("auction-close", func(ctx context.Context, payload json.RawMessage) error {
			var p closePayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			gotPayload.Store(p.ListingID)
			fired.Add(1)
			return nil
		})
	})
	defer stop()

	err := q.Enqueue(context.Background(), "auction-close", "auction-close:listing-1", 0, closePayload{ListingID: "listing-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return fired.Load() == 1 })
	if got := gotPayload.Load(); got != "listing-1" {
		t.Errorf("payload listing_id = %v, want listing-1", got)
	}

	// Job is acknowledged, not pending anymore.
	pending, err := q.IsPending(context.Background(), "auction-close:listing-1")
	if err != nil {
		t.Fatalf("IsPending: %v", err)
	}
	if pending {
		t.Error("job still pending after completion")
	}
}

func TestQueue_EnqueueReplacesPending(t *testing.T) {
	q := newTestQueue(t, jobs.Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string

	// Schedule far in the future, then replace with an immediate fire.
	if err := q.Enqueue(ctx, "auction-close", "auction-close:listing-1", time.Hour, closePayload{ListingID: "old"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "auction-close", "auction-close:listing-1", 0, closePayload{ListingID: "new"}); err != nil {
		t.Fatalf("Enqueue replace: %v", err)
	}

	stop := runWorker(t, q, func(w *jobs.Worker) {
		w.Register("auction-close", func(ctx context.Context, payload json.RawMessage) error {
			var p closePayload
			_ = json.Unmarshal(payload, &p)
			mu.Lock()
			seen = append(seen, p.ListingID)
			mu.Unlock()
			return nil
		})
	})
	defer stop()

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	})
	time.Sleep(100 * time.Millisecond) // would catch a duplicate fire

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "new" {
		t.Errorf("fired payloads = %v, want exactly [new]", seen)
	}
}

func TestQueue_CancelPreventsFire(t *testing.T) {
	q := newTestQueue(t, jobs.Options{})
	ctx := context.Background()

	var fired atomic.Int32
	if err := q.Enqueue(ctx, "reservation-timeout", "reservation-timeout:l1:b1", 50*time.Millisecond, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Cancel(ctx, "reservation-timeout:l1:b1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	pending, err := q.IsPending(ctx, "reservation-timeout:l1:b1")
	if err != nil {
		t.Fatalf("IsPending: %v", err)
	}
	if pending {
		t.Fatal("job still pending after Cancel")
	}

	stop := runWorker(t, q, func(w *jobs.Worker) {
		w.Register("reservation-timeout", func(ctx context.Context, payload json.RawMessage) error {
			fired.Add(1)
			return nil
		})
	})
	defer stop()

	time.Sleep(300 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("cancelled job fired %d times", fired.Load())
	}
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	q := newTestQueue(t, jobs.Options{
		MaxAttempts: 5,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	})

	var calls atomic.Int32
	stop := runWorker(t, q, func(w *jobs.Worker) {
		w.Register("payment-check", func(ctx context.Context, payload json.RawMessage) error {
			if calls.Add(1) < 3 {
				return errors.New("store unavailable")
			}
			return nil
		})
	})
	defer stop()

	if err := q.Enqueue(context.Background(), "payment-check", "payment-check:order-1", 0, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return calls.Load() >= 3 })

	waitFor(t, 3*time.Second, func() bool {
		stats, err := q.Stats(context.Background())
		if err != nil {
			return false
		}
		return stats["payment-check"].Completed == 1
	})
}

type recordingAlerts struct {
	mu   sync.Mutex
	dead []jobs.Job
}

func (r *recordingAlerts) JobDead(_ context.Context, job jobs.Job, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, job)
}

func TestWorker_PermanentErrorDeadLetters(t *testing.T) {
	q := newTestQueue(t, jobs.Options{MaxAttempts: 5})

	alerts := &recordingAlerts{}
	var calls atomic.Int32
	stop := runWorker(t, q, func(w *jobs.Worker) {
		w.SetAlertSink(alerts)
		w.Register("auction-close", func(ctx context.Context, payload json.RawMessage) error {
			calls.Add(1)
			return jobs.Permanent(errors.New("listing references unknown bidder"))
		})
	})
	defer stop()

	if err := q.Enqueue(context.Background(), "auction-close", "auction-close:listing-9", 0, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		stats, err := q.Stats(context.Background())
		if err != nil {
			return false
		}
		return stats["auction-close"].Failed == 1
	})

	// No retries for permanent failures.
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.dead) != 1 || alerts.dead[0].Key != "auction-close:listing-9" {
		t.Errorf("alert sink got %+v, want the dead job", alerts.dead)
	}
}

func TestQueue_Stats_KnownKindsAlwaysPresent(t *testing.T) {
	q := newTestQueue(t, jobs.Options{})

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	for _, kind := range jobs.KnownKinds {
		if _, ok := stats[kind]; !ok {
			t.Errorf("Stats missing kind %q", kind)
		}
	}
}
