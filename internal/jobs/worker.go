package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes a fired job. Returning nil acknowledges the job.
// A plain error triggers retry with backoff; an error wrapped with
// Permanent dead-letters the job immediately. Handlers must be
// idempotent: delivery is at-least-once.
type Handler func(ctx context.Context, payload json.RawMessage) error

// AlertSink receives dead-letter notifications. Implementations must be
// best-effort; the worker never blocks on them.
type AlertSink interface {
	JobDead(ctx context.Context, job Job, cause error)
}

// Worker polls the queue and dispatches due jobs to registered
// handlers with a fixed-size goroutine pool.
type Worker struct {
	queue    *Queue
	handlers map[string]Handler
	alerts   AlertSink
	logger   *slog.Logger
	tracer   trace.Tracer

	workers   int
	pollEvery time.Duration
	batchSize int
}

// NewWorker returns a Worker with no handlers registered.
func NewWorker(queue *Queue, workers int, pollEvery time.Duration, logger *slog.Logger, tp trace.TracerProvider) *Worker {
	if workers < 1 {
		workers = 1
	}
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Worker{
		queue:     queue,
		handlers:  make(map[string]Handler),
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/auction-engine/internal/jobs"),
		workers:   workers,
		pollEvery: pollEvery,
		batchSize: 16,
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// SetAlertSink installs the dead-letter alert sink.
func (w *Worker) SetAlertSink(s AlertSink) {
	w.alerts = s
}

// Run polls for due jobs and dispatches them until ctx is cancelled.
// It blocks; in-flight handlers drain before it returns.
func (w *Worker) Run(ctx context.Context) {
	w.logger.InfoContext(ctx, "job worker starting",
		slog.Int("workers", w.workers),
		slog.Duration("poll_interval", w.pollEvery),
	)

	jobs := make(chan Job)
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				w.dispatch(ctx, job)
			}
		}()
	}

	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
		}

		due, err := w.queue.popDue(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				break poll
			}
			w.logger.ErrorContext(ctx, "polling due jobs failed", slog.Any("error", err))
			continue
		}
		for _, job := range due {
			select {
			case jobs <- job:
			case <-ctx.Done():
				// Claimed but undispatched; put it back so it is not lost.
				if reErr := w.queue.schedule(context.WithoutCancel(ctx), job, 0); reErr != nil {
					w.logger.Error("re-scheduling claimed job on shutdown failed",
						slog.String("job_key", job.Key), slog.Any("error", reErr))
				}
				break poll
			}
		}
	}

	close(jobs)
	wg.Wait()
	w.logger.Info("job worker stopped")
}

func (w *Worker) dispatch(ctx context.Context, job Job) {
	ctx, span := w.tracer.Start(ctx, "Worker.dispatch",
		trace.WithAttributes(
			attribute.String("job.kind", job.Kind),
			attribute.String("job.key", job.Key),
			attribute.Int("job.attempt", job.Attempt),
		),
	)
	defer span.End()

	handler, ok := w.handlers[job.Kind]
	if !ok {
		w.fail(ctx, job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	w.queue.rdb.Incr(ctx, activeKey(job.Kind))
	defer w.queue.rdb.Decr(ctx, activeKey(job.Kind))

	err := handler(ctx, job.Payload)
	if err == nil {
		if ackErr := w.queue.complete(ctx, job); ackErr != nil {
			w.logger.WarnContext(ctx, "acknowledging job failed",
				slog.String("job_key", job.Key), slog.Any("error", ackErr))
		}
		return
	}

	if IsPermanent(err) {
		w.fail(ctx, job, err)
		return
	}

	exhausted, retryErr := w.queue.retry(ctx, job)
	if retryErr != nil {
		w.logger.ErrorContext(ctx, "re-scheduling failed job",
			slog.String("job_key", job.Key), slog.Any("error", retryErr))
		return
	}
	if exhausted {
		w.fail(ctx, job, fmt.Errorf("retries exhausted after %d attempts: %w", w.queue.maxAttempts, err))
		return
	}

	w.logger.WarnContext(ctx, "job failed, retrying",
		slog.String("job_kind", job.Kind),
		slog.String("job_key", job.Key),
		slog.Int("attempt", job.Attempt+1),
		slog.Any("error", err),
	)
}

// fail dead-letters a job and alerts the operator channel. Inventory
// and money correctness depend on these jobs, so they are parked for
// inspection rather than dropped.
func (w *Worker) fail(ctx context.Context, job Job, cause error) {
	w.logger.ErrorContext(ctx, "job dead-lettered",
		slog.String("job_kind", job.Kind),
		slog.String("job_key", job.Key),
		slog.Int("attempt", job.Attempt),
		slog.Any("error", cause),
	)
	if err := w.queue.deadLetter(ctx, job, cause); err != nil {
		w.logger.ErrorContext(ctx, "writing dead letter failed",
			slog.String("job_key", job.Key), slog.Any("error", err))
	}
	if w.alerts != nil {
		w.alerts.JobDead(ctx, job, cause)
	}
}
