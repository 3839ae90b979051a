package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/clock"
)

// luaPopDue atomically claims up to ARGV[2] due members from the
// scheduled set. Claiming removes the member, so concurrent workers
// never double-fire the same pending job.
const luaPopDue = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
end
return due
`

// Queue is a Redis-backed delayed job store with per-key dedup,
// at-least-once delivery and bounded retry.
type Queue struct {
	rdb         *redis.Client
	clk         clock.Clock
	tracer      trace.Tracer
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Options tune retry behavior.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// NewQueue returns a Queue on the given Redis client.
func NewQueue(rdb *redis.Client, clk clock.Clock, tp trace.TracerProvider, opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	return &Queue{
		rdb:         rdb,
		clk:         clk,
		tracer:      tp.Tracer("github.com/jensholdgaard/auction-engine/internal/jobs"),
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
	}
}

// Ping checks the Redis connection, for readiness probes.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue schedules a job to fire after delay. A pending job with the
// same dedup key is replaced: payload, fire-at time and attempt count
// are all reset.
func (q *Queue) Enqueue(ctx context.Context, kind, dedupKey string, delay time.Duration, payload any) error {
	ctx, span := q.tracer.Start(ctx, "Queue.Enqueue",
		trace.WithAttributes(
			attribute.String("job.kind", kind),
			attribute.String("job.key", dedupKey),
			attribute.Int64("job.delay_ms", delay.Milliseconds()),
		),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling job payload: %w", err)
	}

	job := Job{
		Kind:       kind,
		Key:        dedupKey,
		Payload:    data,
		Attempt:    0,
		EnqueuedAt: q.clk.Now().UTC(),
	}
	return q.schedule(ctx, job, delay)
}

func (q *Queue) schedule(ctx context.Context, job Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshalling job: %w", err)
	}
	fireAt := q.clk.Now().Add(delay).UnixMilli()

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.Key), raw, 0)
	pipe.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(fireAt), Member: job.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduling job %s: %w", job.Key, err)
	}
	return nil
}

// Cancel removes a pending job. Cancelling a key with no pending job is
// a no-op.
func (q *Queue) Cancel(ctx context.Context, dedupKey string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyScheduled, dedupKey)
	pipe.Del(ctx, jobKey(dedupKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancelling job %s: %w", dedupKey, err)
	}
	return nil
}

// IsPending reports whether a job with the given dedup key is waiting
// to fire. The recovery sweep uses this to find listings whose close or
// timeout job went missing.
func (q *Queue) IsPending(ctx context.Context, dedupKey string) (bool, error) {
	err := q.rdb.ZScore(ctx, keyScheduled, dedupKey).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking pending job %s: %w", dedupKey, err)
	}
	return true, nil
}

// popDue claims up to limit jobs whose fire-at time has passed.
func (q *Queue) popDue(ctx context.Context, limit int) ([]Job, error) {
	now := q.clk.Now().UnixMilli()
	members, err := q.rdb.Eval(ctx, luaPopDue, []string{keyScheduled}, now, limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claiming due jobs: %w", err)
	}

	out := make([]Job, 0, len(members))
	for _, member := range members {
		raw, err := q.rdb.Get(ctx, jobKey(member)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Cancelled between claim and fetch; the claim already
			// removed it from the schedule.
			continue
		}
		if err != nil {
			return out, fmt.Errorf("fetching job %s: %w", member, err)
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return out, fmt.Errorf("unmarshalling job %s: %w", member, err)
		}
		out = append(out, job)
	}
	return out, nil
}

// complete acknowledges a successfully handled job.
func (q *Queue) complete(ctx context.Context, job Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(job.Key))
	pipe.Incr(ctx, completedKey(job.Kind))
	_, err := pipe.Exec(ctx)
	return err
}

// retry re-schedules a failed job with exponential backoff, or reports
// exhausted=true once attempts run out.
func (q *Queue) retry(ctx context.Context, job Job) (exhausted bool, err error) {
	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		return true, nil
	}
	return false, q.schedule(ctx, job, q.Backoff(job.Attempt))
}

// deadLetter parks a job for operator inspection.
func (q *Queue) deadLetter(ctx context.Context, job Job, cause error) error {
	entry, err := json.Marshal(struct {
		Job
		Error  string    `json:"error"`
		DeadAt time.Time `json:"dead_at"`
	}{Job: job, Error: cause.Error(), DeadAt: q.clk.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshalling dead letter: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, deadKey(job.Kind), entry)
	pipe.Del(ctx, jobKey(job.Key))
	pipe.Incr(ctx, failedKey(job.Kind))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-lettering job %s: %w", job.Key, err)
	}
	return nil
}

// Backoff returns the retry delay for the given attempt: base doubled
// per attempt, capped at max.
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.backoffMax {
			return q.backoffMax
		}
	}
	if d > q.backoffMax {
		return q.backoffMax
	}
	return d
}

// KindStats is the per-kind health snapshot of the queue.
type KindStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats returns per-kind counts of waiting, active, completed and
// failed jobs. Used by the health introspection endpoint.
func (q *Queue) Stats(ctx context.Context) (map[string]KindStats, error) {
	members, err := q.rdb.ZRange(ctx, keyScheduled, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading scheduled set: %w", err)
	}

	stats := make(map[string]KindStats)
	for _, member := range members {
		kind := KindOfKey(member)
		s := stats[kind]
		s.Waiting++
		stats[kind] = s
	}

	for kind := range stats {
		if err := q.fillCounters(ctx, kind, stats); err != nil {
			return nil, err
		}
	}
	// Kinds with no waiting jobs may still have history.
	for _, kind := range KnownKinds {
		if _, ok := stats[kind]; ok {
			continue
		}
		if err := q.fillCounters(ctx, kind, stats); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (q *Queue) fillCounters(ctx context.Context, kind string, stats map[string]KindStats) error {
	s := stats[kind]
	for _, c := range []struct {
		key string
		dst *int64
	}{
		{activeKey(kind), &s.Active},
		{completedKey(kind), &s.Completed},
		{failedKey(kind), &s.Failed},
	} {
		n, err := q.rdb.Get(ctx, c.key).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("reading counter %s: %w", c.key, err)
		}
		*c.dst = n
	}
	stats[kind] = s
	return nil
}

// KnownKinds lists the job kinds the engine schedules. Stats reports
// them even when idle so dashboards keep a stable shape.
var KnownKinds = []string{"auction-close", "reservation-timeout", "payment-check"}
