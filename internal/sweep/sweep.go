// Package sweep runs named periodic tasks with an explicit lifecycle,
// replacing ambient global timers.
package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Task is one pass of a periodic job. Errors are logged, not fatal; the
// next tick runs regardless.
type Task func(ctx context.Context) error

// Runner executes a Task at a fixed interval until its context is
// cancelled.
type Runner struct {
	name     string
	interval time.Duration
	task     Task
	logger   *slog.Logger
}

// New returns a Runner. The task also runs once immediately on Run,
// which doubles as startup recovery.
func New(name string, interval time.Duration, task Task, logger *slog.Logger) *Runner {
	return &Runner{name: name, interval: interval, task: task, logger: logger}
}

// Run blocks, executing the task once up front and then on every tick,
// until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.InfoContext(ctx, "sweep starting",
		slog.String("sweep", r.name),
		slog.Duration("interval", r.interval),
	)

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sweep stopped", slog.String("sweep", r.name))
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass. Exported so tests and startup paths
// can drive the task without a ticker.
func (r *Runner) RunOnce(ctx context.Context) {
	if err := r.task(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.ErrorContext(ctx, "sweep pass failed",
			slog.String("sweep", r.name),
			slog.Any("error", err),
		)
	}
}
