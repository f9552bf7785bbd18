package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/jobdrain/internal/clock"
	"github.com/seantiz/jobdrain/internal/model"
)

const (
	// DefaultMaxWait is used when WaitForDrain is given a zero max wait.
	DefaultMaxWait = 12 * time.Second
	// DefaultPollInterval is the pause before each availability check.
	DefaultPollInterval = 1 * time.Second
	// DefaultStopTimeout bounds the worker stop that ends every wait.
	DefaultStopTimeout = 10 * time.Second
)

// JobQuery lists the jobs currently known to the executor.
type JobQuery interface {
	ListJobs(ctx context.Context) ([]*model.Job, error)
}

// Worker is the background job executor. Start and Stop must be idempotent.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Outcome is how a wait ended.
type Outcome int

const (
	// Interrupted means the wait was cancelled or a job query failed.
	Interrupted Outcome = iota
	// Completed means no job was available at the last check.
	Completed
	// TimedOut means the deadline passed with jobs still available.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	default:
		return "interrupted"
	}
}

// Result describes a finished wait. Available is only set for TimedOut.
type Result struct {
	Outcome   Outcome
	Available int
	Elapsed   time.Duration
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithPollInterval sets the pause before each availability check.
// Non-positive values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithStopTimeout bounds how long the closing worker stop may take.
// Non-positive values are ignored.
func WithStopTimeout(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.stopTimeout = d
		}
	}
}

// Waiter waits for a job executor to drain. It keeps no per-wait state.
type Waiter struct {
	jobs         JobQuery
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	stopTimeout  time.Duration
}

// NewWaiter creates a Waiter reading jobs from jobs and the current time from clk.
// A nil clk uses the system clock and a nil logger uses slog.Default().
func NewWaiter(jobs JobQuery, clk clock.Clock, logger *slog.Logger, opts ...Option) *Waiter {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Waiter{
		jobs:         jobs,
		clock:        clk,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		stopTimeout:  DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// PollInterval returns the configured pause between checks.
func (w *Waiter) PollInterval() time.Duration {
	return w.pollInterval
}

// IsAvailable applies the availability rule to job at the waiter's current time.
func (w *Waiter) IsAvailable(job *model.Job) bool {
	return IsAvailable(job, w.clock.Now())
}

// AvailableCount returns how many jobs are available right now.
func (w *Waiter) AvailableCount(ctx context.Context) (int, error) {
	jobs, err := w.jobs.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	return countAvailable(jobs, w.clock.Now()), nil
}

// JobsAvailable reports whether at least one job is available right now.
func (w *Waiter) JobsAvailable(ctx context.Context) (bool, error) {
	n, err := w.AvailableCount(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WaitForDrain starts worker and blocks until no job is available or maxWait
// passes. A zero maxWait means DefaultMaxWait. Checks run one poll interval
// after the loop starts and one interval after each previous check. When the
// deadline fires the jobs are checked once more; if any are still available
// the returned error is a *TimeoutError.
//
// The worker is stopped before WaitForDrain returns, whatever the outcome. A
// stop failure is joined into the returned error. Cancelling ctx ends the wait
// with ctx's error.
func (w *Waiter) WaitForDrain(ctx context.Context, worker Worker, maxWait time.Duration) (res Result, err error) {
	if maxWait < 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidMaxWait, maxWait)
	}
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}

	start := time.Now()
	defer func() {
		if stopErr := w.stopWorker(ctx, worker); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		res.Elapsed = time.Since(start)
		observeWait(res.Outcome.String(), res.Elapsed.Seconds())
		w.logger.Info("drain wait finished",
			"outcome", res.Outcome.String(),
			"available", res.Available,
			"max_wait", maxWait,
			"elapsed", res.Elapsed,
		)
	}()

	if err := worker.Start(ctx); err != nil {
		return Result{Outcome: Interrupted}, fmt.Errorf("start worker: %w", err)
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	poll := time.NewTimer(w.pollInterval)
	defer poll.Stop()

	w.logger.Debug("waiting for jobs to drain", "max_wait", maxWait, "poll_interval", w.pollInterval)

	for {
		select {
		case <-ctx.Done():
			return Result{Outcome: Interrupted}, fmt.Errorf("wait for drain: %w", ctx.Err())

		case <-deadline.C:
			n, err := w.AvailableCount(ctx)
			if err != nil {
				return Result{Outcome: Interrupted}, fmt.Errorf("wait for drain: %w", err)
			}
			if n == 0 {
				return Result{Outcome: Completed}, nil
			}
			return Result{Outcome: TimedOut, Available: n}, &TimeoutError{MaxWait: maxWait, Available: n}

		case <-poll.C:
			n, err := w.AvailableCount(ctx)
			if err != nil {
				return Result{Outcome: Interrupted}, fmt.Errorf("wait for drain: %w", err)
			}
			if n == 0 {
				return Result{Outcome: Completed}, nil
			}
			w.logger.Debug("jobs still available", "available", n)
			poll.Reset(w.pollInterval)
		}
	}
}

// stopWorker stops worker on a context that survives cancellation of the
// caller's, so a cancelled wait still shuts the executor down.
func (w *Waiter) stopWorker(ctx context.Context, worker Worker) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.stopTimeout)
	defer cancel()

	if err := worker.Stop(stopCtx); err != nil {
		w.logger.Error("stop worker after drain wait", "error", err)
		return fmt.Errorf("stop worker: %w", err)
	}
	return nil
}
