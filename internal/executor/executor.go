package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/jobdrain/internal/clock"
	"github.com/seantiz/jobdrain/internal/model"
	"github.com/seantiz/jobdrain/internal/store"
)

// Defaults applied by Config.setDefaults.
const (
	DefaultAcquireInterval = 250 * time.Millisecond
	DefaultLockDuration    = 5 * time.Minute
	DefaultBatchSize       = 3
	DefaultJobTimeout      = 30 * time.Second
)

// Config tunes the acquisition loop.
type Config struct {
	// Owner identifies this executor in job locks.
	Owner string
	// AcquireInterval is the pause between acquisition cycles.
	AcquireInterval time.Duration
	// LockDuration is how long an acquired job stays locked to this owner.
	LockDuration time.Duration
	// BatchSize caps the jobs acquired per cycle.
	BatchSize int
	// JobTimeout bounds a single handler call.
	JobTimeout time.Duration
	// RetryDelay postpones a failed job's next attempt. Zero keeps its due date.
	RetryDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Owner == "" {
		c.Owner = "executor-" + model.NewID()
	}
	if c.AcquireInterval <= 0 {
		c.AcquireInterval = DefaultAcquireInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
}

// releaseTimeout bounds the lock release that follows every loop exit.
const releaseTimeout = 10 * time.Second

// Executor runs due jobs in the background between Start and Stop.
type Executor struct {
	store    store.Store
	registry *Registry
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config
	broker   *Broker

	mu  sync.Mutex
	run *loopRun
}

// loopRun is one acquisition loop. It stays on the executor until the loop
// has exited and released its locks, so a new loop never overlaps it.
type loopRun struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
	// err is the lock release result, written before done is closed.
	err error
}

// New creates a stopped executor.
func New(s store.Store, reg *Registry, clk clock.Clock, logger *slog.Logger, cfg Config) *Executor {
	cfg.setDefaults()
	return &Executor{
		store:    s,
		registry: reg,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
		broker:   NewBroker(),
	}
}

// Events returns the broker carrying this executor's live job events.
func (e *Executor) Events() *Broker {
	return e.broker
}

// Owner returns the lock owner name used by this executor.
func (e *Executor) Owner() string {
	return e.cfg.Owner
}

// IsActive reports whether the acquisition loop is running and not stopping.
func (e *Executor) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil && !e.run.stopping
}

// Start launches the acquisition loop. Starting a running executor is a no-op.
// If a previous loop is still stopping, Start waits for it to exit first and
// fails if ctx expires meanwhile. The loop is not bound to ctx; it runs until
// Stop.
func (e *Executor) Start(ctx context.Context) error {
	for {
		e.mu.Lock()
		r := e.run
		if r == nil {
			break
		}
		stopping := r.stopping
		e.mu.Unlock()
		if !stopping {
			return nil
		}

		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("start executor: previous loop still stopping: %w", ctx.Err())
		}
	}
	// e.mu is held from here.
	defer e.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &loopRun{cancel: cancel, done: make(chan struct{})}
	e.run = r

	go e.loop(loopCtx, r)

	executorActive.Set(1)
	e.logger.Info("executor started", "owner", e.cfg.Owner, "acquire_interval", e.cfg.AcquireInterval)
	return nil
}

// Stop halts acquisition, waits for the job in flight to finish and returns
// jobs acquired but not yet run to pending. Stopping a stopped executor is a
// no-op. If ctx expires first, Stop returns its error; the loop still
// finishes and releases its locks in the background.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	r := e.run
	if r == nil {
		e.mu.Unlock()
		return nil
	}
	if !r.stopping {
		r.stopping = true
		r.cancel()
		executorActive.Set(0)
	}
	e.mu.Unlock()

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return fmt.Errorf("stop executor: %w", ctx.Err())
	}
}

// loop runs the acquisition loop, then releases this owner's locks and
// detaches r from the executor.
func (e *Executor) loop(ctx context.Context, r *loopRun) {
	defer close(r.done)

	e.acquireLoop(ctx)

	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := e.store.ReleaseLocks(releaseCtx, e.cfg.Owner); err != nil {
		r.err = fmt.Errorf("stop executor: %w", err)
		e.logger.Error("release job locks", "owner", e.cfg.Owner, "error", err)
	} else {
		e.logger.Info("executor stopped", "owner", e.cfg.Owner)
	}

	e.mu.Lock()
	if e.run == r {
		e.run = nil
	}
	e.mu.Unlock()
}

// acquireLoop runs one acquisition cycle immediately and then one per interval.
func (e *Executor) acquireLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.AcquireInterval)
	defer ticker.Stop()

	e.acquireAndExecute(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.acquireAndExecute(ctx)
		}
	}
}

// acquireAndExecute runs one batch. Jobs left unrun when ctx is cancelled keep
// their lock until Stop releases it.
func (e *Executor) acquireAndExecute(ctx context.Context) {
	jobs, err := e.store.AcquireJobs(ctx, e.cfg.Owner, e.clock.Now(), e.cfg.LockDuration, e.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("acquire jobs", "owner", e.cfg.Owner, "error", err)
		}
		return
	}

	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		e.execute(j)
	}
}

// execute runs a job to completion: success deletes it, failure consumes a retry.
func (e *Executor) execute(j *model.Job) {
	ctx := context.Background()
	e.appendLog(ctx, j.ID, model.EventAcquired, "")

	h, err := e.registry.Resolve(j.Type)
	if err == nil {
		err = e.runHandler(h, j)
	}
	if err != nil {
		e.fail(ctx, j, err)
		return
	}

	if err := e.store.CompleteJob(ctx, j.ID); err != nil {
		e.logger.Error("complete job", "job_id", j.ID, "error", err)
		return
	}
	jobsExecutedTotal.WithLabelValues(j.Type, resultSucceeded).Inc()
	e.appendLog(ctx, j.ID, model.EventSucceeded, "")
	e.broker.Close(j.ID)
	e.logger.Debug("job succeeded", "job_id", j.ID, "type", j.Type)
}

// runHandler calls the handler under the job timeout, converting panics to errors.
func (e *Executor) runHandler(h Handler, j *model.Job) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		jobDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = h.Execute(ctx, *j)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job timed out after %s", e.cfg.JobTimeout)
	}
	return err
}

func (e *Executor) fail(ctx context.Context, j *model.Job, cause error) {
	due := j.DueDate
	if e.cfg.RetryDelay > 0 {
		next := e.clock.Now().Add(e.cfg.RetryDelay)
		due = &next
	}

	failed, err := e.store.FailJob(ctx, j.ID, cause.Error(), due)
	if err != nil {
		e.logger.Error("record job failure", "job_id", j.ID, "cause", cause, "error", err)
		return
	}
	jobsExecutedTotal.WithLabelValues(j.Type, resultFailed).Inc()
	e.appendLog(ctx, j.ID, model.EventFailed, cause.Error())
	if failed.Status == model.StatusFailed {
		e.broker.Close(j.ID)
	}
	e.logger.Warn("job failed",
		"job_id", j.ID,
		"type", j.Type,
		"retries_left", failed.Retries,
		"error", cause,
	)
}

func (e *Executor) appendLog(ctx context.Context, jobID, event, message string) {
	if err := e.store.InsertLogEntry(ctx, jobID, event, message); err != nil {
		e.logger.Error("failed to persist job log entry", "job_id", jobID, "event", event, "error", err)
	}
	e.broker.Publish(model.LogEntry{
		JobID:     jobID,
		Event:     event,
		Message:   message,
		CreatedAt: e.clock.Now(),
	})
}
