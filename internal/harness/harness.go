// Package harness gives integration tests a clean job engine per test: the
// executor is stopped at setup, tests drain jobs explicitly, and runtime state
// is purged after every test whatever its outcome.
package harness

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/seantiz/jobdrain/internal/client"
	"github.com/seantiz/jobdrain/internal/clock"
	"github.com/seantiz/jobdrain/internal/config"
	"github.com/seantiz/jobdrain/internal/drain"
	"github.com/seantiz/jobdrain/internal/reset"
)

// setupTimeout bounds the executor stop at setup and the purge at cleanup.
const setupTimeout = 10 * time.Second

// Config describes the deployment a Harness drives.
type Config struct {
	// BaseURL serves both the job API and the purge endpoint.
	BaseURL    string
	Deployment string
	// MaxWait is used by WaitForJobs. Zero means drain.DefaultMaxWait.
	MaxWait      time.Duration
	PollInterval time.Duration

	// Jobs and Worker default to an HTTP client for BaseURL.
	Jobs   drain.JobQuery
	Worker drain.Worker

	Clock      clock.Clock
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// ConfigFromEnv builds a Config from the JOBDRAIN_* environment.
func ConfigFromEnv() Config {
	hc := config.LoadHarness()
	return Config{
		BaseURL:      hc.ResetURL,
		Deployment:   hc.Deployment,
		MaxWait:      hc.MaxWait,
		PollInterval: hc.PollInterval,
		Logger:       config.NewLogger(os.Stderr, hc.LogLevel),
	}
}

// Harness is the per-test handle returned by New.
type Harness struct {
	t       testing.TB
	client  *client.Client
	worker  drain.Worker
	waiter  *drain.Waiter
	trigger *reset.Trigger
	logger  *slog.Logger
	maxWait time.Duration
}

// New prepares a test: it stops the executor so the test starts with no
// background activity, and registers a cleanup that purges runtime state.
// A purge that finds residue fails the test with the report; an unreachable
// purge endpoint is only logged.
func New(t testing.TB, cfg Config) *Harness {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}

	var opts []client.Option
	var resetOpts []reset.Option
	if cfg.HTTPClient != nil {
		opts = append(opts, client.WithHTTPClient(cfg.HTTPClient))
		resetOpts = append(resetOpts, reset.WithHTTPClient(cfg.HTTPClient))
	}
	c := client.New(cfg.BaseURL, opts...)

	jobs := cfg.Jobs
	if jobs == nil {
		jobs = c
	}
	worker := cfg.Worker
	if worker == nil {
		worker = c
	}

	h := &Harness{
		t:       t,
		client:  c,
		worker:  worker,
		waiter:  drain.NewWaiter(jobs, cfg.Clock, cfg.Logger, drain.WithPollInterval(cfg.PollInterval)),
		trigger: reset.NewTrigger(cfg.BaseURL, cfg.Deployment, cfg.Logger, resetOpts...),
		logger:  cfg.Logger,
		maxWait: cfg.MaxWait,
	}

	t.Cleanup(h.resetState)

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if err := worker.Stop(ctx); err != nil {
		t.Fatalf("stop job executor before test: %v", err)
	}

	return h
}

// Client returns the HTTP client bound to the deployment.
func (h *Harness) Client() *client.Client {
	return h.client
}

// Waiter returns the drain waiter used by WaitForJobs.
func (h *Harness) Waiter() *drain.Waiter {
	return h.waiter
}

// WaitForJobs runs the executor until no job is available, failing the test
// if the configured max wait passes first.
func (h *Harness) WaitForJobs() {
	h.t.Helper()
	h.WaitForJobsWithin(h.maxWait)
}

// WaitForJobsWithin is WaitForJobs with an explicit time budget.
func (h *Harness) WaitForJobsWithin(maxWait time.Duration) {
	h.t.Helper()
	if _, err := h.waiter.WaitForDrain(context.Background(), h.worker, maxWait); err != nil {
		h.t.Fatalf("wait for jobs: %v", err)
	}
}

// JobsAvailable reports whether any job is currently available.
func (h *Harness) JobsAvailable() bool {
	h.t.Helper()
	ok, err := h.waiter.JobsAvailable(context.Background())
	if err != nil {
		h.t.Fatalf("check available jobs: %v", err)
	}
	return ok
}

// AvailableCount returns the number of currently available jobs.
func (h *Harness) AvailableCount() int {
	h.t.Helper()
	n, err := h.waiter.AvailableCount(context.Background())
	if err != nil {
		h.t.Fatalf("count available jobs: %v", err)
	}
	return n
}

func (h *Harness) resetState() {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	err := h.trigger.Reset(ctx)
	var failed *reset.FailedError
	switch {
	case err == nil:
	case errors.As(err, &failed):
		h.t.Errorf("state reset after test: %s", failed.Report)
	case errors.Is(err, reset.ErrResetUnreachable):
		h.logger.Error("state reset endpoint unreachable", "url", h.trigger.URL(), "error", err)
	default:
		h.t.Errorf("state reset after test: %v", err)
	}
}
