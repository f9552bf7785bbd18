package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/jobdrain/internal/api"
	"github.com/seantiz/jobdrain/internal/client"
	"github.com/seantiz/jobdrain/internal/clock"
	"github.com/seantiz/jobdrain/internal/drain"
	"github.com/seantiz/jobdrain/internal/executor"
	"github.com/seantiz/jobdrain/internal/store"
)

var (
	_ drain.JobQuery = (*client.Client)(nil)
	_ drain.Worker   = (*client.Client)(nil)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newDeployment serves a full API over an in-memory store.
func newDeployment(t *testing.T) *client.Client {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := executor.NewRegistry()
	executor.RegisterBuiltins(reg)
	exec := executor.New(s, reg, clock.System{}, testLogger(), executor.Config{AcquireInterval: 10 * time.Millisecond})
	t.Cleanup(func() { exec.Stop(context.Background()) })

	srv := api.NewServer(":0", "test.war", s, exec, clock.System{}, testLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return client.New(ts.URL + "/")
}

func TestCreateGetList(t *testing.T) {
	c := newDeployment(t)
	ctx := context.Background()

	retries := 1
	created, err := c.CreateJob(ctx, client.CreateJobRequest{Type: executor.TypeNoop, Payload: "p", Retries: &retries})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.Retries != 1 || string(created.Payload) != "p" {
		t.Errorf("created = %+v", created)
	}

	got, err := c.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}

	jobs, err := c.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("len(jobs) = %d, want 1", len(jobs))
	}
}

func TestGetJobNotFound(t *testing.T) {
	c := newDeployment(t)

	_, err := c.GetJob(context.Background(), "missing")
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateJobValidationError(t *testing.T) {
	c := newDeployment(t)

	_, err := c.CreateJob(context.Background(), client.CreateJobRequest{})
	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest || statusErr.Message != "type is required" {
		t.Errorf("StatusError = %+v", statusErr)
	}
}

func TestStartStop(t *testing.T) {
	c := newDeployment(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := c.ExecutorStatus(ctx)
	if err != nil {
		t.Fatalf("ExecutorStatus: %v", err)
	}
	if !st.Active {
		t.Error("executor not active after Start")
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	st, _ = c.ExecutorStatus(ctx)
	if st.Active {
		t.Error("executor active after Stop")
	}
}

func TestUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := client.New(url, client.WithHTTPClient(&http.Client{Timeout: time.Second}))
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start against closed server succeeded")
	}
}

func TestDrainRemoteDeployment(t *testing.T) {
	c := newDeployment(t)
	ctx := context.Background()

	for range 3 {
		if _, err := c.CreateJob(ctx, client.CreateJobRequest{Type: executor.TypeNoop}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	w := drain.NewWaiter(c, clock.System{}, testLogger(), drain.WithPollInterval(20*time.Millisecond))
	res, err := w.WaitForDrain(ctx, c, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForDrain: %v", err)
	}
	if res.Outcome != drain.Completed {
		t.Errorf("Outcome = %v, want completed", res.Outcome)
	}

	st, err := c.ExecutorStatus(ctx)
	if err != nil {
		t.Fatalf("ExecutorStatus: %v", err)
	}
	if st.Active {
		t.Error("executor left running after the wait")
	}
}

func TestDrainRemoteTimeout(t *testing.T) {
	c := newDeployment(t)
	ctx := context.Background()

	if _, err := c.CreateJob(ctx, client.CreateJobRequest{Type: executor.TypeNoop}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	retries := 0
	if _, err := c.CreateJob(ctx, client.CreateJobRequest{Type: executor.TypeNoop, Retries: &retries}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w := drain.NewWaiter(c, clock.System{}, testLogger(), drain.WithPollInterval(20*time.Millisecond))
	_, err := w.WaitForDrain(ctx, idleWorker{}, 100*time.Millisecond)

	var timeoutErr *drain.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeoutErr.Available != 1 {
		t.Errorf("Available = %d, want 1", timeoutErr.Available)
	}
}

// idleWorker leaves the remote executor stopped so nothing drains.
type idleWorker struct{}

func (idleWorker) Start(context.Context) error { return nil }
func (idleWorker) Stop(context.Context) error  { return nil }
