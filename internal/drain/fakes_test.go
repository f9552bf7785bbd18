package drain_test

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/jobdrain/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeWorker records Start and Stop calls.
type fakeWorker struct {
	mu         sync.Mutex
	starts     int
	stops      int
	running    bool
	startErr   error
	stopErr    error
	stopCtxErr error
}

func (w *fakeWorker) Start(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts++
	if w.startErr != nil {
		return w.startErr
	}
	w.running = true
	return nil
}

func (w *fakeWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops++
	w.running = false
	w.stopCtxErr = ctx.Err()
	return w.stopErr
}

func (w *fakeWorker) Starts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts
}

func (w *fakeWorker) Stops() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stops
}

func (w *fakeWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// fakeJobs serves a fixed job list. With drainPerCall set, each ListJobs
// call first removes that many jobs, as if the executor had run them.
type fakeJobs struct {
	mu           sync.Mutex
	jobs         []*model.Job
	drainPerCall int
	calls        int
	err          error
	worker       *fakeWorker
	sawStopped   bool
}

func (f *fakeJobs) ListJobs(context.Context) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.worker != nil && !f.worker.Running() {
		f.sawStopped = true
	}
	if f.err != nil {
		return nil, f.err
	}
	n := min(f.drainPerCall, len(f.jobs))
	f.jobs = f.jobs[n:]
	return append([]*model.Job(nil), f.jobs...), nil
}

func (f *fakeJobs) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func pendingJobs(n int) []*model.Job {
	jobs := make([]*model.Job, n)
	for i := range jobs {
		jobs[i] = &model.Job{ID: model.NewID(), Type: "noop", Status: model.StatusPending, Retries: model.DefaultRetries}
	}
	return jobs
}
