package drain_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/seantiz/jobdrain/internal/clock"
	"github.com/seantiz/jobdrain/internal/drain"
	"github.com/seantiz/jobdrain/internal/model"
)

const interval = 20 * time.Millisecond

var _ = Describe("Waiter", func() {
	var (
		ctx    context.Context
		worker *fakeWorker
		jobs   *fakeJobs
		clk    *clock.Fake
		waiter *drain.Waiter
	)

	BeforeEach(func() {
		ctx = context.Background()
		worker = &fakeWorker{}
		jobs = &fakeJobs{worker: worker}
		clk = clock.NewFake(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
		waiter = drain.NewWaiter(jobs, clk, testLogger(), drain.WithPollInterval(interval))
	})

	Describe("WaitForDrain", func() {
		Context("when no jobs exist", func() {
			It("completes after a single interval and stops the worker", func() {
				res, err := waiter.WaitForDrain(ctx, worker, time.Second)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(drain.Completed))
				Expect(res.Available).To(Equal(0))
				Expect(res.Elapsed).To(BeNumerically(">=", interval))
				Expect(jobs.Calls()).To(Equal(1))
				Expect(worker.Starts()).To(Equal(1))
				Expect(worker.Stops()).To(Equal(1))
			})

			It("checks with the worker running", func() {
				_, err := waiter.WaitForDrain(ctx, worker, time.Second)

				Expect(err).NotTo(HaveOccurred())
				Expect(jobs.sawStopped).To(BeFalse())
				Expect(worker.Running()).To(BeFalse())
			})
		})

		Context("when the executor drains one job per interval", func() {
			It("completes after exactly three checks", func() {
				jobs.jobs = pendingJobs(3)
				jobs.drainPerCall = 1

				res, err := waiter.WaitForDrain(ctx, worker, 5*time.Second)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(drain.Completed))
				Expect(jobs.Calls()).To(Equal(3))
				Expect(res.Elapsed).To(BeNumerically(">=", 3*interval))
				Expect(worker.Stops()).To(Equal(1))
			})
		})

		Context("when a job stays available", func() {
			It("times out with the available count and stops the worker", func() {
				jobs.jobs = pendingJobs(1)

				res, err := waiter.WaitForDrain(ctx, worker, 100*time.Millisecond)

				Expect(err).To(MatchError(drain.ErrTimeoutExceeded))
				Expect(err.Error()).To(Equal("time limit of 100ms exceeded (1 jobs still available)"))

				var timeoutErr *drain.TimeoutError
				Expect(errors.As(err, &timeoutErr)).To(BeTrue())
				Expect(timeoutErr.MaxWait).To(Equal(100 * time.Millisecond))
				Expect(timeoutErr.Available).To(Equal(1))

				Expect(res.Outcome).To(Equal(drain.TimedOut))
				Expect(res.Available).To(Equal(1))
				Expect(res.Elapsed).To(BeNumerically(">=", 100*time.Millisecond))
				Expect(res.Elapsed).To(BeNumerically("<", time.Second))
				Expect(worker.Stops()).To(Equal(1))
			})

			It("reports every available job in the message", func() {
				jobs.jobs = pendingJobs(2)

				_, err := waiter.WaitForDrain(ctx, worker, 50*time.Millisecond)

				Expect(err).To(MatchError("time limit of 50ms exceeded (2 jobs still available)"))
			})
		})

		Context("when the deadline fires before the first check", func() {
			It("checks once more and completes if nothing is available", func() {
				slow := drain.NewWaiter(jobs, clk, testLogger(), drain.WithPollInterval(time.Hour))

				res, err := slow.WaitForDrain(ctx, worker, 30*time.Millisecond)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(drain.Completed))
				Expect(jobs.Calls()).To(Equal(1))
				Expect(res.Elapsed).To(BeNumerically("<", time.Second))
			})
		})

		Context("when only dormant jobs remain", func() {
			It("ignores jobs without retries", func() {
				jobs.jobs = []*model.Job{{ID: "exhausted", Status: model.StatusFailed, Retries: 0}}

				res, err := waiter.WaitForDrain(ctx, worker, time.Second)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(drain.Completed))
			})

			It("ignores jobs due in the future of the injected clock", func() {
				due := clk.Now().Add(time.Hour)
				jobs.jobs = []*model.Job{{ID: "later", Status: model.StatusPending, Retries: 3, DueDate: &due}}

				res, err := waiter.WaitForDrain(ctx, worker, time.Second)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(drain.Completed))
			})

			It("counts the same job once the clock passes its due date", func() {
				due := clk.Now().Add(time.Hour)
				jobs.jobs = []*model.Job{{ID: "later", Status: model.StatusPending, Retries: 3, DueDate: &due}}
				clk.Advance(time.Hour + time.Millisecond)

				_, err := waiter.WaitForDrain(ctx, worker, 50*time.Millisecond)

				Expect(err).To(MatchError(drain.ErrTimeoutExceeded))
			})
		})

		Context("with an invalid max wait", func() {
			It("rejects a negative duration without touching the worker", func() {
				_, err := waiter.WaitForDrain(ctx, worker, -time.Second)

				Expect(err).To(MatchError(drain.ErrInvalidMaxWait))
				Expect(worker.Starts()).To(Equal(0))
				Expect(worker.Stops()).To(Equal(0))
				Expect(jobs.Calls()).To(Equal(0))
			})

			It("uses the default for a zero duration", func() {
				res, err := waiter.WaitForDrain(ctx, worker, 0)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(drain.Completed))
				Expect(drain.DefaultMaxWait).To(Equal(12 * time.Second))
			})

			It("keeps waiting past a zero deadline while jobs stay available", func() {
				jobs.jobs = pendingJobs(1)
				cancelCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				defer cancel()

				res, err := waiter.WaitForDrain(cancelCtx, worker, 0)

				Expect(err).To(MatchError(context.DeadlineExceeded))
				Expect(err).NotTo(MatchError(drain.ErrTimeoutExceeded))
				Expect(res.Outcome).To(Equal(drain.Interrupted))
				Expect(res.Elapsed).To(BeNumerically(">=", 200*time.Millisecond))
				Expect(jobs.Calls()).To(BeNumerically(">=", 2))
				Expect(worker.Stops()).To(Equal(1))
			})
		})

		Context("when the context is cancelled", func() {
			It("returns the context error and still stops the worker", func() {
				jobs.jobs = pendingJobs(1)
				cancelCtx, cancel := context.WithCancel(ctx)
				time.AfterFunc(50*time.Millisecond, cancel)

				res, err := waiter.WaitForDrain(cancelCtx, worker, 10*time.Second)

				Expect(err).To(MatchError(context.Canceled))
				Expect(err).NotTo(MatchError(drain.ErrTimeoutExceeded))
				Expect(res.Outcome).To(Equal(drain.Interrupted))
				Expect(worker.Stops()).To(Equal(1))
				Expect(worker.stopCtxErr).NotTo(HaveOccurred())
			})
		})

		Context("when collaborators fail", func() {
			It("aborts on a query error and stops the worker", func() {
				jobs.err = errors.New("database is locked")

				res, err := waiter.WaitForDrain(ctx, worker, time.Second)

				Expect(err).To(MatchError(ContainSubstring("database is locked")))
				Expect(res.Outcome).To(Equal(drain.Interrupted))
				Expect(worker.Stops()).To(Equal(1))
			})

			It("stops the worker when Start fails", func() {
				worker.startErr = errors.New("already shut down")

				_, err := waiter.WaitForDrain(ctx, worker, time.Second)

				Expect(err).To(MatchError(ContainSubstring("start worker: already shut down")))
				Expect(worker.Stops()).To(Equal(1))
				Expect(jobs.Calls()).To(Equal(0))
			})

			It("joins a stop failure into a completed wait", func() {
				stopErr := errors.New("locks not released")
				worker.stopErr = stopErr

				res, err := waiter.WaitForDrain(ctx, worker, time.Second)

				Expect(res.Outcome).To(Equal(drain.Completed))
				Expect(err).To(MatchError(stopErr))
			})

			It("keeps the timeout visible next to a stop failure", func() {
				jobs.jobs = pendingJobs(1)
				worker.stopErr = errors.New("locks not released")

				_, err := waiter.WaitForDrain(ctx, worker, 50*time.Millisecond)

				Expect(err).To(MatchError(drain.ErrTimeoutExceeded))
				Expect(err).To(MatchError(worker.stopErr))
			})
		})

		Context("when waits run back to back", func() {
			It("does not leak the first deadline into the second wait", func() {
				_, err := waiter.WaitForDrain(ctx, worker, 40*time.Millisecond)
				Expect(err).NotTo(HaveOccurred())

				jobs.jobs = pendingJobs(2)
				jobs.drainPerCall = 1
				res, err := waiter.WaitForDrain(ctx, worker, time.Second)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(drain.Completed))
				Expect(worker.Starts()).To(Equal(2))
				Expect(worker.Stops()).To(Equal(2))
			})
		})
	})

	Describe("JobsAvailable", func() {
		It("is false for an empty collection", func() {
			ok, err := waiter.JobsAvailable(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("counts only available jobs", func() {
			due := clk.Now().Add(time.Minute)
			jobs.jobs = append(pendingJobs(2),
				&model.Job{ID: "dormant", Retries: 0},
				&model.Job{ID: "later", Retries: 1, DueDate: &due},
			)

			n, err := waiter.AvailableCount(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))

			ok, err := waiter.JobsAvailable(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("propagates query errors", func() {
			jobs.err = errors.New("unreachable")

			_, err := waiter.JobsAvailable(ctx)

			Expect(err).To(MatchError(ContainSubstring("list jobs: unreachable")))
		})
	})

	Describe("IsAvailable", func() {
		It("reads the injected clock", func() {
			due := clk.Now().Add(time.Second)
			job := &model.Job{Retries: 1, DueDate: &due}

			Expect(waiter.IsAvailable(job)).To(BeFalse())
			clk.Advance(2 * time.Second)
			Expect(waiter.IsAvailable(job)).To(BeTrue())
		})
	})

	Describe("options", func() {
		It("defaults the poll interval to one second", func() {
			Expect(drain.NewWaiter(jobs, nil, nil).PollInterval()).To(Equal(time.Second))
		})

		It("ignores a non-positive poll interval", func() {
			w := drain.NewWaiter(jobs, clk, testLogger(), drain.WithPollInterval(0))
			Expect(w.PollInterval()).To(Equal(drain.DefaultPollInterval))
		})
	})
})
