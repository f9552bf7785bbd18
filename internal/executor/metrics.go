package executor

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for job results.
const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
)

var (
	jobsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobdrain_jobs_executed_total",
			Help: "Total number of job executions by type and result.",
		},
		[]string{"type", "result"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobdrain_job_duration_seconds",
			Help:    "Job handler execution time, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	executorActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobdrain_executor_active",
			Help: "1 while the job executor is running, 0 otherwise.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsExecutedTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(executorActive)
}
