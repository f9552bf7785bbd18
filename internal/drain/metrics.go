package drain

import "github.com/prometheus/client_golang/prometheus"

var (
	waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobdrain_wait_duration_seconds",
			Help:    "Time spent waiting for the job executor to drain.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
		},
		[]string{"outcome"},
	)

	waitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobdrain_waits_total",
			Help: "Total number of drain waits by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(waitDuration, waitsTotal)
}

func observeWait(outcome string, seconds float64) {
	waitDuration.WithLabelValues(outcome).Observe(seconds)
	waitsTotal.WithLabelValues(outcome).Inc()
}
