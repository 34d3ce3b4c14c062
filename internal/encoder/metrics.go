package encoder

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts encode calls by outcome.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framesearch",
			Subsystem: "encoder",
			Name:      "requests_total",
			Help:      "Total number of encode requests",
		},
		[]string{"status"},
	)

	// requestDuration tracks encode latency end to end, breaker included.
	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "framesearch",
			Subsystem: "encoder",
			Name:      "request_duration_seconds",
			Help:      "Duration of encode requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func observeRequest(start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	requestsTotal.WithLabelValues(status).Inc()
	requestDuration.Observe(time.Since(start).Seconds())
}
