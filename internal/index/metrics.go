package index

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// insertsTotal counts record inserts per tenant.
	insertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framesearch",
			Subsystem: "index",
			Name:      "inserts_total",
			Help:      "Total number of embedding records inserted",
		},
		[]string{"tenant"},
	)

	// indexSize tracks live records per tenant graph.
	indexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framesearch",
			Subsystem: "index",
			Name:      "records",
			Help:      "Live records in the tenant's ANN graph",
		},
		[]string{"tenant"},
	)

	// queryDuration tracks ANN query latency per tenant.
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framesearch",
			Subsystem: "index",
			Name:      "query_duration_seconds",
			Help:      "Duration of ANN queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)
)

func recordInsert(tenantID string) {
	insertsTotal.WithLabelValues(tenantID).Inc()
}

func setIndexSize(tenantID string, n int) {
	indexSize.WithLabelValues(tenantID).Set(float64(n))
}

type queryTimer struct {
	tenantID string
	start    time.Time
}

func startQueryTimer(tenantID string) *queryTimer {
	return &queryTimer{tenantID: tenantID, start: time.Now()}
}

func (t *queryTimer) done() {
	queryDuration.WithLabelValues(t.tenantID).Observe(time.Since(t.start).Seconds())
}
