package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesearch_ingest_messages_total",
		Help: "Messages received per ingestion subject.",
	}, []string{"subject"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framesearch_ingest_errors_total",
		Help: "Messages dropped per ingestion subject.",
	}, []string{"subject"})
)

func recordMessage(subject string) {
	messagesTotal.WithLabelValues(subject).Inc()
}

func recordError(subject string) {
	errorsTotal.WithLabelValues(subject).Inc()
}
