package upsert

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	itemOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "upsert",
		Name:      "items_total",
		Help:      "Sync items processed, by table and outcome.",
	}, []string{"table", "status"})

	batchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "upsert",
		Name:      "batch_seconds",
		Help:      "Time spent applying a sync batch, including commit.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "upsert",
		Name:      "batch_items",
		Help:      "Number of items per sync batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
	})

	batchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "upsert",
		Name:      "batch_retries_total",
		Help:      "Sync batch transactions retried after a transient storage error.",
	})

	tokenRaces = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "upsert",
		Name:      "token_races_total",
		Help:      "Creates that lost the race to bind a client id and were applied as updates.",
	})

	tracer = otel.Tracer("github.com/example/fieldsync/upsert")
)

func init() {
	prometheus.MustRegister(itemOutcomes, batchLatency, batchSize, batchRetries, tokenRaces)
}
