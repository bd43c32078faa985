package postgres

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Name:      "query_seconds",
		Help:      "Latency of sync store statements by operation.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})

	versionMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Name:      "version_mismatches_total",
		Help:      "Guarded updates that matched no row because the version moved.",
	}, []string{"table"})

	tracer = otel.Tracer("github.com/example/fieldsync/storage/postgres")
)

func init() {
	prometheus.MustRegister(queryLatency, versionMismatches)
}
