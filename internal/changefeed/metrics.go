package changefeed

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	feedLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "changefeed",
		Name:      "page_seconds",
		Help:      "Time spent producing a change feed page.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	feedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "changefeed",
		Name:      "items_total",
		Help:      "Change feed items served, by table.",
	}, []string{"table"})

	tracer = otel.Tracer("github.com/example/fieldsync/changefeed")
)

func init() {
	prometheus.MustRegister(feedLatency, feedItems)
}
