package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket subscriptions per table.",
	}, []string{"table"})

	gatewayNoticesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "notices_sent_total",
		Help:      "Change notices queued to websocket clients per table.",
	}, []string{"table"})

	gatewayDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "backpressure_disconnects_total",
		Help:      "Connections closed because their send buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewayNoticesSent, gatewayDropped)
}
