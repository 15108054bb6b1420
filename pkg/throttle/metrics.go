package throttle

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	concurrency     *prometheus.GaugeVec
	httpConcurrency *prometheus.GaugeVec
	circuitTrips    *prometheus.CounterVec
	windowLatency   *prometheus.GaugeVec
}

var getMetrics = sync.OnceValue(func() *metrics {
	return &metrics{
		concurrency: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "throttle",
			Name:      "concurrency",
			Help:      "Current adaptive job concurrency limit.",
		}, []string{"controller"}),
		httpConcurrency: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "throttle",
			Name:      "http_concurrency",
			Help:      "Current outbound HTTP concurrency limit.",
		}, []string{"controller"}),
		circuitTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "circuit_trips_total",
			Help:      "Total circuit breaker trips.",
		}, []string{"controller", "reason"}),
		windowLatency: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "throttle",
			Name:      "window_latency_seconds",
			Help:      "Sliding window average call latency.",
		}, []string{"controller"}),
	}
})
