package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	enqueueTotal *prometheus.CounterVec
	jobsTotal    *prometheus.CounterVec
	deadTotal    *prometheus.CounterVec

	jobLatency *prometheus.HistogramVec

	waiting *prometheus.GaugeVec
	active  *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		enqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "enqueue_total",
			Help:      "Total number of enqueued jobs.",
		}, []string{"queue", "name"}),
		jobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "jobs_total",
			Help:      "Total number of processed jobs.",
		}, []string{"queue", "name", "result"}),
		deadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "dead_total",
			Help:      "Total number of jobs that exhausted their attempts.",
		}, []string{"queue", "name"}),
		jobLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "queue",
			Name:      "job_latency_seconds",
			Help:      "Latency distribution for job handlers.",
			Buckets: []float64{
				0.01, 0.05,
				0.1, 0.5,
				1, 5, 15, 60, 300, 600,
			},
		}, []string{"queue", "name", "result"}),
		waiting: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queue",
			Name:      "waiting",
			Help:      "Current number of waiting jobs.",
		}, []string{"queue"}),
		active: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queue",
			Name:      "active",
			Help:      "Current number of locked (in-flight) jobs.",
		}, []string{"queue"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
