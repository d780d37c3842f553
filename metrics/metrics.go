// Package metrics holds the Prometheus collectors of the background engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stressor metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazelstress_operations_total",
			Help: "Total number of cache operations issued by background stressors by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hazelstress_operation_duration_seconds",
			Help:    "Duration of cache operations issued by background stressors in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StressorsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hazelstress_stressors_running",
			Help: "Number of background stressors currently running on this node",
		},
	)

	// Checker metrics
	CheckersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hazelstress_checkers_running",
			Help: "Number of log checkers currently running on this node",
		},
	)

	CheckedOperationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hazelstress_checked_operations_total",
			Help: "Total number of stressor operations confirmed by log checkers",
		},
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazelstress_failures_total",
			Help: "Total number of consistency violations by kind",
		},
		[]string{"kind"},
	)

	// Cache metrics
	CacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hazelstress_cache_size_entries",
			Help: "Last sampled number of entries in the background cache",
		},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(StressorsRunning)
	prometheus.MustRegister(CheckersRunning)
	prometheus.MustRegister(CheckedOperationsTotal)
	prometheus.MustRegister(FailuresTotal)
	prometheus.MustRegister(CacheSize)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
