package bip353

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/btcpayd/bip353/metrics"
)

var (
	resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bip353_resolutions_total",
			Help: "Number of address resolutions by result",
		},
		[]string{"result"},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bip353_cache_hits_total",
			Help: "Number of resolutions served from the descriptor cache",
		},
	)

	resolutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bip353_resolution_duration_seconds",
			Help:    "End to end duration of uncached resolutions",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
)

const (
	resultOK               = "ok"
	resultNotFound         = "domain_not_found"
	resultValidationFailed = "validation_failed"
	resultTransportFailed  = "transport_failed"
	resultInvalidPayload   = "invalid_payload"
)

func init() {
	metrics.RegisterMetric(resolutionsTotal)
	metrics.RegisterMetric(cacheHitsTotal)
	metrics.RegisterMetric(resolutionDuration)
}
