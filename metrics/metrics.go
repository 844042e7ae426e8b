// Package metrics holds the library-wide prometheus registry.
//
// All collectors are registered on a private registry so that embedding
// applications can expose them (via Gatherer) without the library touching
// the global prometheus state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

//nolint:gochecknoglobals
var reg = prometheus.NewRegistry()

// RegisterMetric registers a prometheus collector. Double registration is
// ignored so packages can register unconditionally from constructors.
func RegisterMetric(c prometheus.Collector) {
	_ = reg.Register(c)
}

// Gatherer returns the registry for exposition by the embedding application.
func Gatherer() prometheus.Gatherer {
	return reg
}
