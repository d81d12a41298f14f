// Package metrics holds the metrics interfaces used by the Rx transport and
// the process-wide Prometheus registry they report into.
//
// Metrics are optional. Until InitRegistry is called every constructor in
// pkg/metrics/prometheus hands back a no-op implementation, so connections
// run identically with collection switched off.
//
// Usage:
//
//	metrics.InitRegistry()
//	m := prometheus.NewRxMetrics()
//	conn, err := rx.Open(peer, rx.Options{Metrics: m})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global registry. Calls after the first are
// ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil while metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
