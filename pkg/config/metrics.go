package config

import (
	"github.com/marmos91/rxrpc/pkg/metrics"
	promMetrics "github.com/marmos91/rxrpc/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// RxMetrics is the transport collector (never nil, no-op if disabled)
	RxMetrics metrics.RxMetrics
}

// InitializeMetrics creates the metrics components described by cfg.
//
// When metrics are enabled the global Prometheus registry is initialized
// and a Prometheus-backed collector plus HTTP server are returned.
// Otherwise the server is nil and the collector is a no-op.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			RxMetrics: metrics.NewNoopRxMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:            cfg.Metrics.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	return &MetricsResult{
		Server:    server,
		RxMetrics: promMetrics.NewRxMetrics(),
	}
}
