// Package prometheus provides Prometheus-backed implementations of the
// metrics interfaces declared in pkg/metrics.
package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/rxrpc/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rxMetrics is the Prometheus implementation of metrics.RxMetrics.
type rxMetrics struct {
	callsInFlight *prometheus.GaugeVec
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	bytes         *prometheus.CounterVec
	controls      *prometheus.CounterVec
	aborts        *prometheus.CounterVec
}

// NewRxMetrics creates a new Prometheus-backed RxMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewRxMetrics() metrics.RxMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRxMetrics()
	}

	reg := metrics.GetRegistry()

	return &rxMetrics{
		callsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rxrpc_calls_in_flight",
				Help: "Current number of live Rx calls",
			},
			[]string{"side"},
		),
		callsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxrpc_calls_total",
				Help: "Total number of terminated Rx calls by final state",
			},
			[]string{"side", "state"},
		),
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "rxrpc_call_duration_seconds",
				Help: "Lifetime of Rx calls from creation to termination",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1.0,   // 1s
					10.0,  // 10s
				},
			},
			[]string{"side"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxrpc_bytes_total",
				Help: "Total payload bytes moved through AF_RXRPC sockets",
			},
			[]string{"direction"}, // sent or received
		),
		controls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxrpc_control_events_total",
				Help: "Kernel control messages observed by type",
			},
			[]string{"event"},
		),
		aborts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxrpc_aborts_total",
				Help: "Call aborts by origin and abort code",
			},
			[]string{"origin", "code"},
		),
	}
}

func (m *rxMetrics) RecordCallStart(side string) {
	m.callsInFlight.WithLabelValues(side).Inc()
}

func (m *rxMetrics) RecordCallEnd(side string, state string, duration time.Duration) {
	m.callsInFlight.WithLabelValues(side).Dec()
	m.callsTotal.WithLabelValues(side, state).Inc()
	m.callDuration.WithLabelValues(side).Observe(duration.Seconds())
}

func (m *rxMetrics) RecordBytes(direction string, n int) {
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *rxMetrics) RecordControl(event string) {
	m.controls.WithLabelValues(event).Inc()
}

func (m *rxMetrics) RecordAbort(origin string, code int32) {
	m.aborts.WithLabelValues(origin, strconv.FormatInt(int64(code), 10)).Inc()
}
