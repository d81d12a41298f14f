package metrics

import "time"

// RxMetrics provides observability for the Rx call transport.
//
// Implementations collect call lifecycle, throughput, control-event and
// abort statistics. The interface is optional: a connection opened without
// one uses NewNoopRxMetrics, which has zero overhead.
//
// Example usage:
//
//	metrics.InitRegistry()
//	conn, err := rx.Open(peer, rx.Options{Metrics: prometheus.NewRxMetrics()})
type RxMetrics interface {
	// RecordCallStart increments the in-flight call gauge.
	//
	// Parameters:
	//   - side: "client" or "server"
	RecordCallStart(side string)

	// RecordCallEnd decrements the in-flight gauge and records the final
	// call state together with the call's lifetime.
	RecordCallEnd(side string, state string, duration time.Duration)

	// RecordBytes records payload bytes moved through the socket.
	//
	// Parameters:
	//   - direction: "sent" or "received"
	RecordBytes(direction string, n int)

	// RecordControl counts a kernel control event (abort, ack, busy, ...).
	RecordControl(event string)

	// RecordAbort counts an abort by origin ("local" or "remote") and code.
	RecordAbort(origin string, code int32)
}

// NewNoopRxMetrics returns an RxMetrics that discards everything.
func NewNoopRxMetrics() RxMetrics {
	return noopRxMetrics{}
}

type noopRxMetrics struct{}

func (noopRxMetrics) RecordCallStart(string)                       {}
func (noopRxMetrics) RecordCallEnd(string, string, time.Duration) {}
func (noopRxMetrics) RecordBytes(string, int)                      {}
func (noopRxMetrics) RecordControl(string)                         {}
func (noopRxMetrics) RecordAbort(string, int32)                    {}
