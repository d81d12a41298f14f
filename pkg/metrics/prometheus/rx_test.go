package prometheus

import (
	"testing"
	"time"

	"github.com/marmos91/rxrpc/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRxMetrics(t *testing.T) {
	metrics.InitRegistry()
	m, ok := NewRxMetrics().(*rxMetrics)
	require.True(t, ok, "registry is initialized, expected the Prometheus implementation")

	m.RecordCallStart("client")
	m.RecordCallStart("client")
	m.RecordCallEnd("client", "Complete", 3*time.Millisecond)
	m.RecordBytes("sent", 120)
	m.RecordBytes("sent", 8)
	m.RecordControl("ack")
	m.RecordAbort("remote", -455)
	m.RecordAbort("remote", -455)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsInFlight.WithLabelValues("client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("client", "Complete")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.bytes.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.controls.WithLabelValues("ack")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.aborts.WithLabelValues("remote", "-455")))

	n, err := testutil.GatherAndCount(metrics.GetRegistry(), "rxrpc_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
