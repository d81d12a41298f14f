package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/rxrpc/internal/ratelimiter"
	"github.com/marmos91/rxrpc/internal/rxtest"
	"github.com/marmos91/rxrpc/pkg/rx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProbeOpcode = 514

var (
	testPeer = rx.PeerAddress{Family: rx.FamilyIPv4, IP: []byte{127, 0, 0, 1}, Port: 7003}
	testID   = uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
)

// serve starts a probe service behind a pipe and returns a client
// connection using the given buffer size.
func serve(t *testing.T, hostname string, bufSize int) (*rx.Connection, *Service) {
	t.Helper()
	p := rxtest.NewPipe()
	opts := rx.Options{LocalService: 52, PollInterval: time.Millisecond, BufferSize: bufSize}
	srv, err := rx.ListenSocket(p.Server(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	svc := NewService(ctx, testID, hostname, testProbeOpcode)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, svc, 2) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, func() bool { return p.ChargedCount() >= 2 }, time.Second, time.Millisecond)

	opts = rx.Options{Service: 52, PollInterval: time.Millisecond, BufferSize: bufSize}
	cn, err := rx.OpenSocket(p.Client(), testPeer, opts)
	require.NoError(t, err)
	return cn, svc
}

// ============================================================================
// Probes
// ============================================================================

func TestOnce(t *testing.T) {
	cn, _ := serve(t, "vl1", 0)

	r := Once(context.Background(), cn, testProbeOpcode, time.Second)
	require.NoError(t, r.Err)
	assert.Positive(t, r.RTT)

	r = Once(context.Background(), cn, 999, time.Second)
	var ce *rx.CallError
	require.ErrorAs(t, r.Err, &ce)
	assert.Equal(t, rx.AbortOpcode, ce.AbortCode)
}

func TestRun(t *testing.T) {
	t.Run("Count", func(t *testing.T) {
		cn, _ := serve(t, "vl1", 0)
		var seen []int
		sum, err := Run(context.Background(), cn, Options{
			Opcode:   testProbeOpcode,
			Count:    5,
			Timeout:  time.Second,
			Limiter:  ratelimiter.New(0, 0),
			OnResult: func(r Result) { seen = append(seen, r.Seq) },
		})
		require.NoError(t, err)
		assert.Equal(t, 5, sum.Sent)
		assert.Equal(t, 5, sum.Succeeded)
		assert.Zero(t, sum.Failed)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
		assert.LessOrEqual(t, sum.MinRTT, sum.AvgRTT())
		assert.LessOrEqual(t, sum.AvgRTT(), sum.MaxRTT)
		assert.Equal(t, 0, cn.LiveCalls())
	})

	t.Run("FailuresAreCounted", func(t *testing.T) {
		cn, _ := serve(t, "vl1", 0)
		sum, err := Run(context.Background(), cn, Options{Opcode: 4242, Count: 3, Timeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, 3, sum.Failed)
		assert.Zero(t, sum.AvgRTT())
	})

	t.Run("UntilCancelled", func(t *testing.T) {
		cn, _ := serve(t, "vl1", 0)
		ctx, cancel := context.WithCancel(context.Background())
		sum, err := Run(ctx, cn, Options{
			Opcode:  testProbeOpcode,
			Timeout: time.Second,
			OnResult: func(r Result) {
				if r.Seq == 3 {
					cancel()
				}
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, sum.Sent)
	})

	t.Run("RateLimited", func(t *testing.T) {
		cn, _ := serve(t, "vl1", 0)
		start := time.Now()
		sum, err := Run(context.Background(), cn, Options{
			Opcode:  testProbeOpcode,
			Count:   3,
			Timeout: time.Second,
			Limiter: ratelimiter.New(20, 1),
		})
		require.NoError(t, err)
		assert.Equal(t, 3, sum.Succeeded)
		assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	})

	t.Run("LimiterDeadline", func(t *testing.T) {
		cn, _ := serve(t, "vl1", 0)
		l := ratelimiter.New(0.01, 1)
		require.True(t, l.Allow())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := Run(ctx, cn, Options{Opcode: testProbeOpcode, Count: 1, Limiter: l})
		assert.Error(t, err)
	})
}

func TestSummary(t *testing.T) {
	var s Summary
	s.Add(Result{RTT: 30 * time.Millisecond})
	s.Add(Result{RTT: 10 * time.Millisecond})
	s.Add(Result{Err: errors.New("lost")})
	s.Add(Result{RTT: 20 * time.Millisecond})

	assert.Equal(t, 4, s.Sent)
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 10*time.Millisecond, s.MinRTT)
	assert.Equal(t, 30*time.Millisecond, s.MaxRTT)
	assert.Equal(t, 20*time.Millisecond, s.AvgRTT())
}

// ============================================================================
// Identity and counters
// ============================================================================

func TestWhoAmI(t *testing.T) {
	t.Run("Reply", func(t *testing.T) {
		cn, _ := serve(t, "afsdb1.example.org", 0)
		id, err := WhoAmI(context.Background(), cn)
		require.NoError(t, err)
		assert.Equal(t, testID, id.ID)
		assert.Equal(t, "afsdb1.example.org", id.Hostname)
		assert.GreaterOrEqual(t, id.Uptime, time.Duration(0))
	})

	t.Run("SmallBuffers", func(t *testing.T) {
		// Eight-byte buffers split the UUID and hostname across many
		// receives on both sides.
		cn, _ := serve(t, "a-rather-long-hostname.cell.example.org", 8)
		id, err := WhoAmI(context.Background(), cn)
		require.NoError(t, err)
		assert.Equal(t, testID, id.ID)
		assert.Equal(t, "a-rather-long-hostname.cell.example.org", id.Hostname)
		assert.Equal(t, int64(0), cn.BuffersOutstanding())
	})

	t.Run("EmptyHostname", func(t *testing.T) {
		cn, _ := serve(t, "", 0)
		id, err := WhoAmI(context.Background(), cn)
		require.NoError(t, err)
		assert.Empty(t, id.Hostname)
	})
}

func TestStats(t *testing.T) {
	cn, _ := serve(t, "vl1", 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, Once(ctx, cn, testProbeOpcode, time.Second).Err)
	}
	_, err := WhoAmI(ctx, cn)
	require.NoError(t, err)

	st, err := Stats(ctx, cn)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Probes)
	assert.Equal(t, uint64(4), st.Calls, "stats counts itself")
}
