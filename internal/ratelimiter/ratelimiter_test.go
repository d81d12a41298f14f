package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		rate      float64
		burst     int
		unlimited bool
	}{
		{name: "standard rate", rate: 100, burst: 10},
		{name: "fractional rate", rate: 0.5, burst: 1},
		{name: "zero burst raised", rate: 5, burst: 0},
		{name: "unlimited", rate: 0, burst: 0, unlimited: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.rate, tt.burst)
			require.NotNil(t, l)
			assert.Equal(t, tt.unlimited, l.Unlimited())
			assert.True(t, l.Allow(), "first call must be admitted")
		})
	}
}

func TestAllowExhaustsBurst(t *testing.T) {
	l := New(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "call %d within burst", i)
	}
	assert.False(t, l.Allow())
}

func TestUnlimitedNeverBlocks(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow())
	}
	require.NoError(t, l.Wait(context.Background()))
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(0.1, 1)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	require.Error(t, err)
}

func TestWaitPaces(t *testing.T) {
	l := New(50, 1)
	require.True(t, l.Allow())

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
