package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalThrottleSpacesCalls(t *testing.T) {
	th := NewLocalThrottle(60 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, th.Wait(ctx))
	require.NoError(t, th.Wait(ctx))
	require.NoError(t, th.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 115*time.Millisecond)
}

func TestLocalThrottleFirstCallImmediate(t *testing.T) {
	th := NewLocalThrottle(time.Hour)
	start := time.Now()
	require.NoError(t, th.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLocalThrottleHonoursContext(t *testing.T) {
	th := NewLocalThrottle(time.Hour)
	require.NoError(t, th.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, th.Wait(ctx), context.DeadlineExceeded)
}

func TestNewLocalThrottleDefault(t *testing.T) {
	assert.Equal(t, DefaultCancelInterval, NewLocalThrottle(0).interval)
}
