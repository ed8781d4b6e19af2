package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_UnlimitedNeverBlocks(t *testing.T) {
	l := NewLimiter(0)
	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Wait(context.Background(), 1<<20))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, l.Limit())
}

func TestLimiter_ShapesToRate(t *testing.T) {
	const bps = 100 * 1024
	l := NewLimiter(bps)

	// The first second's worth drains the initial bucket; the next half
	// second must wait for accrual.
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), bps))
	require.NoError(t, l.Wait(context.Background(), bps/2))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestLimiter_IdleDoesNotOverAccrue(t *testing.T) {
	const bps = 50 * 1024
	l := NewLimiter(bps)
	require.NoError(t, l.Wait(context.Background(), bps))

	time.Sleep(1200 * time.Millisecond)

	// After more than a second idle at most one second's worth is
	// available, so two seconds' worth must still wait about a second.
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 2*bps))
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
}

func TestLimiter_ContextCancel(t *testing.T) {
	l := NewLimiter(1024)
	require.NoError(t, l.Wait(context.Background(), 1024))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, 4096))
}

func TestLimiter_SetLimit(t *testing.T) {
	l := NewLimiter(1024)
	assert.Equal(t, 1024, l.Limit())
	l.SetLimit(2048)
	assert.Equal(t, 2048, l.Limit())
	l.SetLimit(-1)
	assert.Zero(t, l.Limit())
	require.NoError(t, l.Wait(context.Background(), 1<<30))
}
