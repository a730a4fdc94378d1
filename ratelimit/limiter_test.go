package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter_InvalidRate(t *testing.T) {
	_, err := NewLimiter(0)
	require.Error(t, err)

	_, err = NewLimiter(-5)
	require.Error(t, err)
}

func TestLimiter_Acquire_Spacing(t *testing.T) {
	l, err := NewLimiter(100) // 10ms interval
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	const k = 5
	for i := 0; i < k; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Duration(k-1)*l.interval)
}

func TestLimiter_Acquire_ContextCancel(t *testing.T) {
	l, err := NewLimiter(1) // 1s interval
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_NilSafe(t *testing.T) {
	var l *Limiter
	require.NoError(t, l.Acquire(context.Background()))
}
