package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimited(t *testing.T) {
	limiter := New(0)
	require.Nil(t, limiter)

	// A nil limiter never blocks.
	start := time.Now()
	assert.NoError(t, limiter.Acquire(context.Background(), 1<<30))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestCapEnforced(t *testing.T) {
	// 1000 bytes/sec, asking for 1500 total: the second 1000-byte chunk
	// has to wait for refill, so the call takes at least ~400ms.
	limiter := New(1000)
	require.NotNil(t, limiter)

	start := time.Now()
	require.NoError(t, limiter.Acquire(context.Background(), 1500))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestLargerThanBucket(t *testing.T) {
	// Requests above the bucket size are chunked rather than rejected.
	limiter := New(1 << 20)
	assert.NoError(t, limiter.Acquire(context.Background(), 3<<20))
}

func TestAcquireCancelled(t *testing.T) {
	limiter := New(10)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// 100 bytes at 10 bytes/sec would take seconds; the context wins.
	err := limiter.Acquire(ctx, 100)
	assert.Error(t, err)
}
