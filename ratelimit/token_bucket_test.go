/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/storage"
	"github.com/acronis/go-resilience/storage/memstorage"
	"github.com/acronis/go-resilience/storage/redisstorage"
)

func TestNewTokenBucketLimiterValidation(t *testing.T) {
	_, err := NewTokenBucketLimiter("", 10, 1)
	require.Error(t, err)
	_, err = NewTokenBucketLimiter("api", 0, 1)
	require.Error(t, err)
	_, err = NewTokenBucketLimiter("api", 10, 0)
	require.Error(t, err)
	_, err = NewTokenBucketLimiter("api", 10, -1)
	require.Error(t, err)
}

func TestTokenBucketLimiterAllow(t *testing.T) {
	l, err := NewTokenBucketLimiter("api", 10, 1)
	require.NoError(t, err)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.lastRefill = now
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allow, _, aErr := l.Allow(ctx)
		require.NoError(t, aErr)
		require.True(t, allow, "acquire #%d should be granted", i+1)
	}

	allow, retryAfter, err := l.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allow, "acquire #11 should be denied")
	require.InDelta(t, time.Second, retryAfter, float64(50*time.Millisecond))

	// After 1 second exactly one token is refilled.
	now = now.Add(time.Second)
	allow, _, err = l.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allow)
	allow, _, err = l.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allow)
}

func TestTokenBucketLimiterAllowN(t *testing.T) {
	l, err := NewTokenBucketLimiter("api", 10, 1)
	require.NoError(t, err)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.lastRefill = now
	ctx := context.Background()

	allow, _, err := l.AllowN(ctx, 7)
	require.NoError(t, err)
	require.True(t, allow)

	allow, retryAfter, err := l.AllowN(ctx, 7)
	require.NoError(t, err)
	require.False(t, allow, "denied acquire should leave tokens unchanged")
	require.InDelta(t, 4*time.Second, retryAfter, float64(50*time.Millisecond))

	allow, _, err = l.AllowN(ctx, 3)
	require.NoError(t, err)
	require.True(t, allow)

	_, _, err = l.AllowN(ctx, 0)
	require.Error(t, err)

	remaining, limit, err := l.Capacity(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, remaining)
	require.Equal(t, 10, limit)
}

func TestTokenBucketLimiterDo(t *testing.T) {
	l, err := NewTokenBucketLimiter("api", 1, 0.001)
	require.NoError(t, err)
	ctx := context.Background()

	called := 0
	op := func(ctx context.Context) error {
		called++
		return nil
	}
	require.NoError(t, l.Do(ctx, op))
	require.Equal(t, 1, called)

	err = l.Do(ctx, op)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, "api", limitErr.Name)
	require.Greater(t, limitErr.RetryAfter, time.Duration(0))
	require.Equal(t, 1, called, "op should not run when the limit is exceeded")

	// Wrap behaves exactly as Do.
	err = l.Wrap(op)(ctx)
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, 1, called)
}

func TestDistributedTokenBucketLimiterAllow(t *testing.T) {
	backend := memstorage.New()
	l, err := NewDistributedTokenBucketLimiter("api", 10, 1, backend)
	require.NoError(t, err)
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allow, _, aErr := l.Allow(ctx)
		require.NoError(t, aErr)
		require.True(t, allow, "acquire #%d should be granted", i+1)
	}

	allow, retryAfter, err := l.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allow)
	require.InDelta(t, time.Second, retryAfter, float64(50*time.Millisecond))

	now = now.Add(time.Second)
	allow, _, err = l.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allow)
	allow, _, err = l.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allow)
}

func TestDistributedTokenBucketLimiterSharedState(t *testing.T) {
	backend := memstorage.New()
	l1, err := NewDistributedTokenBucketLimiter("shared", 2, 0.001, backend)
	require.NoError(t, err)
	l2, err := NewDistributedTokenBucketLimiter("shared", 2, 0.001, backend)
	require.NoError(t, err)
	ctx := context.Background()

	allow, _, err := l1.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allow)
	allow, _, err = l2.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allow)

	// Both processes observe the exhausted shared budget.
	allow, _, err = l1.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allow)
	allow, _, err = l2.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allow)

	remaining, limit, err := l1.Capacity(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, remaining)
	require.Equal(t, 2, limit)
}

func TestDistributedTokenBucketLimiterConcurrent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	backend := redisstorage.New(client)

	const capacity = 10
	l1, err := NewDistributedTokenBucketLimiter("concurrent", capacity, 0.001, backend)
	require.NoError(t, err)
	l2, err := NewDistributedTokenBucketLimiter("concurrent", capacity, 0.001, backend)
	require.NoError(t, err)

	limiters := []*DistributedTokenBucketLimiter{l1, l2}
	granted := atomic.NewInt32(0)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allow, _, aErr := limiters[i%len(limiters)].Allow(context.Background())
			require.NoError(t, aErr)
			if allow {
				granted.Inc()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(capacity), granted.Load(),
		"combined granted acquires should match the configured capacity exactly")
}

func TestDistributedTokenBucketLimiterStorageFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	backend := redisstorage.New(client)

	failClosed, err := NewDistributedTokenBucketLimiter("fc", 10, 1, backend)
	require.NoError(t, err)
	failOpen, err := NewDistributedTokenBucketLimiterWithOpts("fo", 10, 1, backend,
		DistributedLimiterOpts{StorageFailurePolicy: storage.FailOpen})
	require.NoError(t, err)

	mr.Close()
	ctx := context.Background()

	allow, _, err := failClosed.Allow(ctx)
	var unavailableErr *storage.UnavailableError
	require.ErrorAs(t, err, &unavailableErr)
	require.False(t, allow, "fail-closed limiter should deny when the backend is down")

	allow, _, err = failOpen.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allow, "fail-open limiter should grant when the backend is down")
}

func TestDistributedTokenBucketLimiterCorruptedState(t *testing.T) {
	backend := memstorage.New()
	ctx := context.Background()
	_, err := backend.AtomicUpdate(ctx, tokenBucketKey("api"), func(old []byte, exists bool) ([]byte, error) {
		return []byte("not json"), nil
	}, 0)
	require.NoError(t, err)

	l, err := NewDistributedTokenBucketLimiter("api", 2, 0.001, backend)
	require.NoError(t, err)

	// Corrupted state resets the bucket instead of failing every caller.
	allow, _, err := l.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allow)
	allow, _, err = l.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allow)
	allow, _, err = l.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allow)
}

func TestLimitExceededErrorMessage(t *testing.T) {
	err := &LimitExceededError{Name: "api", RetryAfter: time.Second}
	require.Equal(t, `rate limit exceeded for "api", retry after 1s`, err.Error())
	require.False(t, errors.Is(err, context.Canceled))
}
