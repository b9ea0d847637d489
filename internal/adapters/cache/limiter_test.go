package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

func setupRedisLimiter(t *testing.T) *RedisIssuanceLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIssuanceLimiter(client, 10, 24*time.Hour)
}

func exerciseSlidingWindow(t *testing.T, limiter ports.IssuanceLimiter) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		_, ok, err := limiter.Acquire(ctx, "user-1", start.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.True(t, ok, "slot %d", i+1)
	}
	_, ok, err := limiter.Acquire(ctx, "user-1", start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "eleventh slot inside the window")

	_, ok, err = limiter.Acquire(ctx, "user-2", start.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "limits are per user")

	// The first slot leaves the trailing window exactly 24h after it was taken.
	_, ok, err = limiter.Acquire(ctx, "user-1", start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = limiter.Acquire(ctx, "user-1", start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisIssuanceLimiterSlidingWindow(t *testing.T) {
	exerciseSlidingWindow(t, setupRedisLimiter(t))
}

func TestMemoryIssuanceLimiterSlidingWindow(t *testing.T) {
	exerciseSlidingWindow(t, NewMemoryIssuanceLimiter(10, 24*time.Hour))
}

func TestIssuanceLimiterRelease(t *testing.T) {
	for name, limiter := range map[string]ports.IssuanceLimiter{
		"redis":  setupRedisLimiter(t),
		"memory": NewMemoryIssuanceLimiter(10, 24*time.Hour),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
			var last string
			for i := 0; i < 10; i++ {
				token, ok, err := limiter.Acquire(ctx, "user-1", now)
				require.NoError(t, err)
				require.True(t, ok)
				last = token
			}
			require.NoError(t, limiter.Release(ctx, "user-1", last))
			_, ok, err := limiter.Acquire(ctx, "user-1", now)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestIssuanceLimiterConcurrentAcquire(t *testing.T) {
	for name, limiter := range map[string]ports.IssuanceLimiter{
		"redis":  setupRedisLimiter(t),
		"memory": NewMemoryIssuanceLimiter(10, 24*time.Hour),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				admitted int
			)
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := limiter.Acquire(ctx, "racer", now)
					if err == nil && ok {
						mu.Lock()
						admitted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 10, admitted)
		})
	}
}
