package checkoutguard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LLMReady/internal/pkg/env"
	"github.com/ManuelReschke/LLMReady/internal/pkg/metrics"
)

const isolatedGuardTestRedisDB = 13

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379"))
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedGuardTestRedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	err := client.Ping(ctx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", err)
	}

	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestRedisGuardSingleWindow(t *testing.T) {
	client := newTestRedisClient(t)
	g := NewRedisGuard(client, time.Minute, 1)
	ctx := context.Background()

	assert.True(t, g.TryAcquire(ctx, 42))
	assert.False(t, g.TryAcquire(ctx, 42))
	assert.True(t, g.TryAcquire(ctx, 43))

	ttl, err := client.TTL(ctx, "checkout_guard:42").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisGuardFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	g := NewRedisGuard(client, time.Minute, 1)
	ctx := context.Background()

	assert.True(t, g.TryAcquire(ctx, 1))
	assert.False(t, g.TryAcquire(ctx, 1))
}

func TestInstrumentCountsDecisions(t *testing.T) {
	acquired := testutil.ToFloat64(metrics.CheckoutGuardTotal.WithLabelValues("acquired"))
	throttled := testutil.ToFloat64(metrics.CheckoutGuardTotal.WithLabelValues("throttled"))

	g := Instrument(NewMemoryGuard(time.Minute, 1))
	g.TryAcquire(context.Background(), 99)
	g.TryAcquire(context.Background(), 99)

	assert.Equal(t, acquired+1, testutil.ToFloat64(metrics.CheckoutGuardTotal.WithLabelValues("acquired")))
	assert.Equal(t, throttled+1, testutil.ToFloat64(metrics.CheckoutGuardTotal.WithLabelValues("throttled")))
}
