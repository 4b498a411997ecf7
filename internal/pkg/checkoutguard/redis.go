package checkoutguard

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "checkout_guard:"

// RedisGuard counts checkout attempts per user in a fixed window shared by
// all instances. When Redis fails it falls back to an in-memory guard.
type RedisGuard struct {
	client   redis.Cmdable
	window   time.Duration
	limit    int
	fallback Guard
}

// NewRedisGuard creates a guard over client.
func NewRedisGuard(client redis.Cmdable, window time.Duration, limit int) *RedisGuard {
	window, limit = normalize(window, limit)
	return &RedisGuard{
		client:   client,
		window:   window,
		limit:    limit,
		fallback: NewMemoryGuard(window, limit),
	}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, userID uint) bool {
	key := fmt.Sprintf("%s%d", keyPrefix, userID)

	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("[CheckoutGuard] Redis unavailable, using in-memory guard for user %d: %v", userID, err)
		return g.fallback.TryAcquire(ctx, userID)
	}
	return incr.Val() <= int64(g.limit)
}
