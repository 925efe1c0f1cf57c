package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// rateWindow is the fixed-window size; buckets are aligned minutes.
const rateWindow = time.Minute

// RateLimiter enforces a fixed-window requests-per-minute cap per
// tenant. The counter key carries the minute bucket, so windows reset
// on the minute boundary rather than sliding.
type RateLimiter struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{client: client, logger: logger, now: time.Now}
}

func rateKey(tenant string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", tenant, bucket)
}

// Allow counts this request against the tenant's current minute and
// reports whether it fits under the limit: the Nth request in a
// window is admitted, the N+1th is not. A Redis outage admits the
// request (logged); rate limiting is protection, not accounting.
func (rl *RateLimiter) Allow(ctx context.Context, tenant string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	bucket := rl.now().Unix() / int64(rateWindow.Seconds())
	key := rateKey(tenant, bucket)

	pipe := rl.client.Pipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn("Rate limit check failed, admitting request",
			zap.String("tenant", tenant), zap.Error(err))
		return true, nil
	}

	return count.Val() <= int64(limit), nil
}
