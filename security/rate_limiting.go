package security

import (
	"context"
	"fmt"
	"time"

	"flashsale/internal/status"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps how many admission attempts one user may make per window.
// Counters live in Redis so every instance shares them.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: redisClient, limit: int64(limit), window: window}
}

func limiterKey(scope, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, subject)
}

// Allow counts one attempt for subject within scope. It fails with
// status.ErrRateLimited once the window's budget is spent. A zero limit
// disables the check.
func (r *RateLimiter) Allow(ctx context.Context, scope, subject string) error {
	if r == nil || r.limit <= 0 {
		return nil
	}

	key := limiterKey(scope, subject)
	var incr *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rate limit %s: %w", key, err)
	}

	if incr.Val() > r.limit {
		return fmt.Errorf("%s for %s: %w", scope, subject, status.ErrRateLimited)
	}
	return nil
}
