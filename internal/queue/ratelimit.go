package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateWindow = time.Hour

// countInWindow bumps the per-user counter and arms its expiry on first use,
// so a window's key disappears on its own once the window closes.
var countInWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter is how long a denied caller should wait, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

// RateLimiter caps chat queries per user within fixed hourly windows.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, userID string, now time.Time) (Decision, error) {
	now = now.UTC()
	start := now.Truncate(rateWindow)
	reset := start.Add(rateWindow)
	ttl := reset.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	used, err := countInWindow.Run(ctx, r.redis, []string{rateKey(userID, start)}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("count user queries: %w", err)
	}

	d := Decision{
		Allowed: used <= r.limit,
		Used:    used,
		Limit:   r.limit,
		ResetAt: reset,
	}
	if d.Allowed {
		d.Remaining = r.limit - used
	}
	return d, nil
}

func rateKey(userID string, windowStart time.Time) string {
	return fmt.Sprintf("aerobrain:ratelimit:%s:%d", userID, windowStart.Unix())
}
