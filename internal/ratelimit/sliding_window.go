package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entries older than the window are trimmed before counting; a hit is only recorded when
// the caller is still under the limit.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count >= limit then
  return {0, count}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, count + 1}
`)

// SlidingWindowLimiter allows at most limit hits per key within any rolling window.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewSlidingWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*SlidingWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &SlidingWindowLimiter{limit: limit, window: window, client: client, prefix: prefix, now: time.Now}, nil
}

// WithClock overrides the time source.
func (l *SlidingWindowLimiter) WithClock(now func() time.Time) *SlidingWindowLimiter {
	l.now = now
	return l
}

func (l *SlidingWindowLimiter) Limit() int { return l.limit }

// Allow records a hit for key and reports whether it fits in the window, along with the
// number of hits counted. Redis errors fail closed.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	if l == nil {
		return false, 0, errors.New("rate limiter not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	nowMs := l.now().UTC().UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{fmt.Sprintf("%s:%s", l.prefix, key)},
		nowMs, l.window.Milliseconds(), l.limit, member,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("sliding window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sliding window: unexpected reply %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}
