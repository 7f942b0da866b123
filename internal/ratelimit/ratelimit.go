// Package ratelimit enforces the per-sender hourly send quota with fixed
// one-hour buckets stored in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	bucketWidth = time.Hour
	bucketTTL   = 2 * bucketWidth
	keyPrefix   = "dispatch:rl:"
)

// consumeScript increments the bucket, sets its expiry on first use and
// rolls the increment back when the limit is exceeded, so denied calls
// never consume quota.
var consumeScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return {0, count - 1}
end
return {1, count}
`)

// Decision is the outcome of a TryConsume call
type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// RetryAfter returns RetryAfterSeconds as a duration
func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterSeconds) * time.Second
}

// Limiter is a fixed-window hourly counter per sender
type Limiter struct {
	client redis.Cmdable
	limit  int
	now    func() time.Time
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithClock overrides the wall clock, used by tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter allowing limit sends per sender per hour bucket
func New(client redis.Cmdable, limit int, opts ...Option) *Limiter {
	l := &Limiter{client: client, limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the configured hourly quota
func (l *Limiter) Limit() int {
	return l.limit
}

func bucketOf(t time.Time) int64 {
	return t.Unix() / int64(bucketWidth/time.Second)
}

func bucketKey(senderID string, bucket int64) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, senderID, bucket)
}

// TryConsume takes one unit of the sender's quota for the current hour bucket
func (l *Limiter) TryConsume(ctx context.Context, senderID string) (Decision, error) {
	now := l.now()
	bucket := bucketOf(now)

	res, err := consumeScript.Run(ctx, l.client,
		[]string{bucketKey(senderID, bucket)},
		l.limit, int(bucketTTL/time.Second),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit consume for %s: %w", senderID, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("rate limit consume for %s: unexpected reply %v", senderID, res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)

	if allowed == 1 {
		return Decision{Allowed: true, Remaining: max(0, l.limit-int(count))}, nil
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfterSeconds: retryAfterSeconds(now, bucket)}, nil
}

// retryAfterSeconds is the time left until the next bucket boundary, rounded up
func retryAfterSeconds(now time.Time, bucket int64) int {
	boundary := time.Unix((bucket+1)*int64(bucketWidth/time.Second), 0)
	secs := int(math.Ceil(boundary.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Peek returns the sender's remaining quota without consuming any
func (l *Limiter) Peek(ctx context.Context, senderID string) (int, error) {
	used, err := l.client.Get(ctx, bucketKey(senderID, bucketOf(l.now()))).Int()
	if errors.Is(err, redis.Nil) {
		return l.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit peek for %s: %w", senderID, err)
	}
	return max(0, l.limit-used), nil
}
