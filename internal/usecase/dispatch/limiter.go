package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const minLimiterSleep = 100 * time.Microsecond

// Limiter spaces driver calls per integration: a token bucket of size
// one refilled every spacing. Wait takes the token at the moment it
// returns, so callers invoke it right before the driver call and the
// spacing holds between actual calls. Wait returns early with ctx.Err()
// when ctx is cancelled.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// LocalLimiter keeps one in-process bucket per key
type LocalLimiter struct {
	spacing time.Duration
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an in-process limiter
func NewLocalLimiter(spacing time.Duration) *LocalLimiter {
	return &LocalLimiter{
		spacing: spacing,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(l.spacing), 1)
		l.buckets[key] = b
	}
	return b
}

// Wait blocks until the bucket of key holds a token. The token is
// taken at the time Wait returns, not at the time it was scheduled, so
// a late wake-up never shortens the gap to the next call.
func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	b := l.bucket(key)
	for {
		now := time.Now()
		if b.AllowN(now, 1) {
			return nil
		}

		delay := time.Duration((1 - b.TokensAt(now)) / float64(b.Limit()) * float64(time.Second))
		if delay < minLimiterSleep {
			delay = minLimiterSleep
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Forget drops the bucket of a deleted integration
func (l *LocalLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// RedisLimiter shares buckets through Redis so several daemons
// dispatching to the same backend respect one spacing
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisLimiter creates a limiter on a Redis client
func NewRedisLimiter(rdb *redis.Client, spacing time.Duration) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.Limit{Rate: 1, Burst: 1, Period: spacing},
		prefix:  "orchestra:dispatch:",
	}
}

// Wait polls the shared bucket, sleeping RetryAfter between tries. The
// GCRA check runs on Redis at the time of the call, so a granted token
// is measured from then.
func (l *RedisLimiter) Wait(ctx context.Context, key string) error {
	for {
		res, err := l.limiter.Allow(ctx, l.prefix+key, l.limit)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if res.Allowed > 0 {
			return nil
		}

		retry := res.RetryAfter
		if retry <= 0 {
			retry = 10 * time.Millisecond
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
