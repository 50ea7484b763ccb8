package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrOverloaded is returned when admission control rejects an operation.
// Excess work is never queued.
var ErrOverloaded = errors.New("core: overloaded, retry later")

// Limiter gates admission at the façade boundary.
type Limiter interface {
	Allow(ctx context.Context) error
}

// LocalLimiter is a process-local token bucket.
type LocalLimiter struct {
	bucket *rate.Limiter
}

// NewLocalLimiter admits up to ratePerSecond sustained operations with the
// given burst.
func NewLocalLimiter(ratePerSecond float64, burst int) *LocalLimiter {
	return &LocalLimiter{bucket: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

func (l *LocalLimiter) Allow(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.bucket.Allow() {
		return ErrOverloaded
	}
	return nil
}

// RedisLimiter is a fixed-window counter shared across instances.
type RedisLimiter struct {
	client *redis.Client
	key    string
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, key string, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, key: key, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context) error {
	window := l.window.Milliseconds()
	bucket := time.Now().UnixMilli() / window
	key := fmt.Sprintf("%s:%d", l.key, bucket)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		// A limiter outage must not take the core down with it.
		return nil
	}
	if count == 1 {
		l.client.Expire(ctx, key, l.window)
	}
	if count > l.limit {
		return ErrOverloaded
	}
	return nil
}

// unlimited admits everything; used when no limiter is configured.
type unlimited struct{}

func (unlimited) Allow(ctx context.Context) error { return ctx.Err() }
