package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter paces outbound provider requests. Wait blocks until the next
// request slot is available or the context is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// IntervalLimiter enforces a minimum interval between requests in-process.
type IntervalLimiter struct {
	minInterval time.Duration
	mu          sync.Mutex
	last        time.Time
}

// NewIntervalLimiter creates a limiter for the given requests-per-second
// ceiling. rps <= 0 disables pacing.
func NewIntervalLimiter(rps float64) *IntervalLimiter {
	var interval time.Duration
	if rps > 0 {
		interval = time.Duration(float64(time.Second) / rps)
	}
	return &IntervalLimiter{minInterval: interval}
}

// Wait sleeps until the minimum interval since the last request has elapsed.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	if l.minInterval <= 0 {
		return nil
	}
	l.mu.Lock()
	now := time.Now()
	next := l.last.Add(l.minInterval)
	if next.Before(now) {
		next = now
	}
	l.last = next
	l.mu.Unlock()

	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RedisLimiter enforces a fixed-window requests-per-second ceiling shared
// across processes, using INCR + EXPIRE on a per-second key.
type RedisLimiter struct {
	rdb *redis.Client
	key string
	max int64
}

// NewRedisLimiter connects to Redis and returns a shared-window limiter.
// rps is rounded up to at least one request per window.
func NewRedisLimiter(redisURL, key string, rps float64) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	max := int64(rps)
	if max < 1 {
		max = 1
	}
	return &RedisLimiter{rdb: rdb, key: key, max: max}, nil
}

// Wait polls the current window until a slot frees up.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		window := time.Now().Unix()
		key := fmt.Sprintf("%s:%d", l.key, window)

		n, err := l.rdb.Incr(ctx, key).Result()
		if err != nil {
			// Redis down must not take the provider path down with it.
			return nil
		}
		if n == 1 {
			l.rdb.Expire(ctx, key, 2*time.Second)
		}
		if n <= l.max {
			return nil
		}

		// Window full: wait for the next second.
		timer := time.NewTimer(time.Until(time.Unix(window+1, 0)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}
