// Package throttle counts failed attempts per key in Redis using fixed
// windows. A Limiter with a nil client allows everything.
package throttle

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sourcehub:attempts:"

// Limiter blocks a key once it has MaxAttempts failures inside Window.
type Limiter struct {
	rdb         redis.Cmdable
	maxAttempts int64
	window      time.Duration
}

// New returns a limiter. rdb may be nil.
func New(rdb redis.Cmdable, maxAttempts int, window time.Duration) *Limiter {
	if c, ok := rdb.(*redis.Client); ok && c == nil {
		rdb = nil
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Limiter{rdb: rdb, maxAttempts: int64(maxAttempts), window: window}
}

// Blocked reports whether key has exhausted its attempts.
func (l *Limiter) Blocked(ctx context.Context, key string) (bool, error) {
	if l.rdb == nil {
		return false, nil
	}
	n, err := l.rdb.Get(ctx, keyPrefix+key).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	return n >= l.maxAttempts, nil
}

// RecordFailure counts one failure. The window starts at the first failure.
func (l *Limiter) RecordFailure(ctx context.Context, key string) error {
	if l.rdb == nil {
		return nil
	}
	k := keyPrefix + key
	n, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("redis incr: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, k, l.window).Err(); err != nil {
			return fmt.Errorf("redis expire: %w", err)
		}
	}
	return nil
}

// Reset clears key after a success.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if l.rdb == nil {
		return nil
	}
	if err := l.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Options are the Redis connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// Connect dials Redis and pings it. An empty addr yields a nil client and
// no error; callers then run without throttling.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, nil
	}
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.TLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(ro)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}
