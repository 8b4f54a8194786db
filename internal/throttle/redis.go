package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window counter shared by every API replica.
type Redis struct {
	client redis.Cmdable
	rate   Rate
	prefix string
	now    func() time.Time
}

// NewRedis returns a limiter storing counters under prefix.
func NewRedis(client redis.Cmdable, prefix string, r Rate, now func() time.Time) *Redis {
	if now == nil {
		now = time.Now
	}
	if prefix == "" {
		prefix = "throttle"
	}
	return &Redis{client: client, rate: r, prefix: prefix, now: now}
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	if l.rate.Disabled() {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	window := now.UnixNano() / int64(l.rate.Period)
	windowEnd := time.Unix(0, (window+1)*int64(l.rate.Period))
	k := l.prefix + ":" + key + ":" + strconv.FormatInt(window, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, l.rate.Period)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("throttle counter: %w", err)
	}
	if incr.Val() > int64(l.rate.Limit) {
		return Decision{Allowed: false, RetryAfter: windowEnd.Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}
