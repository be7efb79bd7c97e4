package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "fmaa:ratelimit:"

// RedisLimiter implements Limiter with a sliding window log per key stored
// in a Redis sorted set. Each admitted request is a member scored by its
// arrival time in microseconds.
type RedisLimiter struct {
	client *redis.Client
	max    int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter allowing max requests per window per key.
// The limiter owns client and closes it in Close.
func NewRedisLimiter(client *redis.Client, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, max: int64(max), window: window, now: time.Now}
}

// NewRedisLimiterFromURL parses a redis:// URL, pings the server and returns
// a limiter over it.
func NewRedisLimiterFromURL(ctx context.Context, url string, max int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return NewRedisLimiter(client, max, window), nil
}

// Allow trims entries older than the window, records this request and
// admits it if fewer than max requests were already in the window. A
// rejected request is removed again so it does not extend the block.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()
	k := redisKeyPrefix + key
	member := strconv.FormatInt(now.UnixMicro(), 10) + ":" + uuid.NewString()
	floor := strconv.FormatInt(now.Add(-l.window).UnixMicro(), 10)

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+floor)
		card = pipe.ZCard(ctx, k)
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		pipe.PExpire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis window %s: %w", key, err)
	}
	if card.Val() < l.max {
		return true, nil
	}
	if err := l.client.ZRem(ctx, k, member).Err(); err != nil {
		return false, fmt.Errorf("ratelimit: redis undo %s: %w", key, err)
	}
	return false, nil
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
