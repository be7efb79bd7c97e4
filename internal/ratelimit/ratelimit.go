// Package ratelimit bounds how many requests a caller may make per window.
//
// MemoryLimiter keeps a token bucket per key inside the process.
// RedisLimiter keeps a sliding window per key in Redis so several
// instances share one budget.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "user:<uuid>" or "ip:<addr>").
	// Returning an error signals a limiter malfunction; the middleware
	// treats errors as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
