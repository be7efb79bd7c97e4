package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedLimiter(t *testing.T, max int, window time.Duration) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	m := NewMemoryLimiter(max, window)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.mu.Lock()
	m.now = clock.Now
	m.mu.Unlock()
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func TestMemoryLimiterAllowsUpToMax(t *testing.T) {
	m, _ := newClockedLimiter(t, 5, time.Minute)
	ctx := context.Background()
	for i := range 5 {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within the window budget", i)
	}
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefillsOverWindow(t *testing.T) {
	m, clock := newClockedLimiter(t, 100, 15*time.Minute)
	ctx := context.Background()
	for range 100 {
		_, _ = m.Allow(ctx, "k1")
	}
	ok, _ := m.Allow(ctx, "k1")
	require.False(t, ok)

	// 100 per 15 minutes regains one token every 9 seconds.
	clock.Advance(8 * time.Second)
	ok, _ = m.Allow(ctx, "k1")
	assert.False(t, ok)
	clock.Advance(2 * time.Second)
	ok, _ = m.Allow(ctx, "k1")
	assert.True(t, ok)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newClockedLimiter(t, 1, time.Minute)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryLimiterTokensCapAtMax(t *testing.T) {
	m, clock := newClockedLimiter(t, 3, time.Second)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "k1")

	clock.Advance(time.Hour)
	for i := range 3 {
		ok, _ := m.Allow(ctx, "k1")
		assert.True(t, ok, "request %d after long idle", i)
	}
	ok, _ := m.Allow(ctx, "k1")
	assert.False(t, ok)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newClockedLimiter(t, 50, time.Hour)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 10 {
				ok, err := m.Allow(ctx, "shared")
				assert.NoError(t, err)
				if ok {
					allowed.Add(1)
				}
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clock := newClockedLimiter(t, 5, time.Minute)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "stale")
	clock.Advance(90 * time.Second)
	_, _ = m.Allow(ctx, "recent")
	clock.Advance(45 * time.Second)

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, time.Second)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 1000 {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
