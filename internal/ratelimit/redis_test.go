package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, cfg *Config) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, cfg, "test"), mr
}

func TestRedisLimiterAllow(t *testing.T) {
	l, _ := newRedisLimiter(t, &Config{
		RecipientDomains: map[string]*LimitConfig{"gmail.com": {MessagesPerHour: 2}},
	})
	ctx := context.Background()
	req := &Request{RecipientDomain: "gmail.com"}

	for i := 0; i < 2; i++ {
		r, err := l.Allow(ctx, req)
		require.NoError(t, err)
		assert.True(t, r.Allowed)
	}

	r, err := l.Allow(ctx, req)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, LevelRecipientDomain, r.DeniedBy)
	assert.True(t, r.RetryAfter > 0 && r.RetryAfter <= time.Hour)

	stats, err := l.GetStats(ctx, LevelRecipientDomain, "gmail.com")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.HourlyCount)
	assert.Equal(t, 2, stats.DailyCount)
}

func TestRedisLimiterDeniedDoesNotCount(t *testing.T) {
	l, _ := newRedisLimiter(t, &Config{
		Global:                 &LimitConfig{MessagesPerDay: 100},
		DefaultRecipientDomain: &LimitConfig{MessagesPerHour: 1},
	})
	ctx := context.Background()

	_, _ = l.Allow(ctx, &Request{RecipientDomain: "a.test"})
	r, _ := l.Allow(ctx, &Request{RecipientDomain: "a.test"})
	assert.False(t, r.Allowed)

	stats, err := l.GetStats(ctx, LevelGlobal, "global")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DailyCount)

	check, err := l.Check(ctx, &Request{RecipientDomain: "b.test"})
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}

func TestRedisLimiterConcurrentAllow(t *testing.T) {
	l, _ := newRedisLimiter(t, &Config{DefaultRecipientDomain: &LimitConfig{MessagesPerHour: 10}})
	ctx := context.Background()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Allow(ctx, &Request{RecipientDomain: "example.com"})
			if err == nil && r.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestRedisLimiterSetsExpiry(t *testing.T) {
	l, mr := newRedisLimiter(t, &Config{DefaultRecipientDomain: &LimitConfig{MessagesPerHour: 10}})
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Allow(context.Background(), &Request{RecipientDomain: "example.com"})
	require.NoError(t, err)

	hourKey := "test:recipient_domain:example.com:h:" + itoa(now.Truncate(time.Hour).Unix())
	assert.True(t, mr.Exists(hourKey))
	assert.Equal(t, 31*time.Minute, mr.TTL(hourKey))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
