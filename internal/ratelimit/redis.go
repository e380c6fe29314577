package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript checks every key against its limit and increments all of them
// only if none is exhausted. Returns the 1-based index of the denying key, or 0.
var allowScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
  local limit = tonumber(ARGV[i])
  if limit > 0 then
    local v = tonumber(redis.call('GET', KEYS[i]) or '0')
    if v >= limit then
      return i
    end
  end
end
for i = 1, n do
  local c = redis.call('INCR', KEYS[i])
  if c == 1 then
    redis.call('EXPIRE', KEYS[i], tonumber(ARGV[n + i]))
  end
end
return 0
`)

// RedisLimiter shares counters between instances using fixed UTC hour and
// day windows in Redis
type RedisLimiter struct {
	client *redis.Client
	config *Config
	prefix string

	now func() time.Time
}

// NewRedisLimiter creates a limiter backed by client
func NewRedisLimiter(client *redis.Client, cfg *Config, prefix string) *RedisLimiter {
	if cfg == nil {
		cfg = &Config{}
	}
	if prefix == "" {
		prefix = "coldforge:rl"
	}
	return &RedisLimiter{client: client, config: cfg, prefix: prefix, now: time.Now}
}

type window struct {
	check  limitCheck
	key    string
	limit  int
	resets time.Time
}

func (r *RedisLimiter) windows(req *Request) []window {
	now := r.now().UTC()
	hour := now.Truncate(time.Hour)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var out []window
	for _, c := range r.config.checks(req) {
		out = append(out,
			window{
				check:  c,
				key:    fmt.Sprintf("%s:%s:h:%d", r.prefix, c.key, hour.Unix()),
				limit:  c.limit.MessagesPerHour,
				resets: hour.Add(time.Hour),
			},
			window{
				check:  c,
				key:    fmt.Sprintf("%s:%s:d:%d", r.prefix, c.key, day.Unix()),
				limit:  c.limit.MessagesPerDay,
				resets: day.Add(24 * time.Hour),
			},
		)
	}
	return out
}

// Allow atomically checks and increments all applicable windows
func (r *RedisLimiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	ws := r.windows(req)
	if len(ws) == 0 {
		return &Result{Allowed: true}, nil
	}

	keys := make([]string, len(ws))
	args := make([]interface{}, 0, 2*len(ws))
	for i, w := range ws {
		keys[i] = w.key
		args = append(args, w.limit)
	}
	for _, w := range ws {
		ttl := int(w.resets.Sub(r.now()).Seconds()) + 60
		if ttl < 60 {
			ttl = 60
		}
		args = append(args, ttl)
	}

	idx, err := allowScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if idx == 0 {
		return &Result{Allowed: true}, nil
	}
	return r.denied(ws[idx-1]), nil
}

// Check reports whether a send would be allowed without counting it
func (r *RedisLimiter) Check(ctx context.Context, req *Request) (*Result, error) {
	for _, w := range r.windows(req) {
		if w.limit <= 0 {
			continue
		}
		n, err := r.get(ctx, w.key)
		if err != nil {
			return nil, err
		}
		if n >= w.limit {
			return r.denied(w), nil
		}
	}
	return &Result{Allowed: true}, nil
}

// GetStats returns the counters of the current windows
func (r *RedisLimiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	key = strings.ToLower(key)
	now := r.now().UTC()
	hour := now.Truncate(time.Hour)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	full := makeKey(level, key)

	hourly, err := r.get(ctx, fmt.Sprintf("%s:%s:h:%d", r.prefix, full, hour.Unix()))
	if err != nil {
		return nil, err
	}
	daily, err := r.get(ctx, fmt.Sprintf("%s:%s:d:%d", r.prefix, full, day.Unix()))
	if err != nil {
		return nil, err
	}
	return &Stats{Level: level, Key: key, HourlyCount: hourly, DailyCount: daily, HourStart: hour, DayStart: day}, nil
}

// Stop is a no-op; the client is owned by the caller
func (r *RedisLimiter) Stop() error { return nil }

func (r *RedisLimiter) get(ctx context.Context, key string) (int, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

func (r *RedisLimiter) denied(w window) *Result {
	return &Result{
		DeniedBy:   w.check.level,
		DeniedKey:  w.check.key,
		RetryAfter: w.resets.Sub(r.now()),
	}
}
