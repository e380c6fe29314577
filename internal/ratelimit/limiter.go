// Package ratelimit throttles sends per recipient domain, per sending
// domain and globally using hourly and daily windows.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level represents the level of rate limiting
type Level string

const (
	LevelGlobal          Level = "global"
	LevelSenderDomain    Level = "sender_domain"
	LevelRecipientDomain Level = "recipient_domain"
)

// Config contains rate limit configuration
type Config struct {
	// Global limits
	Global *LimitConfig `yaml:"global,omitempty"`

	// Limits per sending domain
	DefaultSenderDomain *LimitConfig `yaml:"default_sender_domain,omitempty"`

	// Limits for recipient domains without specific config
	DefaultRecipientDomain *LimitConfig `yaml:"default_recipient_domain,omitempty"`

	// Per recipient domain overrides, e.g. gmail.com
	RecipientDomains map[string]*LimitConfig `yaml:"recipient_domains,omitempty"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains rate limit values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Request describes one send to be counted
type Request struct {
	SenderDomain    string
	RecipientDomain string
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains rate limit statistics
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Throttle is implemented by the bolt-backed and Redis-backed limiters
type Throttle interface {
	Allow(ctx context.Context, req *Request) (*Result, error)
	Check(ctx context.Context, req *Request) (*Result, error)
	GetStats(ctx context.Context, level Level, key string) (*Stats, error)
	Stop() error
}

// Counter is the persisted state of one limit key. Each window starts
// with the first send after the previous one expired.
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

func newCounter(now time.Time) *Counter {
	return &Counter{HourStart: now, DayStart: now}
}

// counts returns the usage of the windows still open at now
func (c *Counter) counts(now time.Time) (hourly, daily int) {
	if now.Sub(c.HourStart) < time.Hour {
		hourly = c.HourlyCount
	}
	if now.Sub(c.DayStart) < 24*time.Hour {
		daily = c.DailyCount
	}
	return hourly, daily
}

// roll restarts expired windows at now
func (c *Counter) roll(now time.Time) {
	c.HourlyCount, c.DailyCount = c.counts(now)
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DayStart = now
	}
}

// Limiter keeps counters in memory and flushes them to bolt periodically.
// Counters are per process.
type Limiter struct {
	db     *bolt.DB
	config *Config

	mu       sync.RWMutex
	counters map[string]*Counter

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewLimiter restores persisted counters and starts the flush loop
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	if err := l.restore(); err != nil {
		return nil, err
	}

	go l.flushLoop()
	return l, nil
}

// Allow counts the send against every applicable limit. Nothing is counted
// when any of them is exhausted.
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.config.checks(req)

	for _, c := range checks {
		counter, ok := l.counters[c.key]
		if !ok {
			counter = newCounter(now)
			l.counters[c.key] = counter
		}
		counter.roll(now)
		if res := c.deny(counter, now); res != nil {
			return res, nil
		}
	}

	for _, c := range checks {
		l.counters[c.key].HourlyCount++
		l.counters[c.key].DailyCount++
	}
	return &Result{Allowed: true}, nil
}

// Check reports whether a send would be allowed without counting it
func (l *Limiter) Check(ctx context.Context, req *Request) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	for _, c := range l.config.checks(req) {
		counter, ok := l.counters[c.key]
		if !ok {
			continue
		}
		if res := c.deny(counter, now); res != nil {
			return res, nil
		}
	}
	return &Result{Allowed: true}, nil
}

// GetStats returns the usage of one limit key
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	key = strings.ToLower(key)
	stats := &Stats{Level: level, Key: key}

	l.mu.RLock()
	defer l.mu.RUnlock()

	counter, ok := l.counters[makeKey(level, key)]
	if !ok {
		return stats, nil
	}
	stats.HourlyCount, stats.DailyCount = counter.counts(l.now())
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart
	return stats, nil
}

// Stop ends the flush loop and writes the counters one last time
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.flush()
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

// deny returns a rejection when counter has reached either cap at now
func (c limitCheck) deny(counter *Counter, now time.Time) *Result {
	hourly, daily := counter.counts(now)
	var resets time.Time
	switch {
	case c.limit.MessagesPerHour > 0 && hourly >= c.limit.MessagesPerHour:
		resets = counter.HourStart.Add(time.Hour)
	case c.limit.MessagesPerDay > 0 && daily >= c.limit.MessagesPerDay:
		resets = counter.DayStart.Add(24 * time.Hour)
	default:
		return nil
	}
	return &Result{DeniedBy: c.level, DeniedKey: c.key, RetryAfter: resets.Sub(now)}
}

// checks lists the limits a request is subject to, broadest first
func (c *Config) checks(req *Request) []limitCheck {
	var out []limitCheck
	add := func(level Level, key string, limit *LimitConfig) {
		if limit != nil {
			out = append(out, limitCheck{level: level, key: makeKey(level, key), limit: limit})
		}
	}

	add(LevelGlobal, "global", c.Global)
	if d := strings.ToLower(req.SenderDomain); d != "" {
		add(LevelSenderDomain, d, c.DefaultSenderDomain)
	}
	if d := strings.ToLower(req.RecipientDomain); d != "" {
		limit, ok := c.RecipientDomains[d]
		if !ok || limit == nil {
			limit = c.DefaultRecipientDomain
		}
		add(LevelRecipientDomain, d, limit)
	}
	return out
}

func (l *Limiter) restore() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		if err != nil {
			return fmt.Errorf("failed to create rate limits bucket: %w", err)
		}
		return b.ForEach(func(k, v []byte) error {
			var c Counter
			if json.Unmarshal(v, &c) == nil {
				l.counters[string(k)] = &c
			}
			return nil
		})
	})
}

func (l *Limiter) flush() error {
	l.mu.RLock()
	snapshot := make(map[string][]byte, len(l.counters))
	for key, c := range l.counters {
		if data, err := json.Marshal(c); err == nil {
			snapshot[key] = data
		}
	}
	l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		for key, data := range snapshot {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) flushLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			_ = l.flush()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
