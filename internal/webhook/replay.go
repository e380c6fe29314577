package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers accepted deliveries. Claim reports false for a key
// already seen within the guard's window.
type ReplayGuard interface {
	Claim(ctx context.Context, provider, key string) (bool, error)
}

// RedisReplayGuard stores seen keys in Redis with SETNX and a TTL, so every
// instance behind a load balancer shares one view
type RedisReplayGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisReplayGuard creates a guard. ttl should cover the signature
// tolerance window.
func NewRedisReplayGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisReplayGuard {
	if prefix == "" {
		prefix = "coldforge:webhook:"
	}
	if ttl <= 0 {
		ttl = 2 * DefaultTolerance
	}
	return &RedisReplayGuard{client: client, prefix: prefix, ttl: ttl}
}

// Claim records key and reports whether it was new
func (g *RedisReplayGuard) Claim(ctx context.Context, provider, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	sum := sha256.Sum256([]byte(key))
	return g.client.SetNX(ctx, g.prefix+provider+":"+hex.EncodeToString(sum[:]), 1, g.ttl).Result()
}
