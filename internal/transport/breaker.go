package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
)

// Breaker defaults
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// BreakerConfig configures a provider circuit breaker
type BreakerConfig struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

// BreakerState is a snapshot of one provider's breaker
type BreakerState struct {
	Provider        string    `json:"provider"`
	State           string    `json:"state"`
	Failures        uint32    `json:"consecutive_failures"`
	Requests        uint32    `json:"requests"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Breaker guards a Provider. Consecutive transient failures open the circuit;
// while open every call fails fast with ErrCircuitOpen. After the cooldown a
// single trial request is let through: success closes the circuit, failure reopens it.
// Permanent rejections are a property of the message, not the provider, and
// do not count.
type Breaker struct {
	provider Provider
	cb       *gobreaker.CircuitBreaker
	logger   *slog.Logger

	lastChange atomic.Int64
}

// NewBreaker wraps p in a circuit breaker
func NewBreaker(p Provider, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Breaker{
		provider: p,
		logger:   logger.With("component", "breaker", "provider", p.Name()),
	}
	b.lastChange.Store(time.Now().UnixNano())

	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.lastChange.Store(time.Now().UnixNano())
			metrics.SetBreakerState(name, stateValue(to))
			b.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	metrics.SetBreakerState(p.Name(), 0)

	return b
}

// Name returns the wrapped provider name
func (b *Breaker) Name() string {
	return b.provider.Name()
}

// Send calls the provider unless the circuit is open
func (b *Breaker) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.provider.Send(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.IncProviderRequests(b.Name(), "rejected")
			return nil, ErrCircuitOpen
		}
		metrics.IncProviderRequests(b.Name(), string(KindOf(err)))
		return nil, err
	}
	metrics.IncProviderRequests(b.Name(), "success")
	return res.(*SendResult), nil
}

// Verify checks provider connectivity without going through the breaker
func (b *Breaker) Verify(ctx context.Context) error {
	return b.provider.Verify(ctx)
}

// State returns the breaker snapshot
func (b *Breaker) State() BreakerState {
	counts := b.cb.Counts()
	return BreakerState{
		Provider:        b.Name(),
		State:           b.cb.State().String(),
		Failures:        counts.ConsecutiveFailures,
		Requests:        counts.Requests,
		LastStateChange: time.Unix(0, b.lastChange.Load()),
	}
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
