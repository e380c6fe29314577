package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds one breaker-guarded client per configured provider. It is
// built at startup and closed on shutdown; breaker state does not outlive it.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	closers  []io.Closer
	fallback string
	logger   *slog.Logger
	cfg      BreakerConfig
}

// NewRegistry creates an empty registry
func NewRegistry(cfg BreakerConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
		cfg:      cfg,
	}
}

// Register wraps p in a breaker. The first registered provider becomes the
// default for identities that do not name one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[p.Name()] = NewBreaker(p, r.cfg, r.logger)
	if c, ok := p.(io.Closer); ok {
		r.closers = append(r.closers, c)
	}
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// Get returns the guarded provider for name, or the default when name is empty
func (r *Registry) Get(name string) (*Breaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	b, ok := r.breakers[name]
	if !ok {
		return nil, &Error{Kind: KindConfig, Provider: name, Message: "provider not configured"}
	}
	return b, nil
}

// Send delivers msg through the named provider's breaker
func (r *Registry) Send(ctx context.Context, name string, msg *Message) (*SendResult, error) {
	b, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return b.Send(ctx, msg)
}

// States returns all breaker snapshots sorted by provider
func (r *Registry) States() []BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BreakerState, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// VerifyAll checks every provider and returns the failures keyed by name
func (r *Registry) VerifyAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	failed := make(map[string]error)
	for _, b := range breakers {
		if err := b.Verify(ctx); err != nil {
			failed[b.Name()] = fmt.Errorf("verify %s: %w", b.Name(), err)
		}
	}
	return failed
}

// Close releases provider resources such as SMTP pools
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.closers {
		_ = c.Close()
	}
	r.closers = nil
	r.breakers = make(map[string]*Breaker)
	return nil
}
