// Package dns provides a TTL cache in front of the system resolver for the
// TXT, MX and A lookups made by blacklist and domain authentication checks.
package dns

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Upstream is the resolver the cache delegates to
type Upstream interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Resolver caches answers, including NXDOMAIN, for a fixed TTL
type Resolver struct {
	upstream Upstream
	cache    map[string]cacheEntry
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
}

type cacheEntry struct {
	txt       []string
	mx        []*net.MX
	hosts     []string
	err       error
	expiresAt time.Time
}

// NewResolver creates a caching resolver. A nil upstream uses
// net.DefaultResolver.
func NewResolver(upstream Upstream, cacheTTL time.Duration) *Resolver {
	if upstream == nil {
		upstream = net.DefaultResolver
	}
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Resolver{
		upstream: upstream,
		cache:    make(map[string]cacheEntry),
		ttl:      cacheTTL,
		now:      time.Now,
	}
}

func (r *Resolver) get(key string) (cacheEntry, bool) {
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok || !r.now().Before(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

// put stores successful answers and not-found results. Other errors are
// timeouts or server failures and must be retried.
func (r *Resolver) put(key string, entry cacheEntry) {
	if entry.err != nil && !isNotFound(entry.err) {
		return
	}
	entry.expiresAt = r.now().Add(r.ttl)
	r.mu.Lock()
	r.cache[key] = entry
	r.mu.Unlock()
}

// LookupTXT returns TXT records for name
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	key := "txt:" + strings.ToLower(name)
	if e, ok := r.get(key); ok {
		return e.txt, e.err
	}
	txt, err := r.upstream.LookupTXT(ctx, name)
	r.put(key, cacheEntry{txt: txt, err: err})
	return txt, err
}

// LookupMX returns MX records sorted by preference
func (r *Resolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	key := "mx:" + strings.ToLower(name)
	if e, ok := r.get(key); ok {
		return e.mx, e.err
	}
	mx, err := r.upstream.LookupMX(ctx, name)
	if err == nil {
		sort.SliceStable(mx, func(i, j int) bool { return mx[i].Pref < mx[j].Pref })
	}
	r.put(key, cacheEntry{mx: mx, err: err})
	return mx, err
}

// LookupHost returns the addresses of host
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	key := "host:" + strings.ToLower(host)
	if e, ok := r.get(key); ok {
		return e.hosts, e.err
	}
	hosts, err := r.upstream.LookupHost(ctx, host)
	r.put(key, cacheEntry{hosts: hosts, err: err})
	return hosts, err
}

// Purge drops expired entries
func (r *Resolver) Purge() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.cache {
		if !now.Before(e.expiresAt) {
			delete(r.cache, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
