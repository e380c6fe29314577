// Package ipfilter restricts HTTP listeners to configured client networks
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter checks client addresses against allowed networks
type Filter struct {
	allowed []netip.Prefix
	name    string
	logger  *slog.Logger
}

// New creates a filter from single addresses and CIDRs. Invalid entries are
// logged and skipped; an empty list allows every client. name labels
// denials in the log.
func New(name string, entries []string, logger *slog.Logger) *Filter {
	f := &Filter{name: name, logger: logger}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "listener", name, "cidr", e, "error", err)
				continue
			}
			f.allowed = append(f.allowed, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			logger.Warn("invalid IP in allowed_ips", "listener", name, "ip", e)
			continue
		}
		a = a.Unmap()
		f.allowed = append(f.allowed, netip.PrefixFrom(a, a.BitLen()))
	}
	return f
}

// Enabled returns true if filtering is active
func (f *Filter) Enabled() bool {
	return len(f.allowed) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.allowed)
}

// AllowedAddr checks a host or host:port address
func (f *Filter) AllowedAddr(addr string) bool {
	if !f.Enabled() {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range f.allowed {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Middleware rejects requests from outside the allowed networks with 403.
// It checks r.RemoteAddr, so place it after chi's RealIP when the listener
// sits behind a trusted proxy.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.AllowedAddr(r.RemoteAddr) {
			f.logger.Warn("access denied by IP filter", "listener", f.name, "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
