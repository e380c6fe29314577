// Package dnscheck resolves the DNS facts the reputation layer needs:
// domain authentication records and DNSBL listings of sending IPs.
package dnscheck

import (
	"context"
	"errors"
	"net"
	"regexp"
	"time"
)

// Validation errors
var (
	ErrInvalidDomain    = errors.New("invalid domain name")
	ErrInvalidIP        = errors.New("invalid IP address")
	ErrIPv6NotSupported = errors.New("IPv6 addresses are not supported for DNSBL checks")
)

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid
func ValidateSelector(selector string) error {
	if selector == "" {
		return nil // default selector
	}
	if len(selector) > 63 {
		return errors.New("selector too long")
	}
	if !selectorRegex.MatchString(selector) {
		return errors.New("invalid selector format")
	}
	return nil
}

// Resolver is the subset of *net.Resolver used by the checker
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config configures a Checker
type Config struct {
	// Zones overrides DefaultDNSBLs when set
	Zones []string
	// QueryDelay spaces consecutive DNSBL queries
	QueryDelay time.Duration
	// DefaultSelector is the DKIM selector used when none is given
	DefaultSelector string
}

// Checker runs DNS checks
type Checker struct {
	resolver Resolver
	zones    []DNSBLInfo
	delay    time.Duration
	selector string
}

// NewChecker creates a checker. A nil resolver uses net.DefaultResolver.
func NewChecker(resolver Resolver, cfg Config) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if cfg.DefaultSelector == "" {
		cfg.DefaultSelector = "default"
	}
	return &Checker{
		resolver: resolver,
		zones:    zonesFor(cfg.Zones),
		delay:    cfg.QueryDelay,
		selector: cfg.DefaultSelector,
	}
}

// Zones returns the DNSBLs this checker queries
func (c *Checker) Zones() []DNSBLInfo {
	return c.zones
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func isTimeout(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTimeout
}

// sleep waits d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
