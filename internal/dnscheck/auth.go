package dnscheck

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
)

// Status is the outcome of one authentication check
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// RecordCheck is the result of checking one DNS record type
type RecordCheck struct {
	Type    string  `json:"type"`
	Status  Status  `json:"status"`
	Record  string  `json:"record,omitempty"`
	Message string  `json:"message,omitempty"`
	Score   float64 `json:"score"`
	// Policy is the DMARC p= value
	Policy string `json:"policy,omitempty"`
}

// DomainReport contains the authentication checks for a sending domain
type DomainReport struct {
	Domain   string      `json:"domain"`
	Selector string      `json:"selector"`
	SPF      RecordCheck `json:"spf"`
	DKIM     RecordCheck `json:"dkim"`
	DMARC    RecordCheck `json:"dmarc"`
	MX       RecordCheck `json:"mx"`

	// Blacklist is set when an IP was checked alongside the domain
	Blacklist *IPCheckResult `json:"blacklist,omitempty"`

	// Score is the deliverability score, 0-100
	Score float64 `json:"score"`
}

// DomainOptions selects optional parts of a domain check
type DomainOptions struct {
	Selector string
	// IP includes a DNSBL check of this sending IP in the score
	IP string
}

// CheckDomain checks SPF, DKIM, DMARC and MX of domain and computes its
// deliverability score
func (c *Checker) CheckDomain(ctx context.Context, domain string, opts DomainOptions) (*DomainReport, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(opts.Selector); err != nil {
		return nil, err
	}
	if opts.Selector == "" {
		opts.Selector = c.selector
	}

	report := &DomainReport{
		Domain:   domain,
		Selector: opts.Selector,
		SPF:      c.CheckSPF(ctx, domain),
		DKIM:     c.CheckDKIM(ctx, domain, opts.Selector),
		DMARC:    c.CheckDMARC(ctx, domain),
		MX:       c.CheckMX(ctx, domain),
	}

	if opts.IP != "" {
		bl, err := c.CheckIP(ctx, opts.IP)
		if err != nil {
			return nil, err
		}
		report.Blacklist = bl
	}

	report.Score = DeliverabilityScore(report)
	return report, nil
}

// DeliverabilityScore weights SPF, DKIM, DMARC and MX equally. When a
// blacklist check is present it becomes a fifth equal component, losing a
// quarter per listing.
func DeliverabilityScore(r *DomainReport) float64 {
	parts := []float64{r.SPF.Score, r.DKIM.Score, r.DMARC.Score, r.MX.Score}
	if r.Blacklist != nil {
		parts = append(parts, math.Max(0, 1-0.25*float64(r.Blacklist.Summary.Listed)))
	}
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return math.Round(sum/float64(len(parts))*1000) / 10
}

// CheckSPF passes when a v=spf1 record ends in ~all or -all
func (c *Checker) CheckSPF(ctx context.Context, domain string) RecordCheck {
	check := RecordCheck{Type: "spf"}

	records, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil && !isNotFound(err) {
		check.Status = StatusUnknown
		check.Message = fmt.Sprintf("lookup failed: %v", err)
		return check
	}

	for _, txt := range records {
		if !strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
			continue
		}
		check.Record = txt
		switch {
		case strings.Contains(txt, "-all"):
			check.Status, check.Score = StatusPass, 1
			check.Message = "strict policy (-all)"
		case strings.Contains(txt, "~all"):
			check.Status, check.Score = StatusPass, 1
			check.Message = "soft fail policy (~all)"
		default:
			check.Status, check.Score = StatusFail, 0.5
			check.Message = "record does not end in ~all or -all"
		}
		return check
	}

	check.Status = StatusFail
	check.Message = "no SPF record"
	return check
}

// CheckDKIM passes when <selector>._domainkey publishes a public key
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector string) RecordCheck {
	check := RecordCheck{Type: "dkim"}

	records, err := c.resolver.LookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil {
		if isNotFound(err) {
			check.Status = StatusFail
			check.Message = fmt.Sprintf("no DKIM record for selector %q", selector)
			return check
		}
		check.Status = StatusUnknown
		check.Message = fmt.Sprintf("lookup failed: %v", err)
		return check
	}

	full := strings.Join(records, "")
	check.Record = truncateString(full, 100)
	if strings.Contains(full, "v=DKIM1") || strings.Contains(full, "p=") {
		if key, ok := tagValue(full, "p"); ok && key == "" {
			check.Status = StatusFail
			check.Message = "key revoked (empty p=)"
			return check
		}
		check.Status, check.Score = StatusPass, 1
		return check
	}

	check.Status = StatusFail
	check.Message = "TXT record is not a DKIM key"
	return check
}

// CheckDMARC parses _dmarc.<domain>. Any valid policy passes; the score
// rewards stricter ones.
func (c *Checker) CheckDMARC(ctx context.Context, domain string) RecordCheck {
	check := RecordCheck{Type: "dmarc"}

	records, err := c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		if isNotFound(err) {
			check.Status = StatusFail
			check.Message = "no DMARC record"
			return check
		}
		check.Status = StatusUnknown
		check.Message = fmt.Sprintf("lookup failed: %v", err)
		return check
	}

	full := strings.Join(records, "")
	check.Record = full
	rec, err := dmarc.Parse(full)
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("invalid record: %v", err)
		return check
	}

	check.Policy = string(rec.Policy)
	check.Status = StatusPass
	switch rec.Policy {
	case dmarc.PolicyReject:
		check.Score = 1
	case dmarc.PolicyQuarantine:
		check.Score = 0.8
	default:
		check.Score = 0.5
		check.Message = "monitoring only (p=none)"
	}
	return check
}

// CheckMX passes when the domain has at least one MX record
func (c *Checker) CheckMX(ctx context.Context, domain string) RecordCheck {
	check := RecordCheck{Type: "mx"}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		check.Status = StatusUnknown
		check.Message = fmt.Sprintf("lookup failed: %v", err)
		return check
	}
	if len(records) == 0 {
		check.Status = StatusFail
		check.Message = "no MX records"
		return check
	}

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, fmt.Sprintf("%s (priority %d)", mx.Host, mx.Pref))
	}
	check.Status, check.Score = StatusPass, 1
	check.Record = strings.Join(hosts, ", ")
	return check
}

// tagValue returns the value of tag in a "k=v; k=v" record
func tagValue(record, tag string) (string, bool) {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}
