package dnscheck

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeResolver answers from maps; missing names are NXDOMAIN
type fakeResolver struct {
	txt   map[string][]string
	mx    map[string][]*net.MX
	hosts map[string][]string
	fail  map[string]error
	calls []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		txt:   map[string][]string{},
		mx:    map[string][]*net.MX{},
		hosts: map[string][]string{},
		fail:  map[string]error{},
	}
}

func nxdomain(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	f.calls = append(f.calls, name)
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	if v, ok := f.txt[name]; ok {
		return v, nil
	}
	return nil, nxdomain(name)
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	f.calls = append(f.calls, name)
	if v, ok := f.mx[name]; ok {
		return v, nil
	}
	return nil, nxdomain(name)
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.calls = append(f.calls, host)
	if err := f.fail[host]; err != nil {
		return nil, err
	}
	if v, ok := f.hosts[host]; ok {
		return v, nil
	}
	return nil, nxdomain(host)
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"valid simple", "example.com", false},
		{"valid subdomain", "sub.example.com", false},
		{"valid with dash", "my-domain.com", false},
		{"valid with numbers", "123.example.com", false},
		{"empty", "", true},
		{"too long", string(make([]byte, 254)), true},
		{"invalid chars", "example!.com", true},
		{"starts with dash", "-example.com", true},
		{"ends with dash", "example-.com", true},
		{"double dot", "example..com", true},
		{"path injection", "../etc/passwd", true},
		{"null byte", "example\x00.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDomain(tt.domain)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDomain(%q) error = %v, wantErr %v", tt.domain, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSelector(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		wantErr  bool
	}{
		{"valid simple", "default", false},
		{"valid with numbers", "key2024", false},
		{"valid with dash", "dkim-key", false},
		{"empty (uses default)", "", false},
		{"too long", string(make([]byte, 64)), true},
		{"invalid chars", "selector!", true},
		{"starts with dash", "-selector", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSelector(tt.selector)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSelector(%q) error = %v, wantErr %v", tt.selector, err, tt.wantErr)
			}
		})
	}
}

func TestReverseIPv4(t *testing.T) {
	got, err := ReverseIPv4("192.0.2.10")
	if err != nil || got != "10.2.0.192" {
		t.Errorf("ReverseIPv4() = %q, %v", got, err)
	}
	if _, err := ReverseIPv4("not-an-ip"); !errors.Is(err, ErrInvalidIP) {
		t.Errorf("expected ErrInvalidIP, got %v", err)
	}
	if _, err := ReverseIPv4("2001:db8::1"); !errors.Is(err, ErrIPv6NotSupported) {
		t.Errorf("expected ErrIPv6NotSupported, got %v", err)
	}
}

func TestCheckIP(t *testing.T) {
	r := newFakeResolver()
	r.hosts["10.2.0.192.zen.spamhaus.org"] = []string{"127.0.0.2"}
	r.fail["10.2.0.192.bl.spamcop.net"] = &net.DNSError{Err: "i/o timeout", IsTimeout: true}

	c := NewChecker(r, Config{Zones: []string{"zen.spamhaus.org", "bl.spamcop.net", "b.barracudacentral.org"}})
	res, err := c.CheckIP(context.Background(), "192.0.2.10")
	if err != nil {
		t.Fatalf("CheckIP() error = %v", err)
	}

	if res.Summary.Listed != 1 || res.Summary.Errors != 1 || res.Summary.Clean != 1 {
		t.Errorf("Summary = %+v, want 1 listed, 1 error, 1 clean", res.Summary)
	}
	if zones := res.ListedZones(); len(zones) != 1 || zones[0] != "zen.spamhaus.org" {
		t.Errorf("ListedZones() = %v", zones)
	}
	if res.Results[0].DNSBL.DelistURL == "" {
		t.Error("known zone should carry a delisting URL")
	}
	if res.Results[1].Error != "timeout" {
		t.Errorf("timeout result error = %q", res.Results[1].Error)
	}
	if len(r.calls) != 3 {
		t.Errorf("expected one query per zone, got %d", len(r.calls))
	}
}

func TestCheckIPDelayHonoursContext(t *testing.T) {
	r := newFakeResolver()
	c := NewChecker(r, Config{Zones: []string{"a.example", "b.example"}, QueryDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.CheckIP(ctx, "192.0.2.1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("expected one query before the delay, got %d", len(r.calls))
	}
}

func TestCheckDomain(t *testing.T) {
	r := newFakeResolver()
	r.txt["example.com"] = []string{"google-site-verification=abc", "v=spf1 include:_spf.example.net ~all"}
	r.txt["mail._domainkey.example.com"] = []string{"v=DKIM1; k=rsa; ", "p=MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQC"}
	r.txt["_dmarc.example.com"] = []string{"v=DMARC1; p=quarantine; rua=mailto:dmarc@example.com"}
	r.mx["example.com"] = []*net.MX{{Host: "mx1.example.com.", Pref: 10}}

	c := NewChecker(r, Config{})
	report, err := c.CheckDomain(context.Background(), "Example.com", DomainOptions{Selector: "mail"})
	if err != nil {
		t.Fatalf("CheckDomain() error = %v", err)
	}

	if report.SPF.Status != StatusPass || report.DKIM.Status != StatusPass || report.DMARC.Status != StatusPass || report.MX.Status != StatusPass {
		t.Errorf("statuses = %s/%s/%s/%s, want all pass", report.SPF.Status, report.DKIM.Status, report.DMARC.Status, report.MX.Status)
	}
	if report.DMARC.Policy != "quarantine" {
		t.Errorf("DMARC policy = %q", report.DMARC.Policy)
	}
	// (1 + 1 + 0.8 + 1) / 4
	if report.Score != 95 {
		t.Errorf("Score = %v, want 95", report.Score)
	}
}

func TestCheckDomainFailures(t *testing.T) {
	r := newFakeResolver()
	r.txt["bad.test"] = []string{"v=spf1 +all"}
	r.txt["default._domainkey.bad.test"] = []string{"v=DKIM1; p="}
	r.txt["_dmarc.bad.test"] = []string{"v=DMARC1; p=bogus"}

	c := NewChecker(r, Config{})
	report, err := c.CheckDomain(context.Background(), "bad.test", DomainOptions{})
	if err != nil {
		t.Fatalf("CheckDomain() error = %v", err)
	}
	if report.SPF.Status != StatusFail || report.SPF.Score != 0.5 {
		t.Errorf("SPF = %+v, want fail with partial score", report.SPF)
	}
	if report.DKIM.Status != StatusFail {
		t.Errorf("DKIM = %+v, want fail for revoked key", report.DKIM)
	}
	if report.DMARC.Status != StatusFail {
		t.Errorf("DMARC = %+v, want fail for invalid record", report.DMARC)
	}
	if report.MX.Status != StatusFail {
		t.Errorf("MX = %+v, want fail", report.MX)
	}
}

func TestCheckDomainUnknownOnLookupError(t *testing.T) {
	r := newFakeResolver()
	r.fail["_dmarc.flaky.test"] = &net.DNSError{Err: "server misbehaving", IsTemporary: true}

	c := NewChecker(r, Config{})
	check := c.CheckDMARC(context.Background(), "flaky.test")
	if check.Status != StatusUnknown {
		t.Errorf("DMARC status = %s, want unknown", check.Status)
	}
	if !strings.Contains(check.Message, "lookup failed") {
		t.Errorf("message = %q", check.Message)
	}
}

func TestDeliverabilityScoreWithBlacklist(t *testing.T) {
	r := &DomainReport{
		SPF:       RecordCheck{Score: 1},
		DKIM:      RecordCheck{Score: 1},
		DMARC:     RecordCheck{Score: 1},
		MX:        RecordCheck{Score: 1},
		Blacklist: &IPCheckResult{Summary: IPSummary{Listed: 2}},
	}
	// (4 + 0.5) / 5
	if got := DeliverabilityScore(r); got != 90 {
		t.Errorf("DeliverabilityScore() = %v, want 90", got)
	}
	r.Blacklist.Summary.Listed = 9
	if got := DeliverabilityScore(r); got != 80 {
		t.Errorf("DeliverabilityScore() = %v, want 80 with listing component floored at 0", got)
	}
}
