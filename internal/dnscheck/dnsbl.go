package dnscheck

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

// DNSBLInfo represents a DNS blacklist service
type DNSBLInfo struct {
	Name        string `json:"name"`
	Zone        string `json:"zone"`
	Description string `json:"description"`
	// DelistURL is where a listed IP can request removal
	DelistURL string `json:"delist_url,omitempty"`
}

// DNSBLResult represents a single DNSBL check result
type DNSBLResult struct {
	DNSBL       DNSBLInfo `json:"dnsbl"`
	Listed      bool      `json:"listed"`
	ReturnCodes []string  `json:"return_codes,omitempty"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// IPCheckResult contains all DNSBL check results for an IP
type IPCheckResult struct {
	IP      string        `json:"ip"`
	Results []DNSBLResult `json:"results"`
	Summary IPSummary     `json:"summary"`
}

// IPSummary contains DNSBL check statistics
type IPSummary struct {
	Clean  int `json:"clean"`
	Listed int `json:"listed"`
	Errors int `json:"errors"`
}

// ListedZones returns the zones that list the IP, sorted
func (r *IPCheckResult) ListedZones() []string {
	var zones []string
	for _, res := range r.Results {
		if res.Listed {
			zones = append(zones, res.DNSBL.Zone)
		}
	}
	sort.Strings(zones)
	return zones
}

// DefaultDNSBLs is the list of popular DNSBL services
var DefaultDNSBLs = []DNSBLInfo{
	{Name: "Spamhaus ZEN", Zone: "zen.spamhaus.org", Description: "Combined Spamhaus blocklist (SBL, XBL, PBL)", DelistURL: "https://check.spamhaus.org/"},
	{Name: "Barracuda", Zone: "b.barracudacentral.org", Description: "Barracuda Reputation Block List", DelistURL: "https://www.barracudacentral.org/rbl/removal-request"},
	{Name: "SpamCop", Zone: "bl.spamcop.net", Description: "SpamCop Blocking List", DelistURL: "https://www.spamcop.net/bl.shtml"},
	{Name: "SORBS DNSBL", Zone: "dnsbl.sorbs.net", Description: "SORBS aggregate zone", DelistURL: "http://www.sorbs.net/delisting/"},
	{Name: "UCEPROTECT L1", Zone: "dnsbl-1.uceprotect.net", Description: "UCEPROTECT Level 1", DelistURL: "https://www.uceprotect.net/en/rblcheck.php"},
	{Name: "PSBL", Zone: "psbl.surriel.com", Description: "Passive Spam Block List", DelistURL: "https://psbl.org/remove"},
	{Name: "Mailspike BL", Zone: "bl.mailspike.net", Description: "Mailspike Blocklist", DelistURL: "https://mailspike.org/iplookup.html"},
}

// LookupDNSBL returns the known entry for zone, or a bare entry for an
// unknown zone
func LookupDNSBL(zone string) DNSBLInfo {
	zone = strings.ToLower(strings.TrimSpace(zone))
	for _, bl := range DefaultDNSBLs {
		if bl.Zone == zone {
			return bl
		}
	}
	return DNSBLInfo{Name: zone, Zone: zone}
}

func zonesFor(names []string) []DNSBLInfo {
	if len(names) == 0 {
		return DefaultDNSBLs
	}
	out := make([]DNSBLInfo, 0, len(names))
	for _, n := range names {
		out = append(out, LookupDNSBL(n))
	}
	return out
}

// ReverseIPv4 returns the DNSBL query label of an IPv4 address
func ReverseIPv4(ipStr string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return "", ErrInvalidIP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", ErrIPv6NotSupported
	}
	return fmt.Sprintf("%d.%d.%d.%d", ip4[3], ip4[2], ip4[1], ip4[0]), nil
}

// CheckIP queries every configured zone for ip, one at a time with the
// configured delay between queries. A resolvable answer means listed;
// NXDOMAIN means clean; anything else is recorded as an error.
func (c *Checker) CheckIP(ctx context.Context, ip string) (*IPCheckResult, error) {
	reversed, err := ReverseIPv4(ip)
	if err != nil {
		return nil, err
	}

	result := &IPCheckResult{
		IP:      ip,
		Results: make([]DNSBLResult, 0, len(c.zones)),
	}

	for i, bl := range c.zones {
		if i > 0 {
			if err := sleep(ctx, c.delay); err != nil {
				return result, err
			}
		}
		res := c.checkZone(ctx, reversed, bl)
		result.Results = append(result.Results, res)

		switch {
		case res.Error != "":
			result.Summary.Errors++
		case res.Listed:
			result.Summary.Listed++
		default:
			result.Summary.Clean++
		}
	}

	return result, nil
}

func (c *Checker) checkZone(ctx context.Context, reversedIP string, dnsbl DNSBLInfo) DNSBLResult {
	result := DNSBLResult{DNSBL: dnsbl, CheckedAt: time.Now()}

	addrs, err := c.resolver.LookupHost(ctx, reversedIP+"."+dnsbl.Zone)
	if err != nil {
		switch {
		case isNotFound(err):
			// not listed
		case isTimeout(err):
			result.Error = "timeout"
		default:
			result.Error = fmt.Sprintf("lookup error: %v", err)
		}
		return result
	}

	if len(addrs) > 0 {
		result.Listed = true
		result.ReturnCodes = addrs
	}
	return result
}
