package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/dnscheck"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
)

// DomainChecker runs SPF, DKIM and DMARC lookups for a domain
type DomainChecker interface {
	CheckDomain(ctx context.Context, domain string, opts dnscheck.DomainOptions) (*dnscheck.DomainReport, error)
}

// DomainStore is the part of the reputation store the authenticator needs
type DomainStore interface {
	ListDomains(ctx context.Context, workspaceID string) ([]*reputation.DomainReputation, error)
	UpsertDomain(ctx context.Context, workspaceID, domain string, fn func(*reputation.DomainReputation) error) (*reputation.DomainReputation, error)
}

// DomainAuthenticator records the authentication status of sending domains
type DomainAuthenticator struct {
	checker  DomainChecker
	domains  DomainStore
	selector string
	now      func() time.Time
	logger   *slog.Logger
}

// NewDomainAuthenticator creates an authenticator. selector is the DKIM
// selector to look up, empty for the checker's default.
func NewDomainAuthenticator(checker DomainChecker, domains DomainStore, selector string, logger *slog.Logger) *DomainAuthenticator {
	return &DomainAuthenticator{
		checker:  checker,
		domains:  domains,
		selector: selector,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the time source
func (a *DomainAuthenticator) SetClock(now func() time.Time) {
	a.now = now
}

func authStatus(s dnscheck.Status) reputation.AuthStatus {
	switch s {
	case dnscheck.StatusPass:
		return reputation.AuthPass
	case dnscheck.StatusFail:
		return reputation.AuthFail
	}
	return reputation.AuthUnknown
}

// CheckDomain looks up a domain's records and persists the outcome
func (a *DomainAuthenticator) CheckDomain(ctx context.Context, workspaceID, domain string) (*reputation.DomainReputation, *dnscheck.DomainReport, error) {
	report, err := a.checker.CheckDomain(ctx, domain, dnscheck.DomainOptions{Selector: a.selector})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check %s: %w", domain, err)
	}

	checked := a.now()
	d, err := a.domains.UpsertDomain(ctx, workspaceID, domain, func(d *reputation.DomainReputation) error {
		d.Auth = reputation.Auth{
			SPF:           authStatus(report.SPF.Status),
			DKIM:          authStatus(report.DKIM.Status),
			DMARC:         authStatus(report.DMARC.Status),
			DMARCPolicy:   report.DMARC.Policy,
			AuthCheckedAt: &checked,
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record auth status: %w", err)
	}

	a.logger.Info("domain authentication checked",
		"domain", d.Domain,
		"spf", d.SPF,
		"dkim", d.DKIM,
		"dmarc", d.DMARC,
		"score", report.Score,
	)
	return d, report, nil
}

// CheckAll re-checks every known domain of a workspace ("" for all) and
// returns how many were checked
func (a *DomainAuthenticator) CheckAll(ctx context.Context, workspaceID string) (int, error) {
	domains, err := a.domains.ListDomains(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to list domains: %w", err)
	}

	checked := 0
	for _, d := range domains {
		if err := ctx.Err(); err != nil {
			return checked, err
		}
		if _, _, err := a.CheckDomain(ctx, d.WorkspaceID, d.Domain); err != nil {
			a.logger.Error("domain authentication check failed", "domain", d.Domain, "error", err)
			continue
		}
		checked++
	}
	return checked, nil
}
