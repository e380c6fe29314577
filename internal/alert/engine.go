package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
)

// Thresholds are the warning and critical levels checked by the engine
type Thresholds struct {
	BounceWarning         float64 `yaml:"bounce_warning"`
	BounceCritical        float64 `yaml:"bounce_critical"`
	ComplaintWarning      float64 `yaml:"complaint_warning"`
	ComplaintCritical     float64 `yaml:"complaint_critical"`
	ConsecutiveBounceWarn int     `yaml:"consecutive_bounce_warning"`
	ConsecutiveBounceCrit int     `yaml:"consecutive_bounce_critical"`
	ScoreWarning          float64 `yaml:"score_warning"`
	ScoreCritical         float64 `yaml:"score_critical"`
}

// DefaultThresholds returns the standard alert thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		BounceWarning:         0.05,
		BounceCritical:        0.10,
		ComplaintWarning:      0.001,
		ComplaintCritical:     0.003,
		ConsecutiveBounceWarn: 3,
		ConsecutiveBounceCrit: 5,
		ScoreWarning:          60,
		ScoreCritical:         30,
	}
}

// Source is the part of the reputation store the engine reads
type Source interface {
	ListMailboxes(ctx context.Context, workspaceID string) ([]*reputation.MailboxReputation, error)
	ListDomains(ctx context.Context, workspaceID string) ([]*reputation.DomainReputation, error)
	GetMailbox(ctx context.Context, id string) (*reputation.MailboxReputation, error)
	GetDomain(ctx context.Context, workspaceID, domain string) (*reputation.DomainReputation, error)
	GetIdentity(ctx context.Context, id string) (*reputation.Identity, error)
}

// CheckSummary counts what a threshold check did
type CheckSummary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Engine evaluates reputation rows against thresholds
type Engine struct {
	store  *Store
	source Source
	th     Thresholds
	logger *slog.Logger
}

// NewEngine creates an alert engine
func NewEngine(st *Store, src Source, th Thresholds, logger *slog.Logger) *Engine {
	return &Engine{store: st, source: src, th: th, logger: logger}
}

// Store returns the underlying alert store
func (e *Engine) Store() *Store {
	return e.store
}

// CheckThresholds scans every mailbox and domain of a workspace ("" for
// all) and upserts an alert per violated threshold. Running it twice with
// unchanged metrics creates no new alerts.
func (e *Engine) CheckThresholds(ctx context.Context, workspaceID string) (*CheckSummary, error) {
	mailboxes, err := e.source.ListMailboxes(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	domains, err := e.source.ListDomains(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	var candidates []*Alert
	for _, m := range mailboxes {
		candidates = append(candidates, e.mailboxAlerts(m)...)
	}
	for _, d := range domains {
		candidates = append(candidates, e.domainAlerts(d)...)
	}

	sum := &CheckSummary{}
	for _, c := range candidates {
		_, created, err := e.Raise(ctx, c)
		if err != nil {
			return sum, err
		}
		if created {
			sum.Created++
		} else {
			sum.Updated++
		}
	}
	return sum, nil
}

// Raise upserts an alert raised by another component and reports whether
// it is new
func (e *Engine) Raise(ctx context.Context, a *Alert) (*Alert, bool, error) {
	out, created, err := e.store.Upsert(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store alert: %w", err)
	}
	if created {
		metrics.IncAlertsCreated(string(out.Type), string(out.Severity))
		e.logger.Warn("alert created",
			"alert_id", out.ID,
			"type", out.Type,
			"severity", out.Severity,
			"entity_type", out.EntityType,
			"entity_id", out.EntityID,
			"value", out.Value,
		)
	}
	return out, created, nil
}

// Resolve closes an alert on behalf of by
func (e *Engine) Resolve(ctx context.Context, id, by string) (*Alert, error) {
	a, err := e.store.Resolve(ctx, id, by)
	if err != nil {
		return nil, err
	}
	metrics.IncAlertsResolved(string(a.Type))
	e.logger.Info("alert resolved", "alert_id", a.ID, "type", a.Type, "resolved_by", by)
	return a, nil
}

// List returns alerts matching f
func (e *Engine) List(ctx context.Context, f Filter) ([]*Alert, error) {
	return e.store.List(ctx, f)
}

// AutoResolve re-checks each unresolved alert against current metrics and
// resolves those whose condition no longer holds
func (e *Engine) AutoResolve(ctx context.Context, workspaceID string) (int, error) {
	open, err := e.store.List(ctx, Filter{WorkspaceID: workspaceID, UnresolvedOnly: true})
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, a := range open {
		holds, err := e.stillHolds(ctx, a)
		if err != nil {
			e.logger.Warn("alert re-check failed", "alert_id", a.ID, "type", a.Type, "error", err)
			continue
		}
		if holds {
			continue
		}
		if _, err := e.Resolve(ctx, a.ID, ResolvedBySystem); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// stillHolds re-runs the check that raised a. A vanished entity no longer
// holds.
func (e *Engine) stillHolds(ctx context.Context, a *Alert) (bool, error) {
	switch a.EntityType {
	case EntityMailbox:
		m, err := e.source.GetMailbox(ctx, a.EntityID)
		if errors.Is(err, reputation.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return hasType(e.mailboxAlerts(m), a.Type), nil

	case EntityDomain:
		d, err := e.source.GetDomain(ctx, a.WorkspaceID, a.EntityID)
		if errors.Is(err, reputation.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return hasType(e.domainAlerts(d), a.Type), nil

	case EntityIdentity:
		i, err := e.source.GetIdentity(ctx, a.EntityID)
		if errors.Is(err, reputation.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch a.Type {
		case TypeBlacklist:
			return i.BlacklistCount > 0, nil
		case TypeRateLimitExceeded:
			return !i.HasCapacity(), nil
		case TypeLowReputation:
			return i.ReputationScore < e.th.ScoreWarning, nil
		}
	}
	return true, nil
}

func hasType(alerts []*Alert, t Type) bool {
	for _, a := range alerts {
		if a.Type == t {
			return true
		}
	}
	return false
}

// rateAlert builds a warning or critical alert when value exceeds a level
func rateAlert(t Type, value, warn, crit float64) *Alert {
	switch {
	case value > crit:
		return &Alert{Type: t, Severity: SeverityCritical, Value: value, Threshold: crit}
	case value > warn:
		return &Alert{Type: t, Severity: SeverityWarning, Value: value, Threshold: warn}
	}
	return nil
}

func (e *Engine) commonAlerts(rates reputation.Rates, score float64) []*Alert {
	var out []*Alert
	if a := rateAlert(TypeBounceRate, rates.BounceRate, e.th.BounceWarning, e.th.BounceCritical); a != nil {
		a.Title = "High bounce rate"
		a.Message = fmt.Sprintf("bounce rate %.2f%% exceeds %.2f%%", a.Value*100, a.Threshold*100)
		out = append(out, a)
	}
	if a := rateAlert(TypeComplaintRate, rates.ComplaintRate, e.th.ComplaintWarning, e.th.ComplaintCritical); a != nil {
		a.Title = "High complaint rate"
		a.Message = fmt.Sprintf("complaint rate %.3f%% exceeds %.3f%%", a.Value*100, a.Threshold*100)
		out = append(out, a)
	}
	// score thresholds are lower bounds, so compare negated values
	if a := rateAlert(TypeLowReputation, -score, -e.th.ScoreWarning, -e.th.ScoreCritical); a != nil {
		a.Value, a.Threshold = -a.Value, -a.Threshold
		a.Title = "Low reputation score"
		a.Message = fmt.Sprintf("reputation score %.1f is below %.0f", a.Value, a.Threshold)
		out = append(out, a)
	}
	return out
}

func (e *Engine) mailboxAlerts(m *reputation.MailboxReputation) []*Alert {
	out := e.commonAlerts(m.Rates, m.ReputationScore)

	switch {
	case m.ConsecutiveBounces >= e.th.ConsecutiveBounceCrit:
		out = append(out, &Alert{Type: TypeConsecutiveBounces, Severity: SeverityCritical,
			Value: float64(m.ConsecutiveBounces), Threshold: float64(e.th.ConsecutiveBounceCrit)})
	case m.ConsecutiveBounces >= e.th.ConsecutiveBounceWarn:
		out = append(out, &Alert{Type: TypeConsecutiveBounces, Severity: SeverityWarning,
			Value: float64(m.ConsecutiveBounces), Threshold: float64(e.th.ConsecutiveBounceWarn)})
	}

	for _, a := range out {
		if a.Type == TypeConsecutiveBounces {
			a.Title = "Consecutive bounces"
			a.Message = fmt.Sprintf("%d consecutive bounces from %s", m.ConsecutiveBounces, m.Email)
		}
		a.WorkspaceID = m.WorkspaceID
		a.EntityType = EntityMailbox
		a.EntityID = m.ID
	}
	return out
}

func (e *Engine) domainAlerts(d *reputation.DomainReputation) []*Alert {
	out := e.commonAlerts(d.Rates, d.ReputationScore)

	// a domain whose records were never checked has nothing to report

	var failing []string
	severity := SeverityWarning
	for _, rec := range []struct {
		name   string
		status reputation.AuthStatus
	}{{"SPF", d.SPF}, {"DKIM", d.DKIM}, {"DMARC", d.DMARC}} {
		if d.AuthCheckedAt == nil || rec.status == "" || rec.status == reputation.AuthPass {
			continue
		}
		failing = append(failing, fmt.Sprintf("%s %s", rec.name, rec.status))
		if rec.name == "DMARC" && rec.status == reputation.AuthFail {
			severity = SeverityCritical
		}
	}
	if len(failing) > 0 {
		out = append(out, &Alert{
			Type:     TypeAuthFailure,
			Severity: severity,
			Value:    float64(len(failing)),
			Title:    "Domain authentication not passing",
			Message:  fmt.Sprintf("%s: %s", d.Domain, strings.Join(failing, ", ")),
		})
	}

	for _, a := range out {
		a.WorkspaceID = d.WorkspaceID
		a.EntityType = EntityDomain
		a.EntityID = d.Domain
	}
	return out
}
