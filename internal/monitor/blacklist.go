// Package monitor runs the periodic DNSBL and domain authentication checks
// and feeds their results into reputation, alerts and recovery.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/alert"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/dnscheck"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/recovery"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
)

// IPChecker queries DNSBL zones for an address
type IPChecker interface {
	CheckIP(ctx context.Context, ip string) (*dnscheck.IPCheckResult, error)
}

// IdentityStore is the part of the reputation store the blacklist monitor needs
type IdentityStore interface {
	GetIdentity(ctx context.Context, id string) (*reputation.Identity, error)
	ListIdentities(ctx context.Context, workspaceID string) ([]*reputation.Identity, error)
	RecordBlacklistResult(ctx context.Context, id string, checks []reputation.BlacklistCheck) (*reputation.Identity, error)
}

// AlertRaiser raises deduplicated alerts
type AlertRaiser interface {
	Raise(ctx context.Context, a *alert.Alert) (*alert.Alert, bool, error)
}

// TaskCreator creates recovery tasks, idempotently per entity and type
type TaskCreator interface {
	Create(ctx context.Context, t *recovery.Task) (*recovery.Task, bool, error)
}

// CriticalListings is the zone count at which a blacklist alert is critical
const CriticalListings = 3

// BlacklistSummary counts what a CheckAll pass did
type BlacklistSummary struct {
	Checked   int `json:"checked"`
	Listed    int `json:"listed"`
	Errors    int `json:"errors"`
	Unhealthy int `json:"unhealthy"`
}

// BlacklistMonitor checks sending IPs against DNSBL zones
type BlacklistMonitor struct {
	checker    IPChecker
	identities IdentityStore
	alerts     AlertRaiser
	tasks      TaskCreator
	logger     *slog.Logger
}

// NewBlacklistMonitor creates a blacklist monitor. alerts and tasks may be
// nil, in which case listings only update the identity.
func NewBlacklistMonitor(checker IPChecker, identities IdentityStore, alerts AlertRaiser, tasks TaskCreator, logger *slog.Logger) *BlacklistMonitor {
	return &BlacklistMonitor{
		checker:    checker,
		identities: identities,
		alerts:     alerts,
		tasks:      tasks,
		logger:     logger,
	}
}

// CheckIdentity checks one identity's address, persists the per-zone
// results and escalates a listing. Non-IP identities are returned as is.
func (m *BlacklistMonitor) CheckIdentity(ctx context.Context, id string) (*reputation.Identity, error) {
	identity, err := m.identities.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.Kind != reputation.KindIP {
		return identity, nil
	}

	result, err := m.checker.CheckIP(ctx, identity.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s: %w", identity.Address, err)
	}

	checks := make([]reputation.BlacklistCheck, 0, len(result.Results))
	for _, r := range result.Results {
		checks = append(checks, reputation.BlacklistCheck{
			Address:     identity.Address,
			Zone:        r.DNSBL.Zone,
			Listed:      r.Listed,
			ReturnCodes: r.ReturnCodes,
			Error:       r.Error,
			CheckedAt:   r.CheckedAt,
		})
	}

	updated, err := m.identities.RecordBlacklistResult(ctx, identity.ID, checks)
	if err != nil {
		return nil, fmt.Errorf("failed to record blacklist result: %w", err)
	}

	m.logger.Info("blacklist check completed",
		"identity_id", updated.ID,
		"address", updated.Address,
		"listed", result.Summary.Listed,
		"clean", result.Summary.Clean,
		"errors", result.Summary.Errors,
		"healthy", updated.Healthy,
	)

	if updated.BlacklistCount > 0 {
		for _, zone := range updated.BlacklistedOn {
			metrics.IncBlacklistListings(zone)
		}
		if err := m.escalate(ctx, updated); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// escalate raises the blacklist alert and the delisting task for a listed
// identity. Both are deduplicated downstream, so repeated checks only
// refresh the open alert.
func (m *BlacklistMonitor) escalate(ctx context.Context, identity *reputation.Identity) error {
	var alertID string
	if m.alerts != nil {
		severity := alert.SeverityWarning
		if identity.BlacklistCount >= CriticalListings {
			severity = alert.SeverityCritical
		}
		a, _, err := m.alerts.Raise(ctx, &alert.Alert{
			WorkspaceID: identity.WorkspaceID,
			Type:        alert.TypeBlacklist,
			Severity:    severity,
			EntityType:  alert.EntityIdentity,
			EntityID:    identity.ID,
			Title:       "Sending IP blacklisted",
			Message:     fmt.Sprintf("%s is listed on %s", identity.Address, strings.Join(identity.BlacklistedOn, ", ")),
			Value:       float64(identity.BlacklistCount),
			Threshold:   1,
		})
		if err != nil {
			return fmt.Errorf("failed to raise blacklist alert: %w", err)
		}
		alertID = a.ID
	}

	if m.tasks != nil {
		_, _, err := m.tasks.Create(ctx, &recovery.Task{
			WorkspaceID: identity.WorkspaceID,
			Type:        recovery.TypeDelisting,
			EntityType:  recovery.EntityIdentity,
			EntityID:    identity.ID,
			AlertID:     alertID,
			Reason:      fmt.Sprintf("%s listed on %s", identity.Address, strings.Join(identity.BlacklistedOn, ", ")),
		})
		if err != nil {
			return fmt.Errorf("failed to create delisting task: %w", err)
		}
	}
	return nil
}

// CheckAll checks every active IP identity of a workspace ("" for all).
// A failing identity is counted and skipped.
func (m *BlacklistMonitor) CheckAll(ctx context.Context, workspaceID string) (*BlacklistSummary, error) {
	identities, err := m.identities.ListIdentities(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	sum := &BlacklistSummary{}
	for _, i := range identities {
		if !i.Active || i.Kind != reputation.KindIP {
			if !i.Healthy {
				sum.Unhealthy++
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		updated, err := m.CheckIdentity(ctx, i.ID)
		if err != nil {
			sum.Errors++
			m.logger.Error("blacklist check failed", "identity_id", i.ID, "address", i.Address, "error", err)
			if errors.Is(err, context.Canceled) {
				return sum, err
			}
			if updated == nil {
				updated = i
			}
		}
		sum.Checked++
		if updated.BlacklistCount > 0 {
			sum.Listed++
		}
		if !updated.Healthy {
			sum.Unhealthy++
		}
	}

	metrics.SetIdentitiesUnhealthy(sum.Unhealthy)
	return sum, nil
}
