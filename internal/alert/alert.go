// Package alert raises, deduplicates and resolves reputation alerts.
package alert

import (
	"time"
)

// Type identifies the condition an alert reports
type Type string

const (
	TypeBounceRate         Type = "bounce_rate"
	TypeComplaintRate      Type = "complaint_rate"
	TypeConsecutiveBounces Type = "consecutive_bounces"
	TypeLowReputation      Type = "low_reputation"
	TypeAuthFailure        Type = "auth_failure"
	TypeBlacklist          Type = "blacklist"
	TypeRateLimitExceeded  Type = "rate_limit_exceeded"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// EntityType is the kind of entity an alert is about
type EntityType string

const (
	EntityMailbox  EntityType = "mailbox"
	EntityDomain   EntityType = "domain"
	EntityIdentity EntityType = "identity"
)

// ResolvedBySystem attributes automatic resolutions
const ResolvedBySystem = "system"

// Alert is one open or resolved alert. At most one unresolved alert exists
// per (workspace, type, entity).
type Alert struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Type        Type       `json:"type"`
	Severity    Severity   `json:"severity"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Value       float64    `json:"value"`
	Threshold   float64    `json:"threshold"`

	IsResolved bool       `json:"is_resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`

	// Occurrences counts how many checks observed the condition
	Occurrences int       `json:"occurrences"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Filter selects alerts in List
type Filter struct {
	WorkspaceID    string
	Type           Type
	EntityID       string
	UnresolvedOnly bool
	Limit          int
}
