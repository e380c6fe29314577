// Package reputation stores sending identities and per-domain and
// per-mailbox health, and computes reputation scores from delivery signals.
package reputation

import (
	"time"
)

// AuthStatus is the result of an SPF/DKIM/DMARC check
type AuthStatus string

const (
	AuthPass    AuthStatus = "pass"
	AuthFail    AuthStatus = "fail"
	AuthUnknown AuthStatus = "unknown"
)

// HealthStatus is the coarse health bucket derived from the score
type HealthStatus string

const (
	HealthGood     HealthStatus = "good"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// IdentityKind distinguishes dedicated IPs from provider accounts
type IdentityKind string

const (
	KindIP      IdentityKind = "ip"
	KindAccount IdentityKind = "account"
)

// Counters are aggregated delivery outcomes
type Counters struct {
	Sent       int64 `json:"sent"`
	Delivered  int64 `json:"delivered"`
	Bounced    int64 `json:"bounced"`
	Complaints int64 `json:"complaints"`
	Opens      int64 `json:"opens"`
	Clicks     int64 `json:"clicks"`
}

// Rates are derived from Counters at recalculation time
type Rates struct {
	DeliveryRate  float64 `json:"delivery_rate"`
	BounceRate    float64 `json:"bounce_rate"`
	ComplaintRate float64 `json:"complaint_rate"`
	OpenRate      float64 `json:"open_rate"`
	ClickRate     float64 `json:"click_rate"`
}

// Identity is a sending IP or provider account
type Identity struct {
	ID              string       `json:"id"`
	WorkspaceID     string       `json:"workspace_id"`
	Address         string       `json:"address"`
	Kind            IdentityKind `json:"kind"`
	Provider        string       `json:"provider"`
	Pool            string       `json:"pool,omitempty"`
	Priority        int          `json:"priority"`
	Active          bool         `json:"active"`
	Healthy         bool         `json:"healthy"`
	ReputationScore float64      `json:"reputation_score"`
	HealthStatus    HealthStatus `json:"health_status"`

	BlacklistCount int        `json:"blacklist_count"`
	BlacklistedOn  []string   `json:"blacklisted_on,omitempty"`
	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`

	// Caps of zero mean unlimited
	MaxPerHour     int        `json:"max_per_hour"`
	MaxPerDay      int        `json:"max_per_day"`
	CurrentPerHour int        `json:"current_per_hour"`
	CurrentPerDay  int        `json:"current_per_day"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`

	Counters
	Rates

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCapacity reports whether both rate windows have room
func (i *Identity) HasCapacity() bool {
	if i.MaxPerHour > 0 && i.CurrentPerHour >= i.MaxPerHour {
		return false
	}
	if i.MaxPerDay > 0 && i.CurrentPerDay >= i.MaxPerDay {
		return false
	}
	return true
}

// Eligible reports whether the identity may be chosen for a send
func (i *Identity) Eligible() bool {
	return i.Active && i.Healthy && i.HasCapacity()
}

// Quarantine holds temporary sending suspension fields
type Quarantine struct {
	IsQuarantined    bool       `json:"is_quarantined"`
	QuarantineUntil  *time.Time `json:"quarantine_until,omitempty"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
}

// Auth is the recorded authentication status of a domain
type Auth struct {
	SPF           AuthStatus `json:"spf"`
	DKIM          AuthStatus `json:"dkim"`
	DMARC         AuthStatus `json:"dmarc"`
	DMARCPolicy   string     `json:"dmarc_policy,omitempty"`
	AuthCheckedAt *time.Time `json:"auth_checked_at,omitempty"`
}

// DomainReputation aggregates sending health for a From domain
type DomainReputation struct {
	WorkspaceID     string       `json:"workspace_id"`
	Domain          string       `json:"domain"`
	ReputationScore float64      `json:"reputation_score"`
	HealthStatus    HealthStatus `json:"health_status"`
	Counters
	Rates
	Auth
	Quarantine
	UpdatedAt time.Time `json:"updated_at"`
}

// MailboxReputation aggregates sending health for one sender mailbox
type MailboxReputation struct {
	ID                 string       `json:"id"`
	WorkspaceID        string       `json:"workspace_id"`
	Email              string       `json:"email"`
	Domain             string       `json:"domain"`
	ReputationScore    float64      `json:"reputation_score"`
	HealthStatus       HealthStatus `json:"health_status"`
	ConsecutiveBounces int          `json:"consecutive_bounces"`

	WarmupDay        int  `json:"warmup_day"`
	WarmupDailyLimit int  `json:"warmup_daily_limit"`
	WarmupPaused     bool `json:"warmup_paused"`
	SentToday        int  `json:"sent_today"`
	// ReducedLimit caps the schedule after a rate reduction; 0 means none
	ReducedLimit int `json:"reduced_limit,omitempty"`

	Counters
	Rates
	Quarantine
	UpdatedAt time.Time `json:"updated_at"`
}

// SignalType is a delivery outcome fed into the counters
type SignalType string

const (
	SignalSent      SignalType = "sent"
	SignalDelivered SignalType = "delivered"
	SignalBounced   SignalType = "bounced"
	SignalComplaint SignalType = "complained"
	SignalOpened    SignalType = "opened"
	SignalClicked   SignalType = "clicked"
)

// Signal attributes one outcome to the identity, mailbox and domain that sent it
type Signal struct {
	Type         SignalType
	WorkspaceID  string
	IdentityID   string
	MailboxID    string
	MailboxEmail string
	Domain       string
	At           time.Time
}

// BlacklistCheck is one persisted DNSBL lookup outcome
type BlacklistCheck struct {
	IdentityID  string    `json:"identity_id"`
	Address     string    `json:"address"`
	Zone        string    `json:"zone"`
	Listed      bool      `json:"listed"`
	ReturnCodes []string  `json:"return_codes,omitempty"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}
