// Package recovery creates and executes remediation tasks for unhealthy
// identities and mailboxes.
package recovery

import (
	"time"
)

// Type is the kind of remediation
type Type string

const (
	TypeDelisting     Type = "delisting"
	TypeWarmupReset   Type = "warmup_reset"
	TypeRateReduction Type = "rate_reduction"
	TypeQuarantine    Type = "quarantine"
)

// Status of a task. pending -> in_progress -> completed | failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Active reports whether the status blocks a second task for the same entity
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// EntityType is what a task acts on
type EntityType string

const (
	EntityIdentity EntityType = "identity"
	EntityMailbox  EntityType = "mailbox"
)

// Action is one recorded step of a task
type Action struct {
	Description string    `json:"description"`
	Result      string    `json:"result,omitempty"`
	At          time.Time `json:"at"`
}

// Task is a remediation task
type Task struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Type        Type           `json:"type"`
	Status      Status         `json:"status"`
	EntityType  EntityType     `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Reason      string         `json:"reason"`
	AlertID     string         `json:"alert_id,omitempty"`
	Actions     []Action       `json:"actions,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Filter selects tasks in List
type Filter struct {
	WorkspaceID string
	Type        Type
	Status      Status
	EntityID    string
	Limit       int
}

func validType(t Type) bool {
	switch t {
	case TypeDelisting, TypeWarmupReset, TypeRateReduction, TypeQuarantine:
		return true
	}
	return false
}

// entityFor returns the entity kind a task type acts on. Rate reductions
// may target either.
func entityFor(t Type) []EntityType {
	switch t {
	case TypeDelisting:
		return []EntityType{EntityIdentity}
	case TypeWarmupReset, TypeQuarantine:
		return []EntityType{EntityMailbox}
	case TypeRateReduction:
		return []EntityType{EntityIdentity, EntityMailbox}
	}
	return nil
}
