package queue

import (
	"time"
)

// MessageStatus represents the status of a message in the queue
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusScheduled  MessageStatus = "scheduled"
	StatusProcessing MessageStatus = "processing"
	StatusSent       MessageStatus = "sent"
	StatusDelivered  MessageStatus = "delivered"
	StatusBounced    MessageStatus = "bounced"
	StatusFailed     MessageStatus = "failed"
	StatusCancelled  MessageStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []MessageStatus{
	StatusPending, StatusScheduled, StatusProcessing, StatusSent,
	StatusDelivered, StatusBounced, StatusFailed, StatusCancelled,
}

// Claimable reports whether a message in this status may be picked up
func (s MessageStatus) Claimable() bool {
	return s == StatusPending || s == StatusScheduled
}

// Terminal reports whether no further send will be attempted
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Sender is the mailbox a message is sent from
type Sender struct {
	MailboxID string `json:"mailbox_id,omitempty"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
}

// Recipient is the single addressee of a message
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// SendWindow restricts sending to [StartHour, EndHour) local time
type SendWindow struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone,omitempty"`
}

// Message represents an outbound email in the queue
type Message struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
	SequenceID  string `json:"sequence_id,omitempty"`
	LeadID      string `json:"lead_id,omitempty"`

	From       Sender            `json:"from"`
	To         Recipient         `json:"to"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Subject    string            `json:"subject"`
	HTMLBody   string            `json:"html_body,omitempty"`
	TextBody   string            `json:"text_body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TrackingID string            `json:"tracking_id,omitempty"`

	// IdentityID pins a preferred identity before sending and records the
	// identity actually used after
	IdentityID string `json:"identity_id,omitempty"`
	Pool       string `json:"pool,omitempty"`

	// Priority orders claims; lower goes first
	Priority    int         `json:"priority"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	SendWindow  *SendWindow `json:"send_window,omitempty"`

	Status      MessageStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	NextRetryAt *time.Time    `json:"next_retry_at,omitempty"`
	ClaimedAt   *time.Time    `json:"claimed_at,omitempty"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`

	Provider          string `json:"provider,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	BounceType        string `json:"bounce_type,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DueAt is the earliest time the message may be claimed
func (m *Message) DueAt() time.Time {
	if m.NextRetryAt != nil && m.NextRetryAt.After(m.ScheduledAt) {
		return *m.NextRetryAt
	}
	return m.ScheduledAt
}

// EventType is the kind of a queue event
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventSent      EventType = "sent"
	EventDeferred  EventType = "deferred"
	EventRetry     EventType = "retry"
	EventFailed    EventType = "failed"
	EventBounced   EventType = "bounced"
	EventCancelled EventType = "cancelled"
	EventDelivered EventType = "delivered"
)

// Event records a state change of one message
type Event struct {
	MessageID  string    `json:"message_id"`
	Type       EventType `json:"type"`
	IdentityID string    `json:"identity_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// QueueStats represents queue statistics
type QueueStats struct {
	ByStatus map[MessageStatus]int64 `json:"by_status"`
	Total    int64                   `json:"total"`
	// Ready is the number of claimable messages already due
	Ready int64 `json:"ready"`
}

// ListFilter represents filter options for listing messages
type ListFilter struct {
	WorkspaceID string
	CampaignID  string
	Status      MessageStatus
	Limit       int
	Offset      int
}

// CancelResult is the per-id outcome of Cancel
type CancelResult struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}
