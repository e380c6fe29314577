// Package webhook verifies and normalizes provider delivery callbacks and
// feeds them back into the queue, reputation and suppression stores.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrInvalidSignature is returned when a payload signature does not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrStaleTimestamp is returned for payloads outside the tolerance window
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
	// ErrUntrustedCertURL is returned for signing certificates not hosted by the provider
	ErrUntrustedCertURL = errors.New("untrusted signing certificate url")
	// ErrReplay is returned for a payload that was already accepted
	ErrReplay = errors.New("webhook payload already processed")
	// ErrInvalidPayload is returned for bodies that do not parse
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrUnknownProvider is returned for providers without an adapter
	ErrUnknownProvider = errors.New("unknown webhook provider")
)

// DefaultTolerance bounds the age of a signed payload
const DefaultTolerance = 300 * time.Second

// EventType is a canonical delivery event
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventDeferred     EventType = "deferred"
	EventUnsubscribed EventType = "unsubscribed"
)

// Bounce types
const (
	BounceHard = "hard"
	BounceSoft = "soft"
)

// Event is a provider callback in canonical form
type Event struct {
	Type           EventType `json:"event_type"`
	Provider       string    `json:"provider"`
	MessageID      string    `json:"message_id,omitempty"`
	RecipientEmail string    `json:"recipient_email"`
	Timestamp      time.Time `json:"timestamp"`
	BounceType     string    `json:"bounce_type,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ClickedURL     string    `json:"clicked_url,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
}

// Confirmation is a subscription handshake surfaced by a provider
type Confirmation struct {
	TopicARN     string `json:"topic_arn"`
	SubscribeURL string `json:"subscribe_url"`
	Confirmed    bool   `json:"confirmed"`
}

// Batch is one verified webhook delivery
type Batch struct {
	Provider string
	// ReplayKey identifies the delivery for duplicate detection
	ReplayKey    string
	Events       []Event
	Confirmation *Confirmation
}

// Adapter verifies and parses one provider's webhook format
type Adapter interface {
	Provider() string
	Parse(ctx context.Context, header http.Header, body []byte) (*Batch, error)
}

// checkTimestamp enforces the tolerance window in both directions
func checkTimestamp(ts, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > tolerance {
		return ErrStaleTimestamp
	}
	return nil
}
