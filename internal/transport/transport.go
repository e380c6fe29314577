// Package transport sends messages through interchangeable providers, each
// guarded by a circuit breaker.
package transport

import (
	"context"
	"time"
)

// Provider names. The set is closed.
const (
	ProviderSMTP     = "smtp"
	ProviderSES      = "ses"
	ProviderSendGrid = "sendgrid"
	ProviderPostmark = "postmark"
)

// Message is the provider-neutral outbound message
type Message struct {
	ID         string
	From       string
	FromName   string
	To         string
	ToName     string
	ReplyTo    string
	Subject    string
	HTMLBody   string
	TextBody   string
	Headers    map[string]string
	TrackingID string
	Tags       map[string]string

	// SourceAddress is the sending identity's address. SMTP binds the local
	// IP to it when it parses as one.
	SourceAddress string
}

// SendResult is the outcome of one provider call
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Provider  string    `json:"provider"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Provider is implemented by the smtp, ses, sendgrid and postmark clients
type Provider interface {
	Name() string
	Send(ctx context.Context, msg *Message) (*SendResult, error)
	Verify(ctx context.Context) error
}
