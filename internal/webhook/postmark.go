package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
)

// Postmark signature headers used when none are configured
const (
	PostmarkSignatureHeader = "X-Postmark-Signature"
	PostmarkTimestampHeader = "X-Postmark-Timestamp"
)

// PostmarkAdapter verifies and parses Postmark RecordType webhooks
type PostmarkAdapter struct {
	cfg HMACConfig
	now func() time.Time
}

// NewPostmarkAdapter creates the Postmark adapter
func NewPostmarkAdapter(cfg HMACConfig) *PostmarkAdapter {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = PostmarkSignatureHeader
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = PostmarkTimestampHeader
	}
	return &PostmarkAdapter{cfg: cfg, now: time.Now}
}

// Provider returns the provider name
func (a *PostmarkAdapter) Provider() string {
	return transport.ProviderPostmark
}

type pmRecord struct {
	RecordType      string `json:"RecordType"`
	MessageID       string `json:"MessageID"`
	Recipient       string `json:"Recipient"`
	Email           string `json:"Email"`
	Type            string `json:"Type"`
	Description     string `json:"Description"`
	DeliveredAt     string `json:"DeliveredAt"`
	BouncedAt       string `json:"BouncedAt"`
	ReceivedAt      string `json:"ReceivedAt"`
	ChangedAt       string `json:"ChangedAt"`
	OriginalLink    string `json:"OriginalLink"`
	UserAgent       string `json:"UserAgent"`
	SuppressSending bool   `json:"SuppressSending"`
	Geo             struct {
		IP string `json:"IP"`
	} `json:"Geo"`
}

// hardBounceTypes are the Postmark bounce types that will never deliver
var hardBounceTypes = map[string]bool{
	"HardBounce":          true,
	"BadEmailAddress":     true,
	"ManuallyDeactivated": true,
	"SpamNotification":    true,
	"Blocked":             true,
}

// Parse verifies the signature and converts one record
func (a *PostmarkAdapter) Parse(ctx context.Context, header http.Header, body []byte) (*Batch, error) {
	sig := header.Get(a.cfg.SignatureHeader)
	if err := verifyHMAC(a.cfg.Secret, sig, header.Get(a.cfg.TimestampHeader), body, a.now(), a.cfg.Tolerance); err != nil {
		return nil, err
	}

	var r pmRecord
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	recipient := r.Recipient
	if recipient == "" {
		recipient = r.Email
	}
	ev := Event{
		Provider:       a.Provider(),
		MessageID:      r.MessageID,
		RecipientEmail: strings.ToLower(recipient),
		UserAgent:      r.UserAgent,
		IPAddress:      r.Geo.IP,
	}

	switch r.RecordType {
	case "Delivery":
		ev.Type = EventDelivered
		ev.Timestamp = parseTime(r.DeliveredAt)
	case "Bounce":
		ev.Type = EventBounced
		ev.Timestamp = parseTime(r.BouncedAt)
		ev.BounceType = BounceSoft
		if hardBounceTypes[r.Type] {
			ev.BounceType = BounceHard
		}
		ev.Reason = r.Description
	case "SpamComplaint":
		ev.Type = EventComplained
		ev.Timestamp = parseTime(r.BouncedAt)
	case "Open":
		ev.Type = EventOpened
		ev.Timestamp = parseTime(r.ReceivedAt)
	case "Click":
		ev.Type = EventClicked
		ev.Timestamp = parseTime(r.ReceivedAt)
		ev.ClickedURL = r.OriginalLink
	case "SubscriptionChange":
		ev.Timestamp = parseTime(r.ChangedAt)
		if !r.SuppressSending {
			// resubscribes are not delivery signals
			return &Batch{Provider: a.Provider(), ReplayKey: sig}, nil
		}
		ev.Type = EventUnsubscribed
	default:
		return nil, fmt.Errorf("%w: record type %q", ErrInvalidPayload, r.RecordType)
	}

	return &Batch{Provider: a.Provider(), ReplayKey: sig, Events: []Event{ev}}, nil
}
