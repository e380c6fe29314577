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

// SendGrid signature headers used when none are configured
const (
	SendGridSignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	SendGridTimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// SendGridAdapter verifies and parses the SendGrid event feed
type SendGridAdapter struct {
	cfg HMACConfig
	now func() time.Time
}

// NewSendGridAdapter creates the SendGrid adapter
func NewSendGridAdapter(cfg HMACConfig) *SendGridAdapter {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = SendGridSignatureHeader
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = SendGridTimestampHeader
	}
	return &SendGridAdapter{cfg: cfg, now: time.Now}
}

// Provider returns the provider name
func (a *SendGridAdapter) Provider() string {
	return transport.ProviderSendGrid
}

type sgEvent struct {
	Email       string `json:"email"`
	Timestamp   int64  `json:"timestamp"`
	Event       string `json:"event"`
	SGMessageID string `json:"sg_message_id"`
	SGEventID   string `json:"sg_event_id"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	Response    string `json:"response"`
	URL         string `json:"url"`
	UserAgent   string `json:"useragent"`
	IP          string `json:"ip"`
}

// sendGridMessageID strips the filter suffix SendGrid appends to the
// X-Message-Id returned at send time
func sendGridMessageID(id string) string {
	base, _, _ := strings.Cut(id, ".")
	return base
}

// Parse verifies the signature and converts the event array
func (a *SendGridAdapter) Parse(ctx context.Context, header http.Header, body []byte) (*Batch, error) {
	sig := header.Get(a.cfg.SignatureHeader)
	if err := verifyHMAC(a.cfg.Secret, sig, header.Get(a.cfg.TimestampHeader), body, a.now(), a.cfg.Tolerance); err != nil {
		return nil, err
	}

	var raw []sgEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	batch := &Batch{Provider: a.Provider(), ReplayKey: sig}
	for _, r := range raw {
		ev := Event{
			Provider:       a.Provider(),
			MessageID:      sendGridMessageID(r.SGMessageID),
			RecipientEmail: strings.ToLower(r.Email),
			Timestamp:      time.Unix(r.Timestamp, 0).UTC(),
			UserAgent:      r.UserAgent,
			IPAddress:      r.IP,
		}
		switch r.Event {
		case "delivered":
			ev.Type = EventDelivered
		case "bounce":
			ev.Type = EventBounced
			ev.BounceType = BounceHard
			if r.Type == "blocked" {
				ev.BounceType = BounceSoft
			}
			ev.Reason = r.Reason
		case "deferred":
			ev.Type = EventDeferred
			ev.Reason = r.Response
		case "open":
			ev.Type = EventOpened
		case "click":
			ev.Type = EventClicked
			ev.ClickedURL = r.URL
		case "spamreport":
			ev.Type = EventComplained
		case "unsubscribe", "group_unsubscribe":
			ev.Type = EventUnsubscribed
		default:
			// processed, dropped and group_resubscribe carry no delivery signal
			continue
		}
		batch.Events = append(batch.Events, ev)
	}
	return batch, nil
}
