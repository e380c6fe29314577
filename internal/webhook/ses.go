package webhook

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
)

var snsHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// ValidateSNSURL accepts only https URLs on an sns.<region>.amazonaws.com host
func ValidateSNSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedCertURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrUntrustedCertURL, u.Scheme)
	}
	if u.Port() != "" || !snsHost.MatchString(strings.ToLower(u.Hostname())) {
		return fmt.Errorf("%w: host %q", ErrUntrustedCertURL, u.Host)
	}
	return nil
}

// SESConfig configures the SES (SNS) adapter
type SESConfig struct {
	// TopicARNs restricts accepted topics when set
	TopicARNs []string
	// AutoConfirm visits SubscribeURL of confirmation requests
	AutoConfirm bool
	Tolerance   time.Duration
	HTTPClient  *http.Client
}

// snsEnvelope is the SNS HTTP delivery body
type snsEnvelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL"`
}

// canonical builds the string SNS signs. Fields are sorted by name and
// Subject is only included when present.
func (e *snsEnvelope) canonical() string {
	var b strings.Builder
	add := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('\n')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	add("Message", e.Message)
	add("MessageId", e.MessageID)
	if e.Type == "Notification" {
		if e.Subject != "" {
			add("Subject", e.Subject)
		}
	} else {
		add("SubscribeURL", e.SubscribeURL)
	}
	add("Timestamp", e.Timestamp)
	if e.Type != "Notification" {
		add("Token", e.Token)
	}
	add("TopicArn", e.TopicArn)
	add("Type", e.Type)
	return b.String()
}

// SESAdapter verifies SNS-delivered SES notifications
type SESAdapter struct {
	cfg    SESConfig
	client *http.Client
	now    func() time.Time

	// fetchCert retrieves a PEM certificate; replaced in tests
	fetchCert func(ctx context.Context, url string) ([]byte, error)

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

// NewSESAdapter creates the SES adapter
func NewSESAdapter(cfg SESConfig) *SESAdapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	a := &SESAdapter{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		certs:  make(map[string]*x509.Certificate),
	}
	a.fetchCert = a.httpGet
	return a
}

// Provider returns the provider name
func (a *SESAdapter) Provider() string {
	return transport.ProviderSES
}

func (a *SESAdapter) httpGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<10))
}

func (a *SESAdapter) certificate(ctx context.Context, rawURL string) (*x509.Certificate, error) {
	if err := ValidateSNSURL(rawURL); err != nil {
		return nil, err
	}

	a.mu.Lock()
	cert, ok := a.certs[rawURL]
	a.mu.Unlock()
	if ok {
		return cert, nil
	}

	data, err := a.fetchCert(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: certificate is not PEM", ErrInvalidSignature)
	}
	cert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	a.mu.Lock()
	a.certs[rawURL] = cert
	a.mu.Unlock()
	return cert, nil
}

// verify checks the envelope signature and freshness
func (a *SESAdapter) verify(ctx context.Context, env *snsEnvelope) error {
	var algo x509.SignatureAlgorithm
	switch env.SignatureVersion {
	case "1":
		algo = x509.SHA1WithRSA
	case "2":
		algo = x509.SHA256WithRSA
	default:
		return fmt.Errorf("%w: signature version %q", ErrInvalidSignature, env.SignatureVersion)
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if err := checkTimestamp(ts, a.now(), a.cfg.Tolerance); err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	cert, err := a.certificate(ctx, env.SigningCertURL)
	if err != nil {
		return err
	}
	if err := cert.CheckSignature(algo, []byte(env.canonical()), sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func (a *SESAdapter) topicAllowed(arn string) bool {
	if len(a.cfg.TopicARNs) == 0 {
		return true
	}
	for _, t := range a.cfg.TopicARNs {
		if t == arn {
			return true
		}
	}
	return false
}

// Parse verifies an SNS delivery and converts the SES notification it carries
func (a *SESAdapter) Parse(ctx context.Context, header http.Header, body []byte) (*Batch, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := a.verify(ctx, &env); err != nil {
		return nil, err
	}
	if !a.topicAllowed(env.TopicArn) {
		return nil, fmt.Errorf("%w: topic %s not allowed", ErrInvalidSignature, env.TopicArn)
	}

	batch := &Batch{Provider: a.Provider(), ReplayKey: env.MessageID}

	switch env.Type {
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		conf := &Confirmation{TopicARN: env.TopicArn, SubscribeURL: env.SubscribeURL}
		if env.Type == "SubscriptionConfirmation" && a.cfg.AutoConfirm {
			if err := ValidateSNSURL(env.SubscribeURL); err != nil {
				return nil, err
			}
			if _, err := a.httpGet(ctx, env.SubscribeURL); err != nil {
				return nil, fmt.Errorf("failed to confirm subscription: %w", err)
			}
			conf.Confirmed = true
		}
		batch.Confirmation = conf
		return batch, nil

	case "Notification":
		events, err := parseSESNotification(env.Message)
		if err != nil {
			return nil, err
		}
		batch.Events = events
		return batch, nil
	}
	return nil, fmt.Errorf("%w: SNS type %q", ErrInvalidPayload, env.Type)
}

type sesRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	DiagnosticCode string `json:"diagnosticCode"`
}

// sesNotification covers both the notification and the event publishing
// formats
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string         `json:"bounceType"`
		BounceSubType     string         `json:"bounceSubType"`
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
		Timestamp         string         `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients  []sesRecipient `json:"complainedRecipients"`
		ComplaintFeedbackType string         `json:"complaintFeedbackType"`
		Timestamp             string         `json:"timestamp"`
	} `json:"complaint"`
	Delivery *struct {
		Recipients []string `json:"recipients"`
		Timestamp  string   `json:"timestamp"`
	} `json:"delivery"`
	Open *struct {
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
		Timestamp string `json:"timestamp"`
	} `json:"open"`
	Click *struct {
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
		Link      string `json:"link"`
		Timestamp string `json:"timestamp"`
	} `json:"click"`
	DeliveryDelay *struct {
		DelayType         string         `json:"delayType"`
		DelayedRecipients []sesRecipient `json:"delayedRecipients"`
		Timestamp         string         `json:"timestamp"`
	} `json:"deliveryDelay"`
	Subscription *struct {
		Timestamp string `json:"timestamp"`
	} `json:"subscription"`
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseSESNotification(raw string) ([]Event, error) {
	var n sesNotification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("%w: SES message: %v", ErrInvalidPayload, err)
	}
	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	base := Event{Provider: transport.ProviderSES, MessageID: n.Mail.MessageID}
	var out []Event
	each := func(t EventType, ts string, emails []string, fill func(*Event)) {
		for _, e := range emails {
			ev := base
			ev.Type = t
			ev.RecipientEmail = strings.ToLower(e)
			ev.Timestamp = parseTime(ts)
			if fill != nil {
				fill(&ev)
			}
			out = append(out, ev)
		}
	}
	addresses := func(rs []sesRecipient) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.EmailAddress)
		}
		return out
	}

	switch kind {
	case "Bounce":
		if n.Bounce == nil {
			break
		}
		bounceType := BounceSoft
		if n.Bounce.BounceType == "Permanent" {
			bounceType = BounceHard
		}
		for _, r := range n.Bounce.BouncedRecipients {
			reason := r.DiagnosticCode
			each(EventBounced, n.Bounce.Timestamp, []string{r.EmailAddress}, func(ev *Event) {
				ev.BounceType = bounceType
				ev.Reason = reason
				if ev.Reason == "" {
					ev.Reason = n.Bounce.BounceSubType
				}
			})
		}
	case "Complaint":
		if n.Complaint != nil {
			each(EventComplained, n.Complaint.Timestamp, addresses(n.Complaint.ComplainedRecipients), func(ev *Event) {
				ev.Reason = n.Complaint.ComplaintFeedbackType
			})
		}
	case "Delivery":
		if n.Delivery != nil {
			each(EventDelivered, n.Delivery.Timestamp, n.Delivery.Recipients, nil)
		}
	case "Open":
		if n.Open != nil {
			each(EventOpened, n.Open.Timestamp, n.Mail.Destination, func(ev *Event) {
				ev.UserAgent = n.Open.UserAgent
				ev.IPAddress = n.Open.IPAddress
			})
		}
	case "Click":
		if n.Click != nil {
			each(EventClicked, n.Click.Timestamp, n.Mail.Destination, func(ev *Event) {
				ev.UserAgent = n.Click.UserAgent
				ev.IPAddress = n.Click.IPAddress
				ev.ClickedURL = n.Click.Link
			})
		}
	case "DeliveryDelay":
		if n.DeliveryDelay != nil {
			each(EventDeferred, n.DeliveryDelay.Timestamp, addresses(n.DeliveryDelay.DelayedRecipients), func(ev *Event) {
				ev.Reason = n.DeliveryDelay.DelayType
			})
		}
	case "Subscription":
		ts := n.Mail.Timestamp
		if n.Subscription != nil {
			ts = n.Subscription.Timestamp
		}
		each(EventUnsubscribed, ts, n.Mail.Destination, nil)
	}
	return out, nil
}
