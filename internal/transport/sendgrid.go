package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SendGridConfig configures the SendGrid provider
type SendGridConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SendGridProvider sends through the v3 Mail Send API
type SendGridProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To         []sgAddress       `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Headers          map[string]string   `json:"headers,omitempty"`
	Categories       []string            `json:"categories,omitempty"`
}

// NewSendGridProvider creates a SendGrid provider
func NewSendGridProvider(cfg SendGridConfig, logger *slog.Logger) *SendGridProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  newHTTPClient(cfg.HTTPClient, cfg.Timeout),
		logger:  logger.With("component", "sendgrid"),
		now:     time.Now,
	}
}

// Name returns the provider name
func (p *SendGridProvider) Name() string { return ProviderSendGrid }

// Send posts msg to /v3/mail/send
func (p *SendGridProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if p.apiKey == "" {
		return nil, &Error{Kind: KindConfig, Provider: ProviderSendGrid, Message: "API key not configured"}
	}

	args := map[string]string{"message_id": msg.ID}
	if msg.TrackingID != "" {
		args["tracking_id"] = msg.TrackingID
	}
	for k, v := range msg.Tags {
		args[k] = v
	}

	mail := sgMail{
		Personalizations: []sgPersonalization{{
			To:         []sgAddress{{Email: msg.To, Name: msg.ToName}},
			CustomArgs: args,
		}},
		From:    sgAddress{Email: msg.From, Name: msg.FromName},
		Subject: msg.Subject,
		Headers: msg.Headers,
	}
	if msg.ReplyTo != "" {
		mail.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}
	// text/plain must precede text/html
	if msg.TextBody != "" {
		mail.Content = append(mail.Content, sgContent{Type: "text/plain", Value: msg.TextBody})
	}
	if msg.HTMLBody != "" {
		mail.Content = append(mail.Content, sgContent{Type: "text/html", Value: msg.HTMLBody})
	}

	resp, _, err := doJSON(ctx, p.client, ProviderSendGrid, http.MethodPost, p.baseURL+"/v3/mail/send", p.header(), mail)
	if err != nil {
		return nil, err
	}

	return &SendResult{
		Success:   true,
		MessageID: resp.Header.Get("X-Message-Id"),
		Provider:  ProviderSendGrid,
		SentAt:    p.now(),
	}, nil
}

// Verify checks the API key against /v3/scopes
func (p *SendGridProvider) Verify(ctx context.Context) error {
	_, _, err := doJSON(ctx, p.client, ProviderSendGrid, http.MethodGet, p.baseURL+"/v3/scopes", p.header(), nil)
	return err
}

func (p *SendGridProvider) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.apiKey)
	return h
}
