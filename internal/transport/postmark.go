package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// PostmarkConfig configures the Postmark provider
type PostmarkConfig struct {
	ServerToken   string
	MessageStream string
	BaseURL       string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// PostmarkProvider sends through the Postmark email API
type PostmarkProvider struct {
	token   string
	stream  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

type pmHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type pmEmail struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	ReplyTo       string            `json:"ReplyTo,omitempty"`
	Subject       string            `json:"Subject"`
	HtmlBody      string            `json:"HtmlBody,omitempty"`
	TextBody      string            `json:"TextBody,omitempty"`
	Headers       []pmHeader        `json:"Headers,omitempty"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
	MessageStream string            `json:"MessageStream,omitempty"`
}

type pmResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Postmark API error codes that mean the recipient or message is rejected
var postmarkPermanentCodes = map[int]bool{
	300: true, // invalid email request
	406: true, // inactive recipient
}

// NewPostmarkProvider creates a Postmark provider
func NewPostmarkProvider(cfg PostmarkConfig, logger *slog.Logger) *PostmarkProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.postmarkapp.com"
	}
	if cfg.MessageStream == "" {
		cfg.MessageStream = "outbound"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostmarkProvider{
		token:   cfg.ServerToken,
		stream:  cfg.MessageStream,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  newHTTPClient(cfg.HTTPClient, cfg.Timeout),
		logger:  logger.With("component", "postmark"),
		now:     time.Now,
	}
}

// Name returns the provider name
func (p *PostmarkProvider) Name() string { return ProviderPostmark }

// Send posts msg to /email
func (p *PostmarkProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if p.token == "" {
		return nil, &Error{Kind: KindConfig, Provider: ProviderPostmark, Message: "server token not configured"}
	}

	email := pmEmail{
		From:          formatAddress(msg.FromName, msg.From),
		To:            formatAddress(msg.ToName, msg.To),
		ReplyTo:       msg.ReplyTo,
		Subject:       msg.Subject,
		HtmlBody:      msg.HTMLBody,
		TextBody:      msg.TextBody,
		MessageStream: p.stream,
		Metadata:      map[string]string{"message_id": msg.ID},
	}
	if msg.TrackingID != "" {
		email.Metadata["tracking_id"] = msg.TrackingID
	}
	for _, k := range sortedKeys(msg.Headers) {
		email.Headers = append(email.Headers, pmHeader{Name: k, Value: msg.Headers[k]})
	}

	_, body, err := doJSON(ctx, p.client, ProviderPostmark, http.MethodPost, p.baseURL+"/email", p.header(), email)
	if err != nil {
		return nil, p.refine(err, body)
	}

	var out pmResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: ProviderPostmark, Message: "decode response: " + err.Error(), Err: err}
	}
	if out.ErrorCode != 0 {
		return nil, p.refine(&Error{Kind: KindPermanent, Provider: ProviderPostmark, Message: out.Message}, body)
	}

	return &SendResult{
		Success:   true,
		MessageID: out.MessageID,
		Provider:  ProviderPostmark,
		SentAt:    p.now(),
	}, nil
}

// Verify fetches the server record with the token
func (p *PostmarkProvider) Verify(ctx context.Context) error {
	_, _, err := doJSON(ctx, p.client, ProviderPostmark, http.MethodGet, p.baseURL+"/server", p.header(), nil)
	return err
}

func (p *PostmarkProvider) header() http.Header {
	h := http.Header{}
	h.Set("X-Postmark-Server-Token", p.token)
	return h
}

// refine uses Postmark's own ErrorCode on 422 responses, which the HTTP
// status alone cannot distinguish
func (p *PostmarkProvider) refine(err error, body []byte) error {
	var te *Error
	if !errors.As(err, &te) || len(body) == 0 {
		return err
	}
	var out pmResponse
	if json.Unmarshal(body, &out) != nil || out.ErrorCode == 0 {
		return err
	}
	te.Code = strconv.Itoa(out.ErrorCode)
	te.Message = out.Message
	switch {
	case out.ErrorCode == 10 || out.ErrorCode == 405 || out.ErrorCode == 412:
		te.Kind = KindConfig
	case postmarkPermanentCodes[out.ErrorCode]:
		te.Kind = KindPermanent
	case out.ErrorCode == 429:
		te.Kind = KindTransient
	}
	return te
}

func formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return strconv.Quote(name) + " <" + address + ">"
}
