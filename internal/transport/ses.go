package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// SESConfig configures the Amazon SES provider
type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
	// Endpoint overrides the regional endpoint
	Endpoint string
}

// SESAPI is the subset of the sesv2 client the provider uses
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESProvider sends through the SES v2 API
type SESProvider struct {
	client    SESAPI
	configSet string
	logger    *slog.Logger
	now       func() time.Time
}

// NewSESProvider builds an SES client. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewSESProvider(ctx context.Context, cfg SESConfig, logger *slog.Logger) (*SESProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSESProviderWithClient(client, cfg.ConfigurationSet, logger), nil
}

// NewSESProviderWithClient wraps an existing client
func NewSESProviderWithClient(client SESAPI, configSet string, logger *slog.Logger) *SESProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SESProvider{
		client:    client,
		configSet: configSet,
		logger:    logger.With("component", "ses"),
		now:       time.Now,
	}
}

// Name returns the provider name
func (p *SESProvider) Name() string { return ProviderSES }

// Send delivers msg via SendEmail
func (p *SESProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	body := &types.Body{}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}

	simple := &types.Message{
		Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
		Body:    body,
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String((&mail.Address{Name: msg.FromName, Address: msg.From}).String()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content:          &types.EmailContent{Simple: simple},
	}
	if msg.ReplyTo != "" {
		in.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if p.configSet != "" {
		in.ConfigurationSetName = aws.String(p.configSet)
	}
	if msg.TrackingID != "" {
		in.EmailTags = append(in.EmailTags, types.MessageTag{Name: aws.String("tracking_id"), Value: aws.String(msg.TrackingID)})
	}
	for _, k := range sortedKeys(msg.Tags) {
		in.EmailTags = append(in.EmailTags, types.MessageTag{Name: aws.String(k), Value: aws.String(msg.Tags[k])})
	}

	out, err := p.client.SendEmail(ctx, in)
	if err != nil {
		return nil, classifySES(err)
	}

	return &SendResult{
		Success:   true,
		MessageID: aws.ToString(out.MessageId),
		Provider:  ProviderSES,
		SentAt:    p.now(),
	}, nil
}

// Verify checks that the account is reachable and sending is enabled
func (p *SESProvider) Verify(ctx context.Context) error {
	out, err := p.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return classifySES(err)
	}
	if !out.SendingEnabled {
		return &Error{Kind: KindConfig, Provider: ProviderSES, Message: "sending is disabled for this account"}
	}
	return nil
}

func classifySES(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return classifyNet(ProviderSES, err)
	}
	e := &Error{Provider: ProviderSES, Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage(), Err: err}
	switch apiErr.ErrorCode() {
	case "MessageRejected", "BadRequestException", "NotFoundException":
		e.Kind = KindPermanent
	case "MailFromDomainNotVerifiedException", "AccountSuspendedException", "SendingPausedException",
		"AccessDeniedException", "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch":
		e.Kind = KindConfig
	default:
		e.Kind = KindTransient
	}
	return e
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
