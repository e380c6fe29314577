package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *Message {
	return &Message{
		ID:         "msg-1",
		From:       "alice@sender.test",
		FromName:   "Alice",
		To:         "bob@example.com",
		Subject:    "Quick question",
		HTMLBody:   "<p>Hi Bob</p>",
		TextBody:   "Hi Bob",
		TrackingID: "trk-1",
		Headers:    map[string]string{"List-Unsubscribe": "<mailto:unsub@sender.test>"},
	}
}

func TestSendGridSend(t *testing.T) {
	mt := httpmock.NewMockTransport()
	client := &http.Client{Transport: mt}

	var got sgMail
	mt.RegisterResponder(http.MethodPost, "https://api.sendgrid.test/v3/mail/send",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer sg-key", req.Header.Get("Authorization"))
			body, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(body, &got))
			resp := httpmock.NewStringResponse(http.StatusAccepted, "")
			resp.Header.Set("X-Message-Id", "sg-123")
			return resp, nil
		})

	p := NewSendGridProvider(SendGridConfig{APIKey: "sg-key", BaseURL: "https://api.sendgrid.test", HTTPClient: client}, testLogger())
	res, err := p.Send(context.Background(), testMessage())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "sg-123", res.MessageID)
	assert.Equal(t, ProviderSendGrid, res.Provider)

	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "bob@example.com", got.Personalizations[0].To[0].Email)
	assert.Equal(t, "trk-1", got.Personalizations[0].CustomArgs["tracking_id"])
	require.Len(t, got.Content, 2)
	assert.Equal(t, "text/plain", got.Content[0].Type)
	assert.Equal(t, "text/html", got.Content[1].Type)
}

func TestSendGridErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   ErrorKind
	}{
		{"server error", http.StatusBadGateway, KindTransient},
		{"rate limited", http.StatusTooManyRequests, KindTransient},
		{"bad request", http.StatusBadRequest, KindPermanent},
		{"bad key", http.StatusUnauthorized, KindConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := httpmock.NewMockTransport()
			mt.RegisterResponder(http.MethodPost, "https://api.sendgrid.test/v3/mail/send",
				httpmock.NewStringResponder(tt.status, `{"errors":[{"message":"nope"}]}`))

			p := NewSendGridProvider(SendGridConfig{APIKey: "k", BaseURL: "https://api.sendgrid.test", HTTPClient: &http.Client{Transport: mt}}, testLogger())
			_, err := p.Send(context.Background(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestSendGridMissingKey(t *testing.T) {
	p := NewSendGridProvider(SendGridConfig{}, testLogger())
	_, err := p.Send(context.Background(), testMessage())
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestPostmarkSend(t *testing.T) {
	mt := httpmock.NewMockTransport()

	var got pmEmail
	mt.RegisterResponder(http.MethodPost, "https://api.postmark.test/email",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "pm-token", req.Header.Get("X-Postmark-Server-Token"))
			body, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(body, &got))
			return httpmock.NewStringResponse(http.StatusOK,
				`{"To":"bob@example.com","ErrorCode":0,"Message":"OK","MessageID":"pm-42"}`), nil
		})
	mt.RegisterResponder(http.MethodGet, "https://api.postmark.test/server",
		httpmock.NewStringResponder(http.StatusOK, `{"ID":1}`))

	p := NewPostmarkProvider(PostmarkConfig{ServerToken: "pm-token", BaseURL: "https://api.postmark.test", HTTPClient: &http.Client{Transport: mt}}, testLogger())
	res, err := p.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "pm-42", res.MessageID)

	assert.Equal(t, `"Alice" <alice@sender.test>`, got.From)
	assert.Equal(t, "outbound", got.MessageStream)
	assert.Equal(t, "msg-1", got.Metadata["message_id"])
	require.Len(t, got.Headers, 1)
	assert.Equal(t, "List-Unsubscribe", got.Headers[0].Name)

	assert.NoError(t, p.Verify(context.Background()))
}

func TestPostmarkErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want ErrorKind
	}{
		{"inactive recipient", `{"ErrorCode":406,"Message":"You tried to send to a recipient that has been marked as inactive."}`, KindPermanent},
		{"bad token", `{"ErrorCode":10,"Message":"Bad or missing Server API token."}`, KindConfig},
		{"invalid email", `{"ErrorCode":300,"Message":"Invalid email request"}`, KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := httpmock.NewMockTransport()
			mt.RegisterResponder(http.MethodPost, "https://api.postmark.test/email",
				httpmock.NewStringResponder(http.StatusUnprocessableEntity, tt.body))

			p := NewPostmarkProvider(PostmarkConfig{ServerToken: "t", BaseURL: "https://api.postmark.test", HTTPClient: &http.Client{Transport: mt}}, testLogger())
			_, err := p.Send(context.Background(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	id := "ses-1"
	return &sesv2.SendEmailOutput{MessageId: &id}, nil
}

func (f *fakeSES) GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error) {
	return &sesv2.GetAccountOutput{SendingEnabled: true}, nil
}

func TestSESSend(t *testing.T) {
	api := &fakeSES{}
	p := NewSESProviderWithClient(api, "cold", testLogger())

	res, err := p.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-1", res.MessageID)

	require.NotNil(t, api.in)
	assert.Equal(t, []string{"bob@example.com"}, api.in.Destination.ToAddresses)
	assert.Equal(t, "cold", *api.in.ConfigurationSetName)
	assert.Equal(t, "Hi Bob", *api.in.Content.Simple.Body.Text.Data)
	require.NotEmpty(t, api.in.EmailTags)
	assert.Equal(t, "tracking_id", *api.in.EmailTags[0].Name)

	assert.NoError(t, p.Verify(context.Background()))
}

func TestSESErrorClassification(t *testing.T) {
	tests := []struct {
		code string
		want ErrorKind
	}{
		{"MessageRejected", KindPermanent},
		{"MailFromDomainNotVerifiedException", KindConfig},
		{"TooManyRequestsException", KindTransient},
		{"InternalFailure", KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			p := NewSESProviderWithClient(&fakeSES{err: &smithy.GenericAPIError{Code: tt.code, Message: "x"}}, "", testLogger())
			_, err := p.Send(context.Background(), testMessage())
			assert.Equal(t, tt.want, KindOf(err))
		})
	}

	p := NewSESProviderWithClient(&fakeSES{err: errors.New("dial tcp: i/o timeout")}, "", testLogger())
	_, err := p.Send(context.Background(), testMessage())
	assert.True(t, IsTransient(err))
}
