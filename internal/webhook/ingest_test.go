package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/queue"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
)

type ingestEnv struct {
	queue      *queue.BoltStorage
	suppressed *suppression.Store
	reputation *reputation.Store
	ingestor   *Ingestor
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIngestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "coldforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := queue.NewBoltStorage(db)
	require.NoError(t, err)
	sup, err := suppression.NewStore(db)
	require.NoError(t, err)
	rep, err := reputation.NewStore(db)
	require.NoError(t, err)

	return &ingestEnv{
		queue:      q,
		suppressed: sup,
		reputation: rep,
		ingestor:   NewIngestor(q, rep, sup, discardLogger()),
	}
}

// sent enqueues, claims and marks a message sent through provider
func (e *ingestEnv) sent(t *testing.T, id, provider, providerMessageID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.queue.Enqueue(ctx, &queue.Message{
		ID:          id,
		WorkspaceID: "ws-1",
		From:        queue.Sender{MailboxID: "mb-1", Email: "alice@sender.test"},
		To:          queue.Recipient{Email: "bob@recipient.test"},
		Subject:     "hello",
		TextBody:    "hi bob",
	}))
	claimed, err := e.queue.ClaimBatch(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = e.queue.MarkSent(ctx, id, queue.SendOutcome{
		IdentityID:        "acct-1",
		Provider:          provider,
		ProviderMessageID: providerMessageID,
		At:                time.Now(),
	})
	require.NoError(t, err)
}

func TestIngestDelivered(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()
	env.sent(t, "msg-1", transport.ProviderSendGrid, "sg-1")

	ev := Event{Type: EventDelivered, Provider: transport.ProviderSendGrid, MessageID: "sg-1", Timestamp: time.Now()}
	sum, err := env.ingestor.Ingest(ctx, []Event{ev, ev})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
	assert.Zero(t, sum.Errors)

	msg, err := env.queue.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDelivered, msg.Status)
	assert.NotNil(t, msg.DeliveredAt)

	mb, err := env.reputation.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mb.Delivered, "duplicate report is not counted twice")
}

func TestIngestHardBounce(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()
	env.sent(t, "msg-1", transport.ProviderSES, "ses-1")

	sum, err := env.ingestor.Ingest(ctx, []Event{{
		Type:           EventBounced,
		Provider:       transport.ProviderSES,
		MessageID:      "ses-1",
		RecipientEmail: "bob@recipient.test",
		BounceType:     BounceHard,
		Reason:         "550 5.1.1 user unknown",
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)

	msg, err := env.queue.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusBounced, msg.Status)
	assert.Equal(t, BounceHard, msg.BounceType)

	entry, err := env.suppressed.Lookup(ctx, "ws-1", "bob@recipient.test")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "ws-1", entry.WorkspaceID)
	assert.Equal(t, suppression.ReasonHardBounce, entry.Reason)
	assert.Equal(t, "webhook:ses", entry.Source)

	mb, err := env.reputation.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mb.Bounced)
	assert.Equal(t, 1, mb.ConsecutiveBounces)

	d, err := env.reputation.GetDomain(ctx, "ws-1", "sender.test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Bounced)
}

func TestIngestSoftBounceNotSuppressed(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()
	env.sent(t, "msg-1", transport.ProviderPostmark, "pm-1")

	_, err := env.ingestor.Ingest(ctx, []Event{{
		Type: EventBounced, Provider: transport.ProviderPostmark, MessageID: "pm-1", BounceType: BounceSoft,
	}})
	require.NoError(t, err)

	ok, err := env.suppressed.IsSuppressed(ctx, "ws-1", "bob@recipient.test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIngestComplaint(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()
	env.sent(t, "msg-1", transport.ProviderSendGrid, "sg-1")

	_, err := env.ingestor.Ingest(ctx, []Event{{Type: EventComplained, Provider: transport.ProviderSendGrid, MessageID: "sg-1"}})
	require.NoError(t, err)

	entry, err := env.suppressed.Lookup(ctx, "ws-1", "bob@recipient.test")
	require.NoError(t, err)
	require.NotNil(t, entry, "recipient falls back to the message's address")
	assert.Equal(t, suppression.ReasonComplaint, entry.Reason)

	mb, err := env.reputation.GetMailbox(ctx, "mb-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mb.Complaints)
}

func TestIngestUnmatched(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()

	sum, err := env.ingestor.Ingest(ctx, []Event{
		{Type: EventBounced, Provider: transport.ProviderSES, MessageID: "nope", RecipientEmail: "gone@recipient.test", BounceType: BounceHard},
		{Type: EventOpened, Provider: transport.ProviderSES, MessageID: "nope", RecipientEmail: "open@recipient.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Unmatched)

	entry, err := env.suppressed.Lookup(ctx, "ws-other", "gone@recipient.test")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Empty(t, entry.WorkspaceID, "unmatched hard bounces are suppressed globally")

	ok, err := env.suppressed.IsSuppressed(ctx, "ws-1", "open@recipient.test")
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingGuard struct{}

func (failingGuard) Claim(context.Context, string, string) (bool, error) {
	return false, assert.AnError
}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/webhooks/{provider}", h)
	return r
}

func postSendGrid(t *testing.T, srv http.Handler, body []byte, ts time.Time, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader(string(body)))
	req.Header.Set(SendGridSignatureHeader, Sign(secret, ts.Unix(), body))
	req.Header.Set(SendGridTimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandler(t *testing.T) {
	env := newIngestEnv(t)
	env.sent(t, "msg-1", transport.ProviderSendGrid, "sg-1")

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sg := NewSendGridAdapter(HMACConfig{Secret: "sg-secret"})
	h := NewHandler(env.ingestor, NewRedisReplayGuard(client, "", time.Minute), discardLogger(), sg)
	srv := newTestRouter(h)

	now := time.Now()
	body := []byte(`[{"email":"bob@recipient.test","timestamp":` + strconv.FormatInt(now.Unix(), 10) + `,"event":"delivered","sg_message_id":"sg-1.filter"}]`)

	rec := postSendGrid(t, srv, body, now, "sg-secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Status  string        `json:"status"`
		Summary IngestSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Summary.Processed)

	msg, err := env.queue.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDelivered, msg.Status)

	rec = postSendGrid(t, srv, body, now, "sg-secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate"`)

	rec = postSendGrid(t, srv, body, now, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postSendGrid(t, srv, body, now.Add(-time.Hour), "sg-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mailgun", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerIngestsWhenReplayGuardDown(t *testing.T) {
	env := newIngestEnv(t)
	sg := NewSendGridAdapter(HMACConfig{Secret: "sg-secret"})
	srv := newTestRouter(NewHandler(env.ingestor, failingGuard{}, discardLogger(), sg))

	now := time.Now()
	body := []byte(`[{"email":"x@recipient.test","timestamp":1,"event":"open","sg_message_id":"unknown"}]`)
	rec := postSendGrid(t, srv, body, now, "sg-secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unmatched":1`)
}

func TestHandlerBadPayload(t *testing.T) {
	env := newIngestEnv(t)
	sg := NewSendGridAdapter(HMACConfig{Secret: "sg-secret"})
	srv := newTestRouter(NewHandler(env.ingestor, nil, discardLogger(), sg))

	rec := postSendGrid(t, srv, []byte(`not json`), time.Now(), "sg-secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
