package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/headers"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/ratelimit"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/rotation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
)

// scriptedTransport returns the queued errors in order, then succeeds
type scriptedTransport struct {
	mu     sync.Mutex
	errs   []error
	always error
	calls  []*transport.Message
}

func (s *scriptedTransport) Send(ctx context.Context, provider string, msg *transport.Message) (*transport.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msg)
	if s.always != nil {
		return nil, s.always
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &transport.SendResult{Success: true, MessageID: "pmid-" + msg.ID, Provider: provider}, nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type processorEnv struct {
	storage    *BoltStorage
	clock      *testClock
	suppressor *suppression.Store
	reputation *reputation.Store
	transport  *scriptedTransport
	processor  *Processor
	identity   *reputation.Identity
}

func newProcessorEnv(t *testing.T) *processorEnv {
	t.Helper()
	storage, clock := newTestStorage(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	sup, err := suppression.NewStore(storage.db)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := reputation.NewStore(storage.db)
	if err != nil {
		t.Fatal(err)
	}
	rep.SetClock(clock.Now)

	identity := &reputation.Identity{
		WorkspaceID: "ws-1",
		Address:     "192.0.2.10",
		Provider:    transport.ProviderSMTP,
		Active:      true,
		MaxPerDay:   100,
	}
	if err := rep.SaveIdentity(context.Background(), identity); err != nil {
		t.Fatal(err)
	}

	tr := &scriptedTransport{}
	sel := rotation.NewSelector(rep, nil, logger)
	p := NewProcessor(storage, sup, sel, tr, ProcessorConfig{
		BatchSize:       10,
		BaseRetryDelay:  5 * time.Minute,
		RetryMultiplier: 2,
		MaxRetryDelay:   time.Hour,
	}, logger)
	p.SetReputation(rep)
	p.SetClock(clock.Now)

	return &processorEnv{
		storage:    storage,
		clock:      clock,
		suppressor: sup,
		reputation: rep,
		transport:  tr,
		processor:  p,
		identity:   identity,
	}
}

func (e *processorEnv) enqueue(t *testing.T, msg *Message) {
	t.Helper()
	if err := e.storage.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func (e *processorEnv) get(t *testing.T, id string) *Message {
	t.Helper()
	msg, err := e.storage.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return msg
}

func (e *processorEnv) run(t *testing.T) int {
	t.Helper()
	n, err := e.processor.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	return n
}

func TestProcessSuppressedRecipientIsCancelled(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	if err := env.suppressor.Suppress(ctx, "", "bob@recipient.test", string(suppression.ReasonUnsubscribe), "test"); err != nil {
		t.Fatal(err)
	}
	env.enqueue(t, testMessage("m1"))

	if n := env.run(t); n != 1 {
		t.Fatalf("ProcessBatch() claimed %d, want 1", n)
	}

	msg := env.get(t, "m1")
	if msg.Status != StatusCancelled {
		t.Errorf("Status = %v, want %v", msg.Status, StatusCancelled)
	}
	if msg.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", msg.Attempts)
	}
	if env.transport.Calls() != 0 {
		t.Errorf("transport called %d times for a suppressed recipient", env.transport.Calls())
	}

	identity, _ := env.reputation.GetIdentity(ctx, env.identity.ID)
	if identity.CurrentPerDay != 0 {
		t.Errorf("identity usage = %d, want 0", identity.CurrentPerDay)
	}
}

func TestProcessRetryThenSuccess(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	timeout := &transport.Error{Kind: transport.KindTransient, Provider: "smtp", Code: "timeout", Message: "i/o timeout"}
	env.transport.errs = []error{timeout, timeout}
	env.enqueue(t, testMessage("m1"))

	env.run(t)
	msg := env.get(t, "m1")
	if msg.Status != StatusPending || msg.Attempts != 1 {
		t.Fatalf("after first failure: status %v attempts %d", msg.Status, msg.Attempts)
	}
	if want := env.clock.Now().Add(5 * time.Minute); !msg.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", msg.NextRetryAt, want)
	}

	// not due yet
	if n := env.run(t); n != 0 {
		t.Fatalf("claimed %d messages before retry time", n)
	}

	env.clock.Advance(5 * time.Minute)
	env.run(t)
	msg = env.get(t, "m1")
	if msg.Attempts != 2 {
		t.Fatalf("after second failure: attempts %d", msg.Attempts)
	}
	if want := env.clock.Now().Add(10 * time.Minute); !msg.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", msg.NextRetryAt, want)
	}

	env.clock.Advance(10 * time.Minute)
	env.run(t)
	msg = env.get(t, "m1")
	if msg.Status != StatusSent {
		t.Fatalf("Status = %v, want %v", msg.Status, StatusSent)
	}
	if msg.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", msg.Attempts)
	}
	if msg.ProviderMessageID != "pmid-m1" || msg.IdentityID != env.identity.ID {
		t.Errorf("sent message = provider id %q identity %q", msg.ProviderMessageID, msg.IdentityID)
	}
	if env.transport.Calls() != 3 {
		t.Errorf("transport calls = %d, want 3", env.transport.Calls())
	}

	identity, _ := env.reputation.GetIdentity(ctx, env.identity.ID)
	if identity.Sent != 1 {
		t.Errorf("identity sent counter = %d, want 1", identity.Sent)
	}
	if identity.CurrentPerDay != 3 {
		t.Errorf("identity usage = %d, want 3", identity.CurrentPerDay)
	}

	events, _ := env.storage.Events(ctx, "m1")
	last := events[len(events)-1]
	if last.Type != EventSent || last.IdentityID != env.identity.ID {
		t.Errorf("last event = %+v, want sent by identity", last)
	}
}

func TestProcessAttemptsNeverExceedMax(t *testing.T) {
	env := newProcessorEnv(t)
	env.transport.always = errors.New("connection refused")

	msg := testMessage("m1")
	msg.MaxAttempts = 3
	env.enqueue(t, msg)

	for i := 0; i < 6; i++ {
		env.run(t)
		env.clock.Advance(2 * time.Hour)
	}

	got := env.get(t, "m1")
	if got.Status != StatusFailed {
		t.Errorf("Status = %v, want %v", got.Status, StatusFailed)
	}
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
	if env.transport.Calls() != 3 {
		t.Errorf("transport calls = %d, want 3", env.transport.Calls())
	}
}

func TestProcessCircuitOpenIsRetried(t *testing.T) {
	env := newProcessorEnv(t)
	env.transport.errs = []error{transport.ErrCircuitOpen}
	env.enqueue(t, testMessage("m1"))

	env.run(t)
	msg := env.get(t, "m1")
	if msg.Status != StatusPending || msg.Attempts != 1 || msg.NextRetryAt == nil {
		t.Errorf("circuit open: status %v attempts %d next %v", msg.Status, msg.Attempts, msg.NextRetryAt)
	}
}

func TestProcessPermanentRejection(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	env.transport.errs = []error{&transport.Error{Kind: transport.KindPermanent, Provider: "smtp", Code: "550", Message: "no such user"}}
	env.enqueue(t, testMessage("m1"))
	env.run(t)

	msg := env.get(t, "m1")
	if msg.Status != StatusBounced || msg.BounceType != "hard" {
		t.Errorf("Status = %v bounce %q, want hard bounce", msg.Status, msg.BounceType)
	}
	if msg.ErrorCode != "550" || msg.Attempts != 1 {
		t.Errorf("ErrorCode = %q attempts %d", msg.ErrorCode, msg.Attempts)
	}

	suppressed, err := env.suppressor.IsSuppressed(ctx, "ws-1", "bob@recipient.test")
	if err != nil {
		t.Fatal(err)
	}
	if !suppressed {
		t.Error("hard bounced recipient should be suppressed")
	}
	entry, _ := env.suppressor.Lookup(ctx, "ws-1", "bob@recipient.test")
	if entry == nil || entry.Reason != suppression.ReasonHardBounce {
		t.Errorf("suppression entry = %+v, want hard_bounce", entry)
	}

	identity, _ := env.reputation.GetIdentity(ctx, env.identity.ID)
	if identity.Bounced != 1 {
		t.Errorf("identity bounced counter = %d, want 1", identity.Bounced)
	}
}

func TestProcessConfigErrorFails(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	env.transport.errs = []error{&transport.Error{Kind: transport.KindConfig, Provider: "smtp", Code: "535", Message: "authentication failed"}}
	env.enqueue(t, testMessage("m1"))
	env.run(t)

	msg := env.get(t, "m1")
	if msg.Status != StatusFailed {
		t.Errorf("Status = %v, want %v", msg.Status, StatusFailed)
	}
	if suppressed, _ := env.suppressor.IsSuppressed(ctx, "ws-1", "bob@recipient.test"); suppressed {
		t.Error("configuration errors must not suppress the recipient")
	}
}

func TestProcessNoCapacityKeepsPending(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	_, err := env.reputation.UpdateIdentity(ctx, env.identity.ID, func(i *reputation.Identity) error {
		i.MaxPerDay = 1
		i.CurrentPerDay = 1
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	env.enqueue(t, testMessage("m1"))
	env.run(t)

	msg := env.get(t, "m1")
	if msg.Status != StatusPending {
		t.Errorf("Status = %v, want %v", msg.Status, StatusPending)
	}
	if msg.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", msg.Attempts)
	}
	if env.transport.Calls() != 0 {
		t.Errorf("transport called without an identity")
	}

	// capacity returns after the daily reset
	if _, err := env.reputation.ResetDaily(ctx); err != nil {
		t.Fatal(err)
	}
	env.run(t)
	if msg := env.get(t, "m1"); msg.Status != StatusSent {
		t.Errorf("Status after reset = %v, want %v", msg.Status, StatusSent)
	}
}

func TestProcessNoCapacityKeepsMailboxAllowance(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	err := env.reputation.SaveMailbox(ctx, &reputation.MailboxReputation{
		ID:               "mb-1",
		WorkspaceID:      "ws-1",
		Email:            "alice@sender.test",
		WarmupDay:        1,
		WarmupDailyLimit: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.reputation.UpdateIdentity(ctx, env.identity.ID, func(i *reputation.Identity) error {
		i.MaxPerHour = 10
		i.CurrentPerHour = 10
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	env.enqueue(t, testMessage("m1"))
	for i := 0; i < 6; i++ {
		env.run(t)
		env.clock.Advance(10 * time.Second)
	}

	mb, err := env.reputation.GetMailbox(ctx, "mb-1")
	if err != nil {
		t.Fatal(err)
	}
	if mb.SentToday != 0 {
		t.Errorf("SentToday = %d after deferred ticks, want 0", mb.SentToday)
	}
	if env.transport.Calls() != 0 {
		t.Errorf("transport called %d times without identity capacity", env.transport.Calls())
	}

	if _, err := env.reputation.ResetHourly(ctx); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	if msg := env.get(t, "m1"); msg.Status != StatusSent {
		t.Errorf("Status after hourly reset = %v, want %v", msg.Status, StatusSent)
	}
	mb, err = env.reputation.GetMailbox(ctx, "mb-1")
	if err != nil {
		t.Fatal(err)
	}
	if mb.SentToday != 1 {
		t.Errorf("SentToday = %d after send, want 1", mb.SentToday)
	}
}

func TestProcessSendWindowDefers(t *testing.T) {
	env := newProcessorEnv(t)

	// test clock is 12:00 UTC
	msg := testMessage("m1")
	msg.SendWindow = &SendWindow{StartHour: 14, EndHour: 16, Timezone: "UTC"}
	env.enqueue(t, msg)
	env.run(t)

	got := env.get(t, "m1")
	if got.Status != StatusScheduled || got.Attempts != 0 {
		t.Fatalf("Status = %v attempts %d, want scheduled without attempt", got.Status, got.Attempts)
	}
	want := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	if !got.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, want)
	}

	env.clock.Advance(2 * time.Hour)
	env.run(t)
	if got := env.get(t, "m1"); got.Status != StatusSent {
		t.Errorf("Status inside window = %v, want %v", got.Status, StatusSent)
	}
}

func TestProcessThrottleDefers(t *testing.T) {
	env := newProcessorEnv(t)

	limiter, err := ratelimit.NewLimiter(env.storage.db, &ratelimit.Config{
		RecipientDomains: map[string]*ratelimit.LimitConfig{
			"recipient.test": {MessagesPerHour: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { limiter.Stop() })
	env.processor.SetThrottle(limiter)

	env.enqueue(t, testMessage("m1"))
	env.enqueue(t, testMessage("m2"))
	env.run(t)

	sent, deferred := 0, 0
	for _, id := range []string{"m1", "m2"} {
		msg := env.get(t, id)
		switch msg.Status {
		case StatusSent:
			sent++
		case StatusScheduled, StatusPending:
			deferred++
			if msg.Attempts != 0 {
				t.Errorf("throttled message %s counted an attempt", id)
			}
		default:
			t.Errorf("unexpected status %v for %s", msg.Status, id)
		}
	}
	if sent != 1 || deferred != 1 {
		t.Errorf("sent %d deferred %d, want 1/1", sent, deferred)
	}
}

func TestProcessQuarantinedMailboxDefers(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()

	until := env.clock.Now().Add(7 * 24 * time.Hour)
	err := env.reputation.SaveMailbox(ctx, &reputation.MailboxReputation{
		ID:          "mb-1",
		WorkspaceID: "ws-1",
		Email:       "alice@sender.test",
		Quarantine:  reputation.Quarantine{IsQuarantined: true, QuarantineUntil: &until},
	})
	if err != nil {
		t.Fatal(err)
	}

	env.enqueue(t, testMessage("m1"))
	env.run(t)

	msg := env.get(t, "m1")
	if msg.Status != StatusScheduled || msg.Attempts != 0 {
		t.Errorf("Status = %v attempts %d, want deferred", msg.Status, msg.Attempts)
	}
	if env.transport.Calls() != 0 {
		t.Error("quarantined mailbox must not send")
	}
}

func TestRetryDelay(t *testing.T) {
	p := NewProcessor(nil, nil, nil, nil, ProcessorConfig{
		BaseRetryDelay:  5 * time.Minute,
		RetryMultiplier: 2,
		MaxRetryDelay:   4 * time.Hour,
	}, slog.Default())

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{4, 80 * time.Minute},
		{10, 4 * time.Hour},
	}
	for _, tt := range tests {
		if got := p.RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestProcessAppliesHeaderRules(t *testing.T) {
	env := newProcessorEnv(t)
	env.processor.SetHeaderRules(headers.NewProcessor(&headers.Config{
		Global: []headers.Rule{
			{Action: headers.ActionRemove, Headers: []string{"X-Internal"}},
			{Action: headers.ActionAdd, Header: "List-Unsubscribe", Value: "<https://u.sender.test/{tracking_id}>"},
		},
	}))

	msg := testMessage("m1")
	msg.TrackingID = "trk-1"
	msg.Headers = map[string]string{"X-Internal": "secret", "X-Lead": "42"}
	env.enqueue(t, msg)
	env.run(t)

	if env.transport.Calls() != 1 {
		t.Fatalf("transport calls = %d, want 1", env.transport.Calls())
	}
	sent := env.transport.calls[0].Headers
	if _, ok := sent["X-Internal"]; ok {
		t.Error("X-Internal should be stripped before sending")
	}
	if sent["X-Lead"] != "42" {
		t.Error("X-Lead should be kept")
	}
	if sent["List-Unsubscribe"] != "<https://u.sender.test/trk-1>" {
		t.Errorf("List-Unsubscribe = %q", sent["List-Unsubscribe"])
	}

	stored := env.get(t, "m1")
	if stored.Headers["X-Internal"] != "secret" {
		t.Error("stored message headers should not be rewritten")
	}
}
