package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/headers"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/ratelimit"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/rotation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
)

// Suppressor checks and records suppressed recipients
type Suppressor interface {
	IsSuppressed(ctx context.Context, workspaceID, email string) (bool, error)
	Suppress(ctx context.Context, workspaceID, email, reason, source string) error
}

// IdentitySelector picks a sending identity and counts the send against it
type IdentitySelector interface {
	Select(ctx context.Context, workspaceID string, hint rotation.Context) (*rotation.Selection, error)
}

// Transport sends through a named provider
type Transport interface {
	Send(ctx context.Context, provider string, msg *transport.Message) (*transport.SendResult, error)
}

// ReputationRecorder receives send outcomes and gates mailbox volume
type ReputationRecorder interface {
	ReserveMailboxSend(ctx context.Context, mailboxID string) error
	ReleaseMailboxSend(ctx context.Context, mailboxID string) error
	RecordSignal(ctx context.Context, sig reputation.Signal) error
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	BatchSize       int
	Concurrency     int
	ProcessInterval time.Duration
	SendTimeout     time.Duration

	// Retry delay is BaseRetryDelay * RetryMultiplier^attempts, capped
	BaseRetryDelay  time.Duration
	RetryMultiplier float64
	MaxRetryDelay   time.Duration

	// WorkspaceID restricts claims to one workspace when set
	WorkspaceID string
}

func (c *ProcessorConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 60 * time.Second
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 5 * time.Minute
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = 2
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 4 * time.Hour
	}
}

// Processor claims batches from the queue and sends them
type Processor struct {
	queue      Queue
	suppressor Suppressor
	selector   IdentitySelector
	transport  Transport
	reputation ReputationRecorder
	throttle   ratelimit.Throttle
	headers    *headers.Processor
	cfg        ProcessorConfig
	logger     *slog.Logger
	now        func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProcessor creates a new queue processor
func NewProcessor(q Queue, sup Suppressor, sel IdentitySelector, tr Transport, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	cfg.setDefaults()
	return &Processor{
		queue:      q,
		suppressor: sup,
		selector:   sel,
		transport:  tr,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// SetReputation attaches the reputation recorder
func (p *Processor) SetReputation(r ReputationRecorder) {
	p.reputation = r
}

// SetThrottle attaches the recipient domain throttle
func (p *Processor) SetThrottle(t ratelimit.Throttle) {
	p.throttle = t
}

// SetHeaderRules attaches the header rewriter applied before sending
func (p *Processor) SetHeaderRules(h *headers.Processor) {
	p.headers = h
}

// SetClock overrides the time source
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor",
		"workers", p.cfg.Workers,
		"batch_size", p.cfg.BatchSize,
		"concurrency", p.cfg.Concurrency,
	)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				logger.Error("failed to process batch", "error", err)
			}
		}
	}
}

// ProcessBatch claims one batch and processes it. It returns the number of
// messages claimed.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := p.queue.ClaimBatch(ctx, p.cfg.BatchSize, p.cfg.WorkspaceID)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			p.process(gctx, msg)
			return nil
		})
	}
	return len(msgs), g.Wait()
}

// process takes one claimed message to its next state. Every path ends in
// exactly one queue transition.
func (p *Processor) process(ctx context.Context, msg *Message) {
	logger := p.logger.With("message_id", msg.ID, "workspace_id", msg.WorkspaceID)
	now := p.now()

	suppressed, err := p.suppressor.IsSuppressed(ctx, msg.WorkspaceID, msg.To.Email)
	if err != nil {
		logger.Error("suppression check failed", "error", err)
		p.deferMessage(ctx, logger, msg, now.Add(p.cfg.ProcessInterval), "suppression_unavailable")
		return
	}
	if suppressed {
		if _, err := p.queue.MarkCancelled(ctx, msg.ID, "recipient suppressed"); err != nil {
			logger.Error("failed to cancel message", "error", err)
			return
		}
		metrics.IncMessagesCancelled("suppressed")
		logger.Info("message cancelled", "reason", "suppressed", "to", msg.To.Email)
		return
	}

	if !msg.SendWindow.Open(now) {
		p.deferMessage(ctx, logger, msg, msg.SendWindow.NextOpen(now), "send_window")
		return
	}

	recipientDomain := reputation.DomainOf(msg.To.Email)
	senderDomain := reputation.DomainOf(msg.From.Email)

	if p.throttle != nil {
		res, err := p.throttle.Allow(ctx, &ratelimit.Request{SenderDomain: senderDomain, RecipientDomain: recipientDomain})
		if err != nil {
			logger.Warn("throttle check failed", "error", err)
		} else if !res.Allowed {
			p.deferMessage(ctx, logger, msg, now.Add(res.RetryAfter), "throttled_"+string(res.DeniedBy))
			return
		}
	}

	reserved := false
	if p.reputation != nil {
		switch err := p.reputation.ReserveMailboxSend(ctx, msg.From.MailboxID); {
		case err == nil:
			reserved = true
		case errors.Is(err, reputation.ErrMailboxPaused):
			p.deferMessage(ctx, logger, msg, now.Add(time.Hour), "mailbox_paused")
			return
		case errors.Is(err, reputation.ErrCapacityExceeded):
			p.deferMessage(ctx, logger, msg, nextDay(now), "mailbox_daily_limit")
			return
		default:
			logger.Warn("mailbox reservation failed", "error", err)
		}
	}

	sel, err := p.selector.Select(ctx, msg.WorkspaceID, rotation.Context{
		FromDomain:      senderDomain,
		RecipientDomain: recipientDomain,
		PreferredID:     msg.IdentityID,
		Pool:            msg.Pool,
	})
	if err != nil {
		reason := "no_capacity"
		if !errors.Is(err, rotation.ErrNoCapacity) {
			logger.Error("identity selection failed", "error", err)
			reason = "selection_error"
		}
		if reserved {
			if err := p.reputation.ReleaseMailboxSend(ctx, msg.From.MailboxID); err != nil {
				logger.Warn("failed to release mailbox slot", "error", err)
			}
		}
		p.deferMessage(ctx, logger, msg, now, reason)
		return
	}
	identity := sel.Identity
	logger = logger.With("identity_id", identity.ID, "provider", identity.Provider, "rotation_reason", sel.Reason)

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	result, sendErr := p.transport.Send(sendCtx, identity.Provider, p.buildTransportMessage(msg, identity))
	cancel()

	if sendErr == nil {
		p.handleSuccess(ctx, logger, msg, identity, result)
		return
	}
	p.handleFailure(ctx, logger, msg, identity, sendErr)
}

func (p *Processor) buildTransportMessage(msg *Message, identity *reputation.Identity) *transport.Message {
	tags := map[string]string{"message_id": msg.ID, "workspace_id": msg.WorkspaceID}
	if msg.CampaignID != "" {
		tags["campaign_id"] = msg.CampaignID
	}
	return &transport.Message{
		ID:       msg.ID,
		From:     msg.From.Email,
		FromName: msg.From.Name,
		To:       msg.To.Email,
		ToName:   msg.To.Name,
		ReplyTo:  msg.ReplyTo,
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
		TextBody: msg.TextBody,
		Headers: p.headers.Apply(msg.Headers, headers.Vars{
			MessageID:    msg.ID,
			TrackingID:   msg.TrackingID,
			WorkspaceID:  msg.WorkspaceID,
			CampaignID:   msg.CampaignID,
			SenderDomain: reputation.DomainOf(msg.From.Email),
		}),
		TrackingID:    msg.TrackingID,
		Tags:          tags,
		SourceAddress: identity.Address,
	}
}

func (p *Processor) handleSuccess(ctx context.Context, logger *slog.Logger, msg *Message, identity *reputation.Identity, result *transport.SendResult) {
	out := SendOutcome{IdentityID: identity.ID, Provider: identity.Provider, At: p.now()}
	if result != nil {
		out.ProviderMessageID = result.MessageID
		if result.Provider != "" {
			out.Provider = result.Provider
		}
	}

	updated, err := p.queue.MarkSent(ctx, msg.ID, out)
	if err != nil {
		logger.Error("failed to mark message sent", "error", err)
		return
	}
	metrics.IncMessagesSent(out.Provider)
	p.record(ctx, logger, reputation.SignalSent, updated, identity.ID)

	logger.Info("message sent",
		"to", msg.To.Email,
		"provider_message_id", out.ProviderMessageID,
		"attempts", updated.Attempts,
	)
}

func (p *Processor) handleFailure(ctx context.Context, logger *slog.Logger, msg *Message, identity *reputation.Identity, sendErr error) {
	code := transport.CodeOf(sendErr)

	switch transport.KindOf(sendErr) {
	case transport.KindPermanent:
		updated, err := p.queue.MarkBounced(ctx, msg.ID, "hard", code, sendErr.Error(), true)
		if err != nil {
			logger.Error("failed to mark message bounced", "error", err)
			return
		}
		metrics.IncMessagesBounced("hard")
		if err := p.suppressor.Suppress(ctx, msg.WorkspaceID, msg.To.Email, string(suppression.ReasonHardBounce), "send:"+identity.Provider); err != nil {
			logger.Error("failed to suppress bounced recipient", "error", err)
		}
		updated.IdentityID = identity.ID
		p.record(ctx, logger, reputation.SignalBounced, updated, identity.ID)
		logger.Warn("message rejected", "to", msg.To.Email, "code", code, "error", sendErr)

	case transport.KindConfig:
		if _, err := p.queue.MarkFailed(ctx, msg.ID, code, sendErr.Error(), true); err != nil {
			logger.Error("failed to mark message failed", "error", err)
			return
		}
		metrics.IncMessagesFailed(identity.Provider)
		logger.Error("message failed", "reason", "configuration", "error", sendErr)

	default:
		next := p.now().Add(p.RetryDelay(msg.Attempts))
		updated, err := p.queue.MarkRetry(ctx, msg.ID, code, sendErr.Error(), next)
		if err != nil {
			logger.Error("failed to schedule retry", "error", err)
			return
		}
		if updated.Status == StatusFailed {
			metrics.IncMessagesFailed(identity.Provider)
			logger.Error("message failed permanently",
				"attempts", updated.Attempts,
				"max_attempts", updated.MaxAttempts,
				"error", sendErr,
			)
			return
		}
		metrics.IncMessagesDeferred("retry")
		logger.Info("message deferred",
			"attempts", updated.Attempts,
			"next_retry_at", next,
			"circuit_open", errors.Is(sendErr, transport.ErrCircuitOpen),
			"error", sendErr,
		)
	}
}

// RetryDelay returns the wait before the next attempt of a message that has
// failed attempts times before the current failure. The count is taken before
// the failure is recorded, so the first retry waits BaseRetryDelay and the nth
// waits BaseRetryDelay * RetryMultiplier^(n-1), capped at MaxRetryDelay.
func (p *Processor) RetryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseRetryDelay
	b.Multiplier = p.cfg.RetryMultiplier
	b.MaxInterval = p.cfg.MaxRetryDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *Processor) deferMessage(ctx context.Context, logger *slog.Logger, msg *Message, until time.Time, reason string) {
	if _, err := p.queue.Defer(ctx, msg.ID, until, reason); err != nil {
		logger.Error("failed to defer message", "error", err, "reason", reason)
		return
	}
	metrics.IncMessagesDeferred(reason)
	logger.Debug("message deferred", "reason", reason, "until", until)
}

func (p *Processor) record(ctx context.Context, logger *slog.Logger, t reputation.SignalType, msg *Message, identityID string) {
	if p.reputation == nil {
		return
	}
	err := p.reputation.RecordSignal(ctx, reputation.Signal{
		Type:         t,
		WorkspaceID:  msg.WorkspaceID,
		IdentityID:   identityID,
		MailboxID:    msg.From.MailboxID,
		MailboxEmail: msg.From.Email,
		Domain:       reputation.DomainOf(msg.From.Email),
		At:           p.now(),
	})
	if err != nil {
		logger.Warn("failed to record reputation signal", "type", t, "error", err)
	}
}

// RefreshGauges publishes per-status queue sizes
func (p *Processor) RefreshGauges(ctx context.Context) error {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	for _, st := range AllStatuses {
		metrics.SetQueueMessages(string(st), int(stats.ByStatus[st]))
	}
	return nil
}

func nextDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
