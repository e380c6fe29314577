package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/queue"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
)

// MessageStore resolves and updates the queued message an event refers to
type MessageStore interface {
	FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*queue.Message, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (*queue.Message, error)
	MarkBounced(ctx context.Context, id, bounceType, errCode, errMsg string, countAttempt bool) (*queue.Message, error)
}

// SignalRecorder bumps reputation counters
type SignalRecorder interface {
	RecordSignal(ctx context.Context, sig reputation.Signal) error
}

// Suppressor adds suppression entries
type Suppressor interface {
	Suppress(ctx context.Context, workspaceID, email, reason, source string) error
}

// IngestSummary counts what an Ingest call did
type IngestSummary struct {
	Processed int `json:"processed"`
	Unmatched int `json:"unmatched"`
	Errors    int `json:"errors"`
}

// Ingestor applies canonical events to the stores
type Ingestor struct {
	messages   MessageStore
	reputation SignalRecorder
	suppressor Suppressor
	logger     *slog.Logger
}

// NewIngestor creates an ingestor
func NewIngestor(messages MessageStore, rep SignalRecorder, sup Suppressor, logger *slog.Logger) *Ingestor {
	return &Ingestor{messages: messages, reputation: rep, suppressor: sup, logger: logger}
}

// Ingest applies each event. A failing event is logged and counted; the
// rest still run.
func (in *Ingestor) Ingest(ctx context.Context, events []Event) (*IngestSummary, error) {
	sum := &IngestSummary{}
	for i := range events {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ev := &events[i]
		metrics.IncWebhookEvents(ev.Provider, string(ev.Type))

		matched, err := in.apply(ctx, ev)
		switch {
		case err != nil:
			sum.Errors++
			in.logger.Error("failed to ingest event",
				"provider", ev.Provider,
				"event_type", ev.Type,
				"provider_message_id", ev.MessageID,
				"error", err,
			)
		case !matched:
			sum.Unmatched++
		default:
			sum.Processed++
		}
	}
	return sum, nil
}

func (in *Ingestor) apply(ctx context.Context, ev *Event) (bool, error) {
	msg, err := in.messages.FindByProviderMessageID(ctx, ev.Provider, ev.MessageID)
	if errors.Is(err, queue.ErrNotFound) {
		// an invalid address is invalid everywhere
		if ev.Type == EventBounced && ev.BounceType == BounceHard && ev.RecipientEmail != "" {
			if err := in.suppress(ctx, "", ev, suppression.ReasonHardBounce); err != nil {
				return false, err
			}
		}
		in.logger.Debug("event for unknown message", "provider", ev.Provider, "provider_message_id", ev.MessageID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve message: %w", err)
	}

	logger := in.logger.With("message_id", msg.ID, "event_type", ev.Type)
	recipient := ev.RecipientEmail
	if recipient == "" {
		recipient = msg.To.Email
		ev.RecipientEmail = recipient
	}

	switch ev.Type {
	case EventDelivered:
		if msg.Status == queue.StatusDelivered {
			return true, nil
		}
		if _, err := in.messages.MarkDelivered(ctx, msg.ID, ev.Timestamp); err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
			return true, fmt.Errorf("failed to mark delivered: %w", err)
		}
		return true, in.signal(ctx, msg, reputation.SignalDelivered)

	case EventBounced:
		if msg.Status == queue.StatusBounced {
			// duplicate report for a bounce already counted
			return true, nil
		}
		if _, err := in.messages.MarkBounced(ctx, msg.ID, ev.BounceType, "", ev.Reason, false); err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
			return true, fmt.Errorf("failed to mark bounced: %w", err)
		}
		metrics.IncMessagesBounced(ev.BounceType)
		if ev.BounceType == BounceHard {
			if err := in.suppress(ctx, msg.WorkspaceID, ev, suppression.ReasonHardBounce); err != nil {
				return true, err
			}
		}
		logger.Info("bounce recorded", "bounce_type", ev.BounceType, "reason", ev.Reason)
		return true, in.signal(ctx, msg, reputation.SignalBounced)

	case EventComplained:
		if err := in.suppress(ctx, msg.WorkspaceID, ev, suppression.ReasonComplaint); err != nil {
			return true, err
		}
		logger.Warn("complaint recorded")
		return true, in.signal(ctx, msg, reputation.SignalComplaint)

	case EventUnsubscribed:
		return true, in.suppress(ctx, msg.WorkspaceID, ev, suppression.ReasonUnsubscribe)

	case EventOpened:
		return true, in.signal(ctx, msg, reputation.SignalOpened)

	case EventClicked:
		return true, in.signal(ctx, msg, reputation.SignalClicked)

	case EventDeferred:
		logger.Info("provider deferred delivery", "reason", ev.Reason)
		return true, nil
	}
	return true, fmt.Errorf("unsupported event type %q", ev.Type)
}

func (in *Ingestor) suppress(ctx context.Context, workspaceID string, ev *Event, reason suppression.Reason) error {
	if err := in.suppressor.Suppress(ctx, workspaceID, ev.RecipientEmail, string(reason), "webhook:"+ev.Provider); err != nil {
		return fmt.Errorf("failed to suppress recipient: %w", err)
	}
	return nil
}

func (in *Ingestor) signal(ctx context.Context, msg *queue.Message, t reputation.SignalType) error {
	if in.reputation == nil {
		return nil
	}
	err := in.reputation.RecordSignal(ctx, reputation.Signal{
		Type:         t,
		WorkspaceID:  msg.WorkspaceID,
		IdentityID:   msg.IdentityID,
		MailboxID:    msg.From.MailboxID,
		MailboxEmail: msg.From.Email,
		Domain:       reputation.DomainOf(msg.From.Email),
	})
	if err != nil {
		return fmt.Errorf("failed to record %s signal: %w", t, err)
	}
	return nil
}
