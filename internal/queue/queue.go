// Package queue stores outbound messages and drives them through
// suppression, identity rotation and transport.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown message ids
	ErrNotFound = errors.New("message not found")
	// ErrNotCancellable is returned when a message already left pending/scheduled
	ErrNotCancellable = errors.New("message is not cancellable")
	// ErrInvalidTransition guards the status lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Queue defines the interface for message queue operations
type Queue interface {
	// Enqueue validates and stores a new message
	Enqueue(ctx context.Context, msg *Message) error

	// ClaimBatch moves up to limit due messages to processing.
	// An empty workspaceID claims across all workspaces.
	ClaimBatch(ctx context.Context, limit int, workspaceID string) ([]*Message, error)

	// Get retrieves a message by ID
	Get(ctx context.Context, id string) (*Message, error)

	// List returns a list of messages with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Message, error)

	// Cancel cancels pending or scheduled messages
	Cancel(ctx context.Context, ids []string) ([]CancelResult, error)

	// RetryFailed resets failed messages with attempts left
	RetryFailed(ctx context.Context, workspaceID string) (int, error)

	// Outcome transitions of a claimed message
	MarkSent(ctx context.Context, id string, out SendOutcome) (*Message, error)
	MarkRetry(ctx context.Context, id string, errCode, errMsg string, nextRetryAt time.Time) (*Message, error)
	MarkFailed(ctx context.Context, id string, errCode, errMsg string, countAttempt bool) (*Message, error)
	MarkBounced(ctx context.Context, id string, bounceType, errCode, errMsg string, countAttempt bool) (*Message, error)
	MarkCancelled(ctx context.Context, id string, reason string) (*Message, error)
	Defer(ctx context.Context, id string, until time.Time, reason string) (*Message, error)

	// Delivery feedback from provider events
	FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*Message, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (*Message, error)

	// Events returns the event log of a message, oldest first
	Events(ctx context.Context, id string) ([]*Event, error)

	// Delete removes a message from the queue
	Delete(ctx context.Context, id string) error

	// Stats returns queue statistics
	Stats(ctx context.Context) (*QueueStats, error)

	// Close closes the storage connection
	Close() error
}

// SendOutcome describes a successful provider call
type SendOutcome struct {
	IdentityID        string
	Provider          string
	ProviderMessageID string
	At                time.Time
}
