package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
)

var (
	bucketMessages    = []byte("messages")
	bucketReady       = []byte("ready")
	bucketProviderIDs = []byte("provider_message_ids")
	bucketEvents      = []byte("message_events")
)

// DefaultMaxAttempts applies when a message does not set its own
const DefaultMaxAttempts = 3

// ErrDuplicate is returned when enqueueing an id that already exists
var ErrDuplicate = errors.New("message already exists")

// BoltStorage implements Queue on bbolt.
//
// Claimable messages are indexed in the ready bucket under
// "<priority>|<due>|<id>" so that ClaimBatch walks them in
// (priority, due) order and can skip the not-yet-due tail of each priority.
type BoltStorage struct {
	db          *bolt.DB
	maxAttempts int
	now         func() time.Time
}

// NewBoltStorage creates the queue buckets in db
func NewBoltStorage(db *bolt.DB) (*BoltStorage, error) {
	if err := store.EnsureBuckets(db, bucketMessages, bucketReady, bucketProviderIDs, bucketEvents); err != nil {
		return nil, err
	}
	return &BoltStorage{db: db, maxAttempts: DefaultMaxAttempts, now: time.Now}, nil
}

// SetDefaultMaxAttempts sets MaxAttempts for messages that leave it zero
func (s *BoltStorage) SetDefaultMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// SetClock overrides the time source
func (s *BoltStorage) SetClock(now func() time.Time) {
	s.now = now
}

// MaxPriority is the highest priority the ready index can order
const MaxPriority = 9999

func readyKey(m *Message) []byte {
	p := min(max(m.Priority, 0), MaxPriority)
	return []byte(fmt.Sprintf("%04d|%s|%s", p, store.TimeKey(m.DueAt()), m.ID))
}

// splitReadyKey returns the priority and the due part of a ready key
func splitReadyKey(k []byte) (int, string, bool) {
	parts := strings.SplitN(string(k), "|", 3)
	if len(parts) != 3 {
		return 0, "", false
	}
	p, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return p, parts[1], true
}

func providerKey(provider, id string) string {
	return provider + "|" + id
}

// Enqueue validates msg and stores it as pending, or scheduled when
// ScheduledAt is in the future
func (s *BoltStorage) Enqueue(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	now := s.now()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = s.maxAttempts
	}
	if msg.ScheduledAt.IsZero() {
		msg.ScheduledAt = now
	}
	msg.Status = StatusPending
	if msg.ScheduledAt.After(now) {
		msg.Status = StatusScheduled
	}
	msg.To.Email = strings.ToLower(msg.To.Email)
	msg.Attempts = 0
	msg.NextRetryAt = nil
	msg.CreatedAt = now
	msg.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		if msgs.Get([]byte(msg.ID)) != nil {
			return ErrDuplicate
		}
		if err := store.PutJSON(msgs, msg.ID, msg); err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}
		if err := tx.Bucket(bucketReady).Put(readyKey(msg), []byte(msg.ID)); err != nil {
			return fmt.Errorf("failed to add to ready index: %w", err)
		}
		return putEvent(tx, &Event{MessageID: msg.ID, Type: EventEnqueued, At: now})
	})
}

// ClaimBatch atomically transitions up to limit due messages to processing
func (s *BoltStorage) ClaimBatch(ctx context.Context, limit int, workspaceID string) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := s.now()
	nowKey := store.TimeKey(now)
	var claimed []*Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		ready := tx.Bucket(bucketReady)
		msgs := tx.Bucket(bucketMessages)

		var drop [][]byte
		c := ready.Cursor()
		k, v := c.First()
		for k != nil && len(claimed) < limit {
			prio, due, ok := splitReadyKey(k)
			if !ok {
				drop = append(drop, bytes.Clone(k))
				k, v = c.Next()
				continue
			}
			if due > nowKey {
				// rest of this priority is in the future
				if prio >= MaxPriority {
					break
				}
				k, v = c.Seek([]byte(fmt.Sprintf("%04d|", prio+1)))
				continue
			}

			var m Message
			if err := store.GetJSON(msgs, string(v), &m); err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					return err
				}
				drop = append(drop, bytes.Clone(k))
				k, v = c.Next()
				continue
			}

			switch {
			case !m.Status.Claimable():
				drop = append(drop, bytes.Clone(k))
			case workspaceID != "" && m.WorkspaceID != workspaceID:
			case m.Attempts >= m.MaxAttempts:
				m.Status = StatusFailed
				m.UpdatedAt = now
				if err := store.PutJSON(msgs, m.ID, &m); err != nil {
					return err
				}
				drop = append(drop, bytes.Clone(k))
			default:
				m.Status = StatusProcessing
				m.ClaimedAt = &now
				m.UpdatedAt = now
				if err := store.PutJSON(msgs, m.ID, &m); err != nil {
					return err
				}
				drop = append(drop, bytes.Clone(k))
				claimed = append(claimed, &m)
			}
			k, v = c.Next()
		}

		for _, key := range drop {
			if err := ready.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	return claimed, nil
}

// update loads a message, applies fn and writes it back together with the
// index changes its new status implies, in one transaction
func (s *BoltStorage) update(id string, fn func(m *Message, now time.Time) (*Event, error)) (*Message, error) {
	var out *Message
	now := s.now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		ready := tx.Bucket(bucketReady)

		var m Message
		if err := store.GetJSON(msgs, id, &m); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		wasReady := m.Status.Claimable()
		oldKey := readyKey(&m)

		ev, err := fn(&m, now)
		if err != nil {
			return err
		}
		m.UpdatedAt = now

		if wasReady {
			if err := ready.Delete(oldKey); err != nil {
				return err
			}
		}
		if m.Status.Claimable() {
			if err := ready.Put(readyKey(&m), []byte(m.ID)); err != nil {
				return err
			}
		}
		if m.ProviderMessageID != "" {
			if err := tx.Bucket(bucketProviderIDs).Put([]byte(providerKey(m.Provider, m.ProviderMessageID)), []byte(m.ID)); err != nil {
				return err
			}
		}
		if err := store.PutJSON(msgs, m.ID, &m); err != nil {
			return err
		}
		if ev != nil {
			ev.MessageID = m.ID
			ev.At = now
			if err := putEvent(tx, ev); err != nil {
				return err
			}
		}
		out = &m
		return nil
	})
	return out, err
}

func requireStatus(m *Message, allowed ...MessageStatus) error {
	for _, st := range allowed {
		if m.Status == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, m.ID, m.Status)
}

// MarkSent records a successful send attempt
func (s *BoltStorage) MarkSent(ctx context.Context, id string, out SendOutcome) (*Message, error) {
	return s.update(id, func(m *Message, now time.Time) (*Event, error) {
		if err := requireStatus(m, StatusProcessing); err != nil {
			return nil, err
		}
		at := out.At
		if at.IsZero() {
			at = now
		}
		m.Attempts++
		m.Status = StatusSent
		m.SentAt = &at
		m.NextRetryAt = nil
		m.IdentityID = out.IdentityID
		m.Provider = out.Provider
		m.ProviderMessageID = out.ProviderMessageID
		m.ErrorCode = ""
		m.ErrorMessage = ""
		return &Event{Type: EventSent, IdentityID: out.IdentityID, Provider: out.Provider, Detail: out.ProviderMessageID}, nil
	})
}

// MarkRetry records a failed attempt. The message goes back to pending due
// at nextRetryAt, or to failed once its attempts are used up.
func (s *BoltStorage) MarkRetry(ctx context.Context, id, errCode, errMsg string, nextRetryAt time.Time) (*Message, error) {
	return s.update(id, func(m *Message, now time.Time) (*Event, error) {
		if err := requireStatus(m, StatusProcessing); err != nil {
			return nil, err
		}
		m.Attempts++
		m.ErrorCode = errCode
		m.ErrorMessage = errMsg
		if m.Attempts >= m.MaxAttempts {
			m.Status = StatusFailed
			m.NextRetryAt = nil
			return &Event{Type: EventFailed, Detail: errMsg}, nil
		}
		m.Status = StatusPending
		m.NextRetryAt = &nextRetryAt
		return &Event{Type: EventRetry, Detail: errMsg}, nil
	})
}

// MarkFailed moves a claimed message to failed without retry
func (s *BoltStorage) MarkFailed(ctx context.Context, id, errCode, errMsg string, countAttempt bool) (*Message, error) {
	return s.update(id, func(m *Message, now time.Time) (*Event, error) {
		if err := requireStatus(m, StatusProcessing); err != nil {
			return nil, err
		}
		if countAttempt {
			m.Attempts++
		}
		m.Status = StatusFailed
		m.NextRetryAt = nil
		m.ErrorCode = errCode
		m.ErrorMessage = errMsg
		return &Event{Type: EventFailed, Detail: errMsg}, nil
	})
}

// MarkBounced records a bounce, either a permanent rejection while sending
// or an asynchronous bounce reported for a sent message
func (s *BoltStorage) MarkBounced(ctx context.Context, id, bounceType, errCode, errMsg string, countAttempt bool) (*Message, error) {
	return s.update(id, func(m *Message, now time.Time) (*Event, error) {
		if err := requireStatus(m, StatusProcessing, StatusSent, StatusDelivered); err != nil {
			return nil, err
		}
		if countAttempt {
			m.Attempts++
		}
		m.Status = StatusBounced
		m.BounceType = bounceType
		m.NextRetryAt = nil
		m.ErrorCode = errCode
		m.ErrorMessage = errMsg
		return &Event{Type: EventBounced, Detail: bounceType}, nil
	})
}

// MarkCancelled cancels a claimed or waiting message
func (s *BoltStorage) MarkCancelled(ctx context.Context, id, reason string) (*Message, error) {
	return s.update(id, func(m *Message, now time.Time) (*Event, error) {
		if err := requireStatus(m, StatusProcessing, StatusPending, StatusScheduled); err != nil {
			return nil, err
		}
		m.Status = StatusCancelled
		m.NextRetryAt = nil
		m.ErrorMessage = reason
		return &Event{Type: EventCancelled, Detail: reason}, nil
	})
}

// Defer returns a claimed message to the queue due at until without
// counting an attempt
func (s *BoltStorage) Defer(ctx context.Context, id string, until time.Time, reason string) (*Message, error) {
	return s.update(id, func(m *Message, now time.Time) (*Event, error) {
		if err := requireStatus(m, StatusProcessing); err != nil {
			return nil, err
		}
		m.ClaimedAt = nil
		if until.After(now) {
			m.Status = StatusScheduled
			m.ScheduledAt = until
		} else {
			m.Status = StatusPending
		}
		return &Event{Type: EventDeferred, Detail: reason}, nil
	})
}

// MarkDelivered records a delivery confirmation. Repeats are no-ops.
func (s *BoltStorage) MarkDelivered(ctx context.Context, id string, at time.Time) (*Message, error) {
	return s.update(id, func(m *Message, now time.Time) (*Event, error) {
		if m.Status == StatusDelivered {
			return nil, nil
		}
		if err := requireStatus(m, StatusSent); err != nil {
			return nil, err
		}
		if at.IsZero() {
			at = now
		}
		m.Status = StatusDelivered
		m.DeliveredAt = &at
		return &Event{Type: EventDelivered}, nil
	})
}

// Cancel cancels each id that is still pending or scheduled
func (s *BoltStorage) Cancel(ctx context.Context, ids []string) ([]CancelResult, error) {
	results := make([]CancelResult, 0, len(ids))
	for _, id := range ids {
		_, err := s.update(id, func(m *Message, now time.Time) (*Event, error) {
			if !m.Status.Claimable() {
				return nil, ErrNotCancellable
			}
			m.Status = StatusCancelled
			m.NextRetryAt = nil
			m.ErrorMessage = "cancelled"
			return &Event{Type: EventCancelled, Detail: "cancelled by request"}, nil
		})
		r := CancelResult{ID: id, Cancelled: err == nil}
		if err != nil {
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotCancellable) {
				return results, err
			}
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

// RetryFailed resets failed messages that still have attempts left
func (s *BoltStorage) RetryFailed(ctx context.Context, workspaceID string) (int, error) {
	return s.resetWhere(func(m *Message, now time.Time) bool {
		return m.Status == StatusFailed &&
			m.Attempts < m.MaxAttempts &&
			(workspaceID == "" || m.WorkspaceID == workspaceID)
	}, "retry requested")
}

// RecoverStale returns messages stuck in processing for longer than lease
// to pending, e.g. after a crash mid-send
func (s *BoltStorage) RecoverStale(ctx context.Context, lease time.Duration) (int, error) {
	return s.resetWhere(func(m *Message, now time.Time) bool {
		return m.Status == StatusProcessing &&
			(m.ClaimedAt == nil || now.Sub(*m.ClaimedAt) > lease)
	}, "recovered stale claim")
}

func (s *BoltStorage) resetWhere(match func(*Message, time.Time) bool, reason string) (int, error) {
	now := s.now()
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		ready := tx.Bucket(bucketReady)

		var reset []*Message
		err := store.ForEachJSON(msgs, func(_ []byte, m *Message) error {
			if match(m, now) {
				reset = append(reset, m)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, m := range reset {
			m.Status = StatusPending
			m.NextRetryAt = nil
			m.ClaimedAt = nil
			m.UpdatedAt = now
			if err := store.PutJSON(msgs, m.ID, m); err != nil {
				return err
			}
			if err := ready.Put(readyKey(m), []byte(m.ID)); err != nil {
				return err
			}
			if err := putEvent(tx, &Event{MessageID: m.ID, Type: EventDeferred, Detail: reason, At: now}); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Get retrieves a message by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.GetJSON(tx.Bucket(bucketMessages), id, &msg)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindByProviderMessageID resolves a provider's message id. An empty
// provider matches any provider.
func (s *BoltStorage) FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*Message, error) {
	if providerMessageID == "" {
		return nil, ErrNotFound
	}
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviderIDs)
		if provider != "" {
			id = bytes.Clone(b.Get([]byte(providerKey(provider, providerMessageID))))
			return nil
		}
		suffix := []byte("|" + providerMessageID)
		return b.ForEach(func(k, v []byte) error {
			if id == nil && bytes.HasSuffix(k, suffix) {
				id = bytes.Clone(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, ErrNotFound
	}
	return s.Get(ctx, string(id))
}

// List returns messages newest first
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		return store.ForEachJSON(tx.Bucket(bucketMessages), func(_ []byte, m *Message) error {
			if filter.WorkspaceID != "" && m.WorkspaceID != filter.WorkspaceID {
				return nil
			}
			if filter.CampaignID != "" && m.CampaignID != filter.CampaignID {
				return nil
			}
			if filter.Status != "" && m.Status != filter.Status {
				return nil
			}
			messages = append(messages, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(messages) {
			return nil, nil
		}
		messages = messages[filter.Offset:]
	}
	if filter.Limit > 0 && len(messages) > filter.Limit {
		messages = messages[:filter.Limit]
	}
	return messages, nil
}

// Events returns the event log of a message, oldest first
func (s *BoltStorage) Events(ctx context.Context, id string) ([]*Event, error) {
	var events []*Event
	prefix := []byte(id + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			events = append(events, &ev)
		}
		return nil
	})
	return events, err
}

func putEvent(tx *bolt.Tx, ev *Event) error {
	b := tx.Bucket(bucketEvents)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s|%s|%010d", ev.MessageID, store.TimeKey(ev.At), seq)
	return store.PutJSON(b, key, ev)
}

// Delete removes a message with its index entries and events
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return deleteTx(tx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func deleteTx(tx *bolt.Tx, id string) error {
	msgs := tx.Bucket(bucketMessages)
	var m Message
	if err := store.GetJSON(msgs, id, &m); err != nil {
		return err
	}
	if m.Status.Claimable() {
		if err := tx.Bucket(bucketReady).Delete(readyKey(&m)); err != nil {
			return err
		}
	}
	if m.ProviderMessageID != "" {
		if err := tx.Bucket(bucketProviderIDs).Delete([]byte(providerKey(m.Provider, m.ProviderMessageID))); err != nil {
			return err
		}
	}

	events := tx.Bucket(bucketEvents)
	prefix := []byte(id + "|")
	var keys [][]byte
	c := events.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := events.Delete(k); err != nil {
			return err
		}
	}
	return msgs.Delete([]byte(id))
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByStatus: make(map[MessageStatus]int64)}
	now := s.now()

	err := s.db.View(func(tx *bolt.Tx) error {
		return store.ForEachJSON(tx.Bucket(bucketMessages), func(_ []byte, m *Message) error {
			stats.Total++
			stats.ByStatus[m.Status]++
			if m.Status.Claimable() && !m.DueAt().After(now) {
				stats.Ready++
			}
			return nil
		})
	})
	return stats, err
}

// CleanupTerminal deletes finished messages not updated within maxAge
func (s *BoltStorage) CleanupTerminal(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var ids []string
		err := store.ForEachJSON(tx.Bucket(bucketMessages), func(_ []byte, m *Message) error {
			if (m.Status.Terminal() || m.Status == StatusSent) && m.UpdatedAt.Before(cutoff) {
				ids = append(ids, m.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := deleteTx(tx, id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close is a no-op; the database is owned by the caller
func (s *BoltStorage) Close() error {
	return nil
}
