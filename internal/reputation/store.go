package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned for unknown identities, domains and mailboxes
	ErrNotFound = store.ErrNotFound
	// ErrCapacityExceeded is returned when a rate window is full
	ErrCapacityExceeded = errors.New("no remaining send capacity")
	// ErrUnavailable is returned when an identity is inactive or unhealthy
	ErrUnavailable = errors.New("identity is inactive or unhealthy")
	// ErrMailboxPaused is returned for quarantined or paused mailboxes
	ErrMailboxPaused = errors.New("mailbox is quarantined or paused")
)

var (
	bucketIdentities      = []byte("identities")
	bucketDomains         = []byte("domain_reputation")
	bucketMailboxes       = []byte("mailbox_reputation")
	bucketBlacklistChecks = []byte("blacklist_checks")
)

// DefaultMinHealthyScore is the score below which an identity stops being routed to
const DefaultMinHealthyScore = 10.0

// Store persists identities and reputation records in bbolt. Every
// read-modify-write happens inside a single bolt write transaction, which
// bolt serializes, so usage increments never lose updates.
type Store struct {
	db              *bolt.DB
	now             func() time.Time
	minHealthyScore float64
}

// NewStore creates the reputation buckets on db
func NewStore(db *bolt.DB) (*Store, error) {
	if err := store.EnsureBuckets(db, bucketIdentities, bucketDomains, bucketMailboxes, bucketBlacklistChecks); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now, minHealthyScore: DefaultMinHealthyScore}, nil
}

// SetMinHealthyScore overrides DefaultMinHealthyScore
func (s *Store) SetMinHealthyScore(v float64) {
	s.minHealthyScore = v
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) healthy(i *Identity) bool {
	return i.BlacklistCount == 0 && i.ReputationScore >= s.minHealthyScore
}

// SaveIdentity inserts or replaces an identity. New identities get an id
// and a starting score.
func (s *Store) SaveIdentity(ctx context.Context, i *Identity) error {
	if i.Address == "" {
		return fmt.Errorf("identity address is required")
	}
	now := s.now()
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
		i.ReputationScore = Score(ScoreInput{})
		i.Rates = ComputeRates(i.Counters)
		i.HealthStatus = Health(i.ReputationScore, i.Rates)
		i.Healthy = s.healthy(i)
	}
	if i.Kind == "" {
		i.Kind = KindIP
	}
	i.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		return store.PutJSON(tx.Bucket(bucketIdentities), i.ID, i)
	})
}

// GetIdentity returns an identity by id
func (s *Store) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	var i Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.GetJSON(tx.Bucket(bucketIdentities), id, &i)
	})
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// ListIdentities returns identities of a workspace ("" for all), ordered by id
func (s *Store) ListIdentities(ctx context.Context, workspaceID string) ([]*Identity, error) {
	var out []*Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.ForEachJSON(tx.Bucket(bucketIdentities), func(_ []byte, i *Identity) error {
			if workspaceID == "" || i.WorkspaceID == workspaceID {
				out = append(out, i)
			}
			return nil
		})
	})
	return out, err
}

// DeleteIdentity removes an identity
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// UpdateIdentity applies fn to the stored identity inside one write transaction
func (s *Store) UpdateIdentity(ctx context.Context, id string, fn func(*Identity) error) (*Identity, error) {
	var out Identity
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		if err := store.GetJSON(b, id, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.UpdatedAt = s.now()
		return store.PutJSON(b, id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IncrementUsage re-checks eligibility and caps and bumps both window
// counters and lastUsedAt in one transaction. A concurrent send that took
// the last slot makes this return ErrCapacityExceeded.
func (s *Store) IncrementUsage(ctx context.Context, id string) (*Identity, error) {
	return s.UpdateIdentity(ctx, id, func(i *Identity) error {
		if !i.Active || !i.Healthy {
			return ErrUnavailable
		}
		if !i.HasCapacity() {
			return ErrCapacityExceeded
		}
		now := s.now()
		i.CurrentPerHour++
		i.CurrentPerDay++
		i.LastUsedAt = &now
		return nil
	})
}

// ResetHourly zeroes every identity's hourly counter
func (s *Store) ResetHourly(ctx context.Context) (int, error) {
	return s.resetIdentities(func(i *Identity) bool {
		if i.CurrentPerHour == 0 {
			return false
		}
		i.CurrentPerHour = 0
		return true
	})
}

// ResetDaily zeroes every identity's daily counter and each mailbox's sent-today count
func (s *Store) ResetDaily(ctx context.Context) (int, error) {
	n, err := s.resetIdentities(func(i *Identity) bool {
		if i.CurrentPerDay == 0 {
			return false
		}
		i.CurrentPerDay = 0
		return true
	})
	if err != nil {
		return n, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMailboxes)
		var changed []*MailboxReputation
		if err := store.ForEachJSON(b, func(_ []byte, m *MailboxReputation) error {
			if m.SentToday != 0 {
				m.SentToday = 0
				changed = append(changed, m)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, m := range changed {
			if err := store.PutJSON(b, m.ID, m); err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) resetIdentities(reset func(*Identity) bool) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		var changed []*Identity
		if err := store.ForEachJSON(b, func(_ []byte, i *Identity) error {
			if reset(i) {
				changed = append(changed, i)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, i := range changed {
			if err := store.PutJSON(b, i.ID, i); err != nil {
				return err
			}
		}
		count = len(changed)
		return nil
	})
	return count, err
}

// SetHealth overrides an identity's healthy flag. Restoring health is
// refused with ErrUnavailable while the identity is listed or below the
// minimum score.
func (s *Store) SetHealth(ctx context.Context, id string, healthy bool) (*Identity, error) {
	return s.UpdateIdentity(ctx, id, func(i *Identity) error {
		if healthy && !s.healthy(i) {
			return ErrUnavailable
		}
		i.Healthy = healthy
		return nil
	})
}

// RecordBlacklistResult persists each zone result and updates the
// identity's listing fields and health. Any listed zone makes it unhealthy.
func (s *Store) RecordBlacklistResult(ctx context.Context, id string, checks []BlacklistCheck) (*Identity, error) {
	now := s.now()
	var out Identity

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		if err := store.GetJSON(b, id, &out); err != nil {
			return err
		}

		cb := tx.Bucket(bucketBlacklistChecks)
		var listed []string
		for _, c := range checks {
			c.IdentityID = id
			if c.CheckedAt.IsZero() {
				c.CheckedAt = now
			}
			k := id + "|" + store.TimeKey(c.CheckedAt) + "|" + c.Zone
			if err := store.PutJSON(cb, k, &c); err != nil {
				return err
			}
			if c.Listed {
				listed = append(listed, c.Zone)
			}
		}
		sort.Strings(listed)

		out.BlacklistCount = len(listed)
		out.BlacklistedOn = listed
		out.LastCheckedAt = &now
		out.Healthy = s.healthy(&out)
		out.UpdatedAt = now
		return store.PutJSON(b, id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBlacklistChecks returns the most recent persisted checks for an identity
func (s *Store) ListBlacklistChecks(ctx context.Context, id string, limit int) ([]*BlacklistCheck, error) {
	prefix := id + "|"
	var out []*BlacklistCheck

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlacklistChecks).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var bc BlacklistCheck
			if err := json.Unmarshal(v, &bc); err != nil {
				continue
			}
			out = append(out, &bc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
