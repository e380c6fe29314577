// Package suppression keeps the standing do-not-send list consulted before every send.
package suppression

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	bolt "go.etcd.io/bbolt"
)

// Reason explains why an address is suppressed
type Reason string

const (
	ReasonHardBounce  Reason = "hard_bounce"
	ReasonSoftBounce  Reason = "soft_bounce"
	ReasonComplaint   Reason = "complaint"
	ReasonUnsubscribe Reason = "unsubscribe"
	ReasonSpamTrap    Reason = "spam_trap"
	ReasonInvalid     Reason = "invalid"
	ReasonRoleBased   Reason = "role_based"
	ReasonManual      Reason = "manual"
)

// Valid reports whether r is a known reason
func (r Reason) Valid() bool {
	switch r {
	case ReasonHardBounce, ReasonSoftBounce, ReasonComplaint, ReasonUnsubscribe,
		ReasonSpamTrap, ReasonInvalid, ReasonRoleBased, ReasonManual:
		return true
	}
	return false
}

// Entry is one suppressed address. An empty WorkspaceID means global.
type Entry struct {
	Email       string     `json:"email"`
	WorkspaceID string     `json:"workspace_id,omitempty"`
	Reason      Reason     `json:"reason"`
	Source      string     `json:"source,omitempty"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the entry blocks sends at t
func (e *Entry) ActiveAt(t time.Time) bool {
	if !e.Active {
		return false
	}
	return e.ExpiresAt == nil || t.Before(*e.ExpiresAt)
}

var bucketSuppressions = []byte("suppressions")

const globalScope = "*"

// Store is a bbolt-backed suppression list
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// NewStore creates the suppression bucket on db
func NewStore(db *bolt.DB) (*Store, error) {
	if err := store.EnsureBuckets(db, bucketSuppressions); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func key(workspaceID, email string) string {
	scope := workspaceID
	if scope == "" {
		scope = globalScope
	}
	return scope + "|" + normalize(email)
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Add inserts an entry. An existing active entry is left untouched;
// an inactive or expired one is replaced.
func (s *Store) Add(ctx context.Context, e *Entry) error {
	if e.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !e.Reason.Valid() {
		return fmt.Errorf("invalid suppression reason: %q", e.Reason)
	}

	now := s.now()
	k := key(e.WorkspaceID, e.Email)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuppressions)

		var existing Entry
		if err := store.GetJSON(b, k, &existing); err == nil && existing.ActiveAt(now) {
			return nil
		}

		entry := *e
		entry.Email = normalize(e.Email)
		entry.Active = true
		entry.CreatedAt = now
		entry.UpdatedAt = now
		return store.PutJSON(b, k, &entry)
	})
}

// Suppress is a shorthand used by the send pipeline and event ingestion
func (s *Store) Suppress(ctx context.Context, workspaceID, email, reason, source string) error {
	return s.Add(ctx, &Entry{
		Email:       email,
		WorkspaceID: workspaceID,
		Reason:      Reason(reason),
		Source:      source,
	})
}

// Lookup returns the entry blocking email for workspaceID, checking the
// workspace scope first and then the global scope.
func (s *Store) Lookup(ctx context.Context, workspaceID, email string) (*Entry, error) {
	now := s.now()
	var found *Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuppressions)
		scopes := []string{""}
		if workspaceID != "" {
			scopes = []string{workspaceID, ""}
		}
		for _, scope := range scopes {
			var e Entry
			if err := store.GetJSON(b, key(scope, email), &e); err != nil {
				continue
			}
			if e.ActiveAt(now) {
				found = &e
				return nil
			}
		}
		return nil
	})
	return found, err
}

// IsSuppressed reports whether email may not be sent to from workspaceID
func (s *Store) IsSuppressed(ctx context.Context, workspaceID, email string) (bool, error) {
	e, err := s.Lookup(ctx, workspaceID, email)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// Deactivate turns off an entry; it is the only mutation besides insert
func (s *Store) Deactivate(ctx context.Context, workspaceID, email string) error {
	k := key(workspaceID, email)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuppressions)
		var e Entry
		if err := store.GetJSON(b, k, &e); err != nil {
			return err
		}
		e.Active = false
		e.UpdatedAt = s.now()
		return store.PutJSON(b, k, &e)
	})
}

// List returns entries in a workspace scope ("" lists global entries)
func (s *Store) List(ctx context.Context, workspaceID string, includeInactive bool) ([]*Entry, error) {
	prefix := []byte(key(workspaceID, ""))
	var out []*Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSuppressions).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if !includeInactive && !e.Active {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}
