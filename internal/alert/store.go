package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
)

var (
	// ErrNotFound is returned for unknown alert ids
	ErrNotFound = errors.New("alert not found")
	// ErrAlreadyResolved is returned when resolving a resolved alert
	ErrAlreadyResolved = errors.New("alert already resolved")
)

var (
	bucketAlerts = []byte("alerts")
	// open alerts by workspace|type|entity_type|entity_id
	bucketOpen = []byte("alerts_open")
)

// Store persists alerts in bbolt
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// NewStore creates the alert buckets on db
func NewStore(db *bolt.DB) (*Store, error) {
	if err := store.EnsureBuckets(db, bucketAlerts, bucketOpen); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func openKey(a *Alert) string {
	return fmt.Sprintf("%s|%s|%s|%s", a.WorkspaceID, a.Type, a.EntityType, a.EntityID)
}

// Upsert stores a as a new alert, or folds it into the open alert for the
// same (workspace, type, entity). It reports whether a new alert was created.
func (s *Store) Upsert(ctx context.Context, a *Alert) (*Alert, bool, error) {
	now := s.now()
	var (
		out     Alert
		created bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		alerts := tx.Bucket(bucketAlerts)
		open := tx.Bucket(bucketOpen)
		key := openKey(a)

		if id := open.Get([]byte(key)); id != nil {
			if err := store.GetJSON(alerts, string(id), &out); err == nil {
				out.Severity = a.Severity
				out.Title = a.Title
				out.Message = a.Message
				out.Value = a.Value
				out.Threshold = a.Threshold
				out.Occurrences++
				out.UpdatedAt = now
				return store.PutJSON(alerts, out.ID, &out)
			}
			// dangling index entry, fall through and recreate
		}

		out = *a
		out.ID = uuid.New().String()
		out.IsResolved = false
		out.ResolvedAt = nil
		out.ResolvedBy = ""
		out.Occurrences = 1
		out.CreatedAt = now
		out.UpdatedAt = now
		created = true

		if err := store.PutJSON(alerts, out.ID, &out); err != nil {
			return err
		}
		return open.Put([]byte(key), []byte(out.ID))
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

// Resolve closes an open alert
func (s *Store) Resolve(ctx context.Context, id, by string) (*Alert, error) {
	now := s.now()
	var out Alert

	err := s.db.Update(func(tx *bolt.Tx) error {
		alerts := tx.Bucket(bucketAlerts)
		if err := store.GetJSON(alerts, id, &out); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if out.IsResolved {
			return ErrAlreadyResolved
		}
		out.IsResolved = true
		out.ResolvedAt = &now
		out.ResolvedBy = by
		out.UpdatedAt = now
		if err := store.PutJSON(alerts, out.ID, &out); err != nil {
			return err
		}
		return tx.Bucket(bucketOpen).Delete([]byte(openKey(&out)))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns an alert by id
func (s *Store) Get(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.GetJSON(tx.Bucket(bucketAlerts), id, &a)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Open returns the unresolved alert for an entity, or nil
func (s *Store) Open(ctx context.Context, workspaceID string, t Type, et EntityType, entityID string) (*Alert, error) {
	var found *Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		key := openKey(&Alert{WorkspaceID: workspaceID, Type: t, EntityType: et, EntityID: entityID})
		id := tx.Bucket(bucketOpen).Get([]byte(key))
		if id == nil {
			return nil
		}
		var a Alert
		if err := store.GetJSON(tx.Bucket(bucketAlerts), string(id), &a); err != nil {
			return nil
		}
		found = &a
		return nil
	})
	return found, err
}

// List returns alerts newest first
func (s *Store) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var out []*Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.ForEachJSON(tx.Bucket(bucketAlerts), func(_ []byte, a *Alert) error {
			switch {
			case f.WorkspaceID != "" && a.WorkspaceID != f.WorkspaceID:
			case f.Type != "" && a.Type != f.Type:
			case f.EntityID != "" && a.EntityID != f.EntityID:
			case f.UnresolvedOnly && a.IsResolved:
			default:
				out = append(out, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
