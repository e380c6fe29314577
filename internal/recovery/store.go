package recovery

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
	// ErrNotFound is returned for unknown task ids
	ErrNotFound = errors.New("recovery task not found")
	// ErrActiveTaskExists is returned when another active task covers the
	// same entity and type
	ErrActiveTaskExists = errors.New("an active recovery task already exists")
	// ErrInvalidTransition is returned for status changes the state machine forbids
	ErrInvalidTransition = errors.New("invalid recovery task transition")
)

var (
	bucketTasks = []byte("recovery_tasks")
	// active task id by workspace|entity_type|entity_id|type
	bucketActive = []byte("recovery_active")
)

// Store persists tasks in bbolt
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// NewStore creates the recovery buckets on db
func NewStore(db *bolt.DB) (*Store, error) {
	if err := store.EnsureBuckets(db, bucketTasks, bucketActive); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func activeKey(t *Task) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", t.WorkspaceID, t.EntityType, t.EntityID, t.Type))
}

// Create stores a new pending task unless an active task already covers the
// same entity and type, in which case that task is returned with created
// false.
func (s *Store) Create(ctx context.Context, t *Task) (*Task, bool, error) {
	now := s.now()
	var (
		out     Task
		created bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		active := tx.Bucket(bucketActive)
		key := activeKey(t)

		if id := active.Get(key); id != nil {
			err := store.GetJSON(tasks, string(id), &out)
			if err == nil && out.Status.Active() {
				return nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		out = *t
		out.ID = uuid.New().String()
		out.Status = StatusPending
		out.Actions = nil
		out.Result = nil
		out.Error = ""
		out.StartedAt = nil
		out.CompletedAt = nil
		out.CreatedAt = now
		out.UpdatedAt = now
		created = true

		if err := store.PutJSON(tasks, out.ID, &out); err != nil {
			return err
		}
		return active.Put(key, []byte(out.ID))
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

// Get returns a task by id
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.GetJSON(tx.Bucket(bucketTasks), id, &t)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Active returns the active task for an entity and type, or nil
func (s *Store) Active(ctx context.Context, workspaceID string, et EntityType, entityID string, typ Type) (*Task, error) {
	var found *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		key := activeKey(&Task{WorkspaceID: workspaceID, EntityType: et, EntityID: entityID, Type: typ})
		id := tx.Bucket(bucketActive).Get(key)
		if id == nil {
			return nil
		}
		var t Task
		if err := store.GetJSON(tx.Bucket(bucketTasks), string(id), &t); err != nil {
			return nil
		}
		if t.Status.Active() {
			found = &t
		}
		return nil
	})
	return found, err
}

// Update applies fn to a task in one write transaction and keeps the
// active index in step with the resulting status
func (s *Store) Update(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	var out Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		active := tx.Bucket(bucketActive)
		if err := store.GetJSON(tasks, id, &out); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.UpdatedAt = s.now()

		key := activeKey(&out)
		current := active.Get(key)
		if out.Status.Active() {
			if current != nil && string(current) != out.ID {
				var other Task
				if err := store.GetJSON(tasks, string(current), &other); err == nil && other.Status.Active() {
					return ErrActiveTaskExists
				}
			}
			if err := active.Put(key, []byte(out.ID)); err != nil {
				return err
			}
		} else if current != nil && string(current) == out.ID {
			if err := active.Delete(key); err != nil {
				return err
			}
		}
		return store.PutJSON(tasks, out.ID, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns tasks newest first
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, error) {
	var out []*Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.ForEachJSON(tx.Bucket(bucketTasks), func(_ []byte, t *Task) error {
			switch {
			case f.WorkspaceID != "" && t.WorkspaceID != f.WorkspaceID:
			case f.Type != "" && t.Type != f.Type:
			case f.Status != "" && t.Status != f.Status:
			case f.EntityID != "" && t.EntityID != f.EntityID:
			default:
				out = append(out, t)
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
