package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketRules = []byte("rotation_rules")

// Store persists rotation rules
type Store struct {
	db *bolt.DB
}

// NewStore creates the rules bucket on db
func NewStore(db *bolt.DB) (*Store, error) {
	if err := store.EnsureBuckets(db, bucketRules); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SaveRule validates and stores a rule, assigning an id to new rules
func (s *Store) SaveRule(ctx context.Context, r *Rule) error {
	if c, ok := r.Config.(DomainBasedConfig); ok {
		r.Config = c.normalized()
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return store.PutJSON(tx.Bucket(bucketRules), r.ID, r)
	})
}

// GetRule returns a rule by id
func (s *Store) GetRule(ctx context.Context, id string) (*Rule, error) {
	var r Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.GetJSON(tx.Bucket(bucketRules), id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules returns a workspace's rules ordered by priority, then id
func (s *Store) ListRules(ctx context.Context, workspaceID string) ([]*Rule, error) {
	var out []*Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var r Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt rule %s: %w", k, err)
			}
			if workspaceID == "" || r.WorkspaceID == workspaceID {
				out = append(out, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteRule removes a rule
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b.Get([]byte(id)) == nil {
			return store.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}
