// Package store opens the embedded bbolt database shared by the queue,
// reputation, rotation, suppression, alert and recovery stores.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a keyed record does not exist
var ErrNotFound = errors.New("record not found")

// Open opens (creating if needed) the bbolt database at path
func Open(path string) (*bolt.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// EnsureBuckets creates the named top-level buckets in one transaction
func EnsureBuckets(db *bolt.DB, names ...[]byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// PutJSON marshals v and stores it under key
func PutJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

// GetJSON loads key into v. It returns ErrNotFound when the key is absent.
func GetJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// ForEachJSON decodes every value of b into a fresh T and calls fn.
// Records that fail to decode are skipped.
func ForEachJSON[T any](b *bolt.Bucket, fn func(key []byte, v *T) error) error {
	return b.ForEach(func(k, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
		return fn(k, &v)
	})
}

// TimeKey formats t as a fixed-width, lexicographically sortable UTC key part
func TimeKey(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000")
}
