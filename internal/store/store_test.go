package store

import (
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if err := EnsureBuckets(db, []byte("a"), []byte("b")); err != nil {
		t.Fatalf("EnsureBuckets() error = %v", err)
	}
	// Idempotent
	if err := EnsureBuckets(db, []byte("a")); err != nil {
		t.Fatalf("EnsureBuckets() second call error = %v", err)
	}
}

func TestJSONHelpers(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	bucket := []byte("records")
	if err := EnsureBuckets(db, bucket); err != nil {
		t.Fatal(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if err := PutJSON(b, "one", &record{Name: "one", Count: 1}); err != nil {
			return err
		}
		return PutJSON(b, "two", &record{Name: "two", Count: 2})
	})
	if err != nil {
		t.Fatalf("PutJSON error = %v", err)
	}

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		var r record
		if err := GetJSON(b, "two", &r); err != nil {
			return err
		}
		if r.Count != 2 {
			t.Errorf("expected count 2, got %d", r.Count)
		}
		if err := GetJSON(b, "missing", &r); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		var names []string
		err := ForEachJSON(b, func(_ []byte, r *record) error {
			names = append(names, r.Name)
			return nil
		})
		if len(names) != 2 {
			t.Errorf("expected 2 records, got %d", len(names))
		}
		return err
	})
	if err != nil {
		t.Fatalf("View error = %v", err)
	}
}

func TestTimeKeySortsChronologically(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(90 * time.Minute),
		base.Add(time.Nanosecond),
		base,
		base.Add(10 * time.Hour),
	}

	keys := make([]string, len(times))
	for i, ts := range times {
		keys[i] = TimeKey(ts)
	}
	sort.Strings(keys)

	if keys[0] != TimeKey(base) || keys[3] != TimeKey(base.Add(10*time.Hour)) {
		t.Errorf("unexpected key order: %v", keys)
	}
	for _, k := range keys {
		if len(k) != len(keys[0]) {
			t.Errorf("expected fixed width keys, got %q", k)
		}
	}
}
