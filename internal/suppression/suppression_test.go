package suppression

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestWorkspaceAndGlobalScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Suppress(ctx, "ws1", "Lead@Example.com", "hard_bounce", "test"); err != nil {
		t.Fatalf("Suppress() error = %v", err)
	}
	if err := s.Suppress(ctx, "", "abuse@example.com", "role_based", "test"); err != nil {
		t.Fatalf("Suppress() error = %v", err)
	}

	tests := []struct {
		workspace string
		email     string
		want      bool
	}{
		{"ws1", "lead@example.com", true},
		{"ws1", " LEAD@example.com ", true},
		{"ws2", "lead@example.com", false},
		{"ws2", "abuse@example.com", true},
		{"", "abuse@example.com", true},
		{"ws1", "other@example.com", false},
	}

	for _, tt := range tests {
		got, err := s.IsSuppressed(ctx, tt.workspace, tt.email)
		if err != nil {
			t.Fatalf("IsSuppressed() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("IsSuppressed(%q, %q) = %v, want %v", tt.workspace, tt.email, got, tt.want)
		}
	}
}

func TestAddKeepsExistingActiveEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Suppress(ctx, "ws1", "a@example.com", "complaint", "webhook"); err != nil {
		t.Fatal(err)
	}
	if err := s.Suppress(ctx, "ws1", "a@example.com", "manual", "api"); err != nil {
		t.Fatal(err)
	}

	e, err := s.Lookup(ctx, "ws1", "a@example.com")
	if err != nil || e == nil {
		t.Fatalf("Lookup() = %v, %v", e, err)
	}
	if e.Reason != ReasonComplaint {
		t.Errorf("expected original reason complaint, got %s", e.Reason)
	}
}

func TestDeactivateAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	expires := now.Add(time.Hour)
	if err := s.Add(ctx, &Entry{Email: "soft@example.com", WorkspaceID: "ws1", Reason: ReasonSoftBounce, ExpiresAt: &expires}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsSuppressed(ctx, "ws1", "soft@example.com"); !ok {
		t.Error("expected suppressed before expiry")
	}

	now = now.Add(2 * time.Hour)
	if ok, _ := s.IsSuppressed(ctx, "ws1", "soft@example.com"); ok {
		t.Error("expected not suppressed after expiry")
	}

	if err := s.Suppress(ctx, "ws1", "x@example.com", "manual", "api"); err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(ctx, "ws1", "x@example.com"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if ok, _ := s.IsSuppressed(ctx, "ws1", "x@example.com"); ok {
		t.Error("expected deactivated entry to allow sends")
	}

	active, err := s.List(ctx, "ws1", false)
	if err != nil {
		t.Fatal(err)
	}
	all, _ := s.List(ctx, "ws1", true)
	if len(all) != 2 || len(active) != 1 {
		t.Errorf("expected 2 total and 1 active entries, got %d and %d", len(all), len(active))
	}
}

func TestInvalidReason(t *testing.T) {
	s := newTestStore(t)
	if err := s.Suppress(context.Background(), "ws1", "a@example.com", "because", "api"); err == nil {
		t.Error("expected error for invalid reason")
	}
}
