package rotation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memIdentities is an in-memory IdentityStore for high-volume tests
type memIdentities struct {
	mu         sync.Mutex
	identities map[string]*reputation.Identity
	failOnce   map[string]bool
}

func newMemIdentities(ids ...*reputation.Identity) *memIdentities {
	m := &memIdentities{identities: make(map[string]*reputation.Identity), failOnce: make(map[string]bool)}
	for _, i := range ids {
		m.identities[i.ID] = i
	}
	return m
}

func (m *memIdentities) ListIdentities(ctx context.Context, workspaceID string) ([]*reputation.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*reputation.Identity
	for _, i := range m.identities {
		cp := *i
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memIdentities) IncrementUsage(ctx context.Context, id string) (*reputation.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.identities[id]
	if !ok {
		return nil, reputation.ErrNotFound
	}
	if m.failOnce[id] {
		delete(m.failOnce, id)
		return nil, reputation.ErrCapacityExceeded
	}
	if !i.HasCapacity() {
		return nil, reputation.ErrCapacityExceeded
	}
	i.CurrentPerHour++
	i.CurrentPerDay++
	now := time.Now()
	i.LastUsedAt = &now
	cp := *i
	return &cp, nil
}

type staticRules []*Rule

func (r staticRules) ListRules(ctx context.Context, workspaceID string) ([]*Rule, error) {
	return r, nil
}

func identity(id string) *reputation.Identity {
	return &reputation.Identity{ID: id, Address: "192.0.2.1", Active: true, Healthy: true}
}

func TestWeightedSelectionConverges(t *testing.T) {
	ids := newMemIdentities(identity("A"), identity("B"))
	rules := staticRules{{ID: "w", Active: true, Priority: 1, Config: WeightedConfig{Weights: map[string]int{"A": 70, "B": 30}}}}

	s := NewSelector(ids, rules, testLogger())
	s.SetRand(rand.New(rand.NewPCG(42, 7)))

	const trials = 10000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		sel, err := s.Select(context.Background(), "ws1", Context{})
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if sel.Reason != ReasonWeighted {
			t.Fatalf("expected weighted reason, got %s", sel.Reason)
		}
		counts[sel.Identity.ID]++
	}

	share := float64(counts["A"]) / trials
	if share < 0.67 || share > 0.73 {
		t.Errorf("expected A share near 0.70, got %.3f (%v)", share, counts)
	}
}

func TestSelectSkipsIdentityThatLostRace(t *testing.T) {
	a, b := identity("A"), identity("B")
	ids := newMemIdentities(a, b)
	ids.failOnce["A"] = true

	s := NewSelector(ids, nil, testLogger())
	sel, err := s.Select(context.Background(), "ws1", Context{PreferredID: "A"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Identity.ID != "B" {
		t.Errorf("expected fallback to B, got %s", sel.Identity.ID)
	}
}

func TestRuleEvaluation(t *testing.T) {
	mk := func() *memIdentities {
		a, b, c := identity("A"), identity("B"), identity("C")
		a.Priority, b.Priority, c.Priority = 3, 1, 2
		c.Healthy = false
		return newMemIdentities(a, b, c)
	}

	tests := []struct {
		name       string
		rules      staticRules
		hint       Context
		wantID     string
		wantReason string
	}{
		{
			name:       "preferred wins over rules",
			rules:      staticRules{{ID: "f", Active: true, Config: FailoverConfig{}}},
			hint:       Context{PreferredID: "A"},
			wantID:     "A",
			wantReason: ReasonPreferred,
		},
		{
			name:       "unhealthy preferred falls through",
			rules:      staticRules{{ID: "f", Active: true, Config: FailoverConfig{}}},
			hint:       Context{PreferredID: "C"},
			wantID:     "B",
			wantReason: ReasonFailover,
		},
		{
			name:       "domain based",
			rules:      staticRules{{ID: "d", Active: true, Config: DomainBasedConfig{Domains: map[string]string{"acme.io": "A"}}}},
			hint:       Context{FromDomain: "ACME.io"},
			wantID:     "A",
			wantReason: ReasonDomainBased,
		},
		{
			name: "recipient pattern in order",
			rules: staticRules{{ID: "r", Active: true, Config: RecipientBasedConfig{Patterns: []RecipientPattern{
				{Pattern: "*.edu", IdentityID: "A"},
				{Pattern: "gmail.*", IdentityID: "B"},
				{Pattern: "*", IdentityID: "A"},
			}}}},
			hint:       Context{RecipientDomain: "gmail.com"},
			wantID:     "B",
			wantReason: ReasonRecipientBased,
		},
		{
			name: "first matching rule by priority",
			rules: staticRules{
				{ID: "d", Priority: 1, Active: true, Config: DomainBasedConfig{Domains: map[string]string{"other.io": "A"}}},
				{ID: "f", Priority: 2, Active: true, Config: FailoverConfig{}},
			},
			hint:       Context{FromDomain: "acme.io"},
			wantID:     "B",
			wantReason: ReasonFailover,
		},
		{
			name:       "inactive rule ignored",
			rules:      staticRules{{ID: "d", Active: false, Config: DomainBasedConfig{Domains: map[string]string{"acme.io": "A"}}}},
			hint:       Context{FromDomain: "acme.io"},
			wantID:     "A",
			wantReason: ReasonDefault,
		},
		{
			name:       "pinned failover order",
			rules:      staticRules{{ID: "f", Active: true, Config: FailoverConfig{IdentityIDs: []string{"C", "A", "B"}}}},
			wantID:     "A",
			wantReason: ReasonFailover,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSelector(mk(), tt.rules, testLogger())
			sel, err := s.Select(context.Background(), "ws1", tt.hint)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if sel.Identity.ID != tt.wantID || sel.Reason != tt.wantReason {
				t.Errorf("got %s (%s), want %s (%s)", sel.Identity.ID, sel.Reason, tt.wantID, tt.wantReason)
			}
		})
	}
}

func newBoltSelector(t *testing.T) (*Selector, *reputation.Store, *Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reps, err := reputation.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return NewSelector(reps, rules, testLogger()), reps, rules
}

func TestSelectNeverExceedsCaps(t *testing.T) {
	s, reps, _ := newBoltSelector(t)
	ctx := context.Background()

	for _, addr := range []string{"192.0.2.1", "192.0.2.2"} {
		if err := reps.SaveIdentity(ctx, &reputation.Identity{WorkspaceID: "ws1", Address: addr, Active: true, MaxPerHour: 3, MaxPerDay: 100}); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, noCap := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Select(ctx, "ws1", Context{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrNoCapacity):
				noCap++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 6 || noCap != 4 {
		t.Errorf("expected 6 selections and 4 no-capacity, got %d and %d", ok, noCap)
	}

	all, _ := reps.ListIdentities(ctx, "ws1")
	for _, i := range all {
		if i.CurrentPerHour > i.MaxPerHour {
			t.Errorf("identity %s exceeded cap: %d > %d", i.ID, i.CurrentPerHour, i.MaxPerHour)
		}
	}
}

func TestRoundRobinRotatesByLastUse(t *testing.T) {
	s, reps, rules := newBoltSelector(t)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reps.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	for _, addr := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"} {
		reps.SaveIdentity(ctx, &reputation.Identity{WorkspaceID: "ws1", Address: addr, Active: true})
	}
	if err := rules.SaveRule(ctx, &Rule{WorkspaceID: "ws1", Name: "rr", Active: true, Config: RoundRobinConfig{}}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		sel, err := s.Select(ctx, "ws1", Context{})
		if err != nil {
			t.Fatal(err)
		}
		if sel.Reason != ReasonRoundRobin {
			t.Errorf("expected round_robin reason, got %s", sel.Reason)
		}
		seen[sel.Identity.Address]++
	}
	for addr, n := range seen {
		if n != 2 {
			t.Errorf("expected %s to be used twice, got %d", addr, n)
		}
	}
}

func TestNoIdentities(t *testing.T) {
	s := NewSelector(newMemIdentities(), nil, testLogger())
	if _, err := s.Select(context.Background(), "ws1", Context{}); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}
}

func TestDomainRuleMatchesMixedCaseKey(t *testing.T) {
	s, reps, rules := newBoltSelector(t)
	ctx := context.Background()

	a := &reputation.Identity{ID: "A", WorkspaceID: "ws1", Address: "192.0.2.1", Active: true, Priority: 5, MaxPerHour: 10}
	b := &reputation.Identity{ID: "B", WorkspaceID: "ws1", Address: "192.0.2.2", Active: true, Priority: 1, MaxPerHour: 10}
	for _, i := range []*reputation.Identity{a, b} {
		if err := reps.SaveIdentity(ctx, i); err != nil {
			t.Fatal(err)
		}
	}
	rule := &Rule{WorkspaceID: "ws1", Name: "by-domain", Active: true, Config: DomainBasedConfig{Domains: map[string]string{" Example.COM": "A"}}}
	if err := rules.SaveRule(ctx, rule); err != nil {
		t.Fatal(err)
	}

	stored, err := rules.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := stored.Config.(DomainBasedConfig).Domains["example.com"]; got != "A" {
		t.Errorf("stored domains = %v, want lower-cased key", stored.Config)
	}

	sel, err := s.Select(ctx, "ws1", Context{FromDomain: "example.com"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Identity.ID != "A" || sel.Reason != ReasonDomainBased {
		t.Errorf("got %s (%s), want A (%s)", sel.Identity.ID, sel.Reason, ReasonDomainBased)
	}
}
