package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
)

// ErrNoCapacity means no identity is active, healthy and under its caps.
// The caller leaves the message pending for a later tick.
var ErrNoCapacity = errors.New("no sending identity with remaining capacity")

// Selection reasons
const (
	ReasonPreferred      = "preferred"
	ReasonDomainBased    = "domain_based"
	ReasonRecipientBased = "recipient_based"
	ReasonWeighted       = "weighted"
	ReasonFailover       = "failover"
	ReasonRoundRobin     = "round_robin"
	ReasonDefault        = "least_recently_used"
)

// IdentityStore is the part of the reputation store the selector needs
type IdentityStore interface {
	ListIdentities(ctx context.Context, workspaceID string) ([]*reputation.Identity, error)
	IncrementUsage(ctx context.Context, id string) (*reputation.Identity, error)
}

// RuleSource lists rules ordered by ascending priority
type RuleSource interface {
	ListRules(ctx context.Context, workspaceID string) ([]*Rule, error)
}

// Context carries per-message routing hints
type Context struct {
	FromDomain      string
	RecipientDomain string
	PreferredID     string
	Pool            string
}

// Selection is the chosen identity with its usage already counted
type Selection struct {
	Identity *reputation.Identity
	Reason   string
	RuleID   string
}

// Selector chooses sending identities
type Selector struct {
	identities IdentityStore
	rules      RuleSource
	logger     *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSelector creates a selector with a time-seeded random source
func NewSelector(identities IdentityStore, rules RuleSource, logger *slog.Logger) *Selector {
	seed := uint64(time.Now().UnixNano())
	return &Selector{
		identities: identities,
		rules:      rules,
		logger:     logger,
		rnd:        rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// SetRand replaces the random source used for weighted draws
func (s *Selector) SetRand(r *rand.Rand) {
	s.mu.Lock()
	s.rnd = r
	s.mu.Unlock()
}

// Select picks an identity and atomically counts the send against its
// rate windows. When a concurrent send takes the last slot of the chosen
// identity, that identity is dropped and selection runs again.
func (s *Selector) Select(ctx context.Context, workspaceID string, hint Context) (*Selection, error) {
	all, err := s.identities.ListIdentities(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	var rules []*Rule
	if s.rules != nil {
		if rules, err = s.rules.ListRules(ctx, workspaceID); err != nil {
			return nil, fmt.Errorf("failed to list rotation rules: %w", err)
		}
	}

	excluded := make(map[string]bool)
	for attempt := 0; attempt <= len(all); attempt++ {
		eligible := filterEligible(all, hint.Pool, excluded)
		if len(eligible) == 0 {
			break
		}

		chosen, reason, ruleID := s.choose(eligible, rules, hint)

		updated, err := s.identities.IncrementUsage(ctx, chosen.ID)
		if err != nil {
			if errors.Is(err, reputation.ErrCapacityExceeded) || errors.Is(err, reputation.ErrUnavailable) || errors.Is(err, reputation.ErrNotFound) {
				s.logger.Debug("identity lost capacity during selection", "identity_id", chosen.ID, "error", err)
				excluded[chosen.ID] = true
				continue
			}
			return nil, fmt.Errorf("failed to increment usage: %w", err)
		}

		metrics.IncRotationSelections(reason)
		s.logger.Debug("identity selected",
			"identity_id", updated.ID,
			"address", updated.Address,
			"reason", reason,
			"rule_id", ruleID,
		)
		return &Selection{Identity: updated, Reason: reason, RuleID: ruleID}, nil
	}

	metrics.IncRotationNoCapacity()
	return nil, ErrNoCapacity
}

func filterEligible(all []*reputation.Identity, pool string, excluded map[string]bool) []*reputation.Identity {
	var out []*reputation.Identity
	for _, i := range all {
		if excluded[i.ID] || !i.Eligible() {
			continue
		}
		if pool != "" && i.Pool != pool {
			continue
		}
		out = append(out, i)
	}
	return out
}

// choose evaluates preferred, then rules in priority order, then the LRU default
func (s *Selector) choose(eligible []*reputation.Identity, rules []*Rule, hint Context) (*reputation.Identity, string, string) {
	byID := make(map[string]*reputation.Identity, len(eligible))
	for _, i := range eligible {
		byID[i.ID] = i
	}

	if hint.PreferredID != "" {
		if i, ok := byID[hint.PreferredID]; ok {
			return i, ReasonPreferred, ""
		}
	}

	for _, r := range rules {
		if !r.Active {
			continue
		}
		if i := s.apply(r, eligible, byID, hint); i != nil {
			return i, string(r.Type()), r.ID
		}
	}

	return leastRecentlyUsed(eligible), ReasonDefault, ""
}

func (s *Selector) apply(r *Rule, eligible []*reputation.Identity, byID map[string]*reputation.Identity, hint Context) *reputation.Identity {
	switch c := r.Config.(type) {
	case DomainBasedConfig:
		if hint.FromDomain == "" {
			return nil
		}
		return byID[c.Domains[strings.ToLower(hint.FromDomain)]]

	case RecipientBasedConfig:
		if hint.RecipientDomain == "" {
			return nil
		}
		domain := strings.ToLower(hint.RecipientDomain)
		for _, p := range c.Patterns {
			ok, err := path.Match(strings.ToLower(p.Pattern), domain)
			if err != nil || !ok {
				continue
			}
			if i, found := byID[p.IdentityID]; found {
				return i
			}
		}
		return nil

	case WeightedConfig:
		return s.weighted(c.Weights, eligible)

	case FailoverConfig:
		for _, id := range c.IdentityIDs {
			if i, ok := byID[id]; ok {
				return i
			}
		}
		if len(c.IdentityIDs) > 0 {
			return nil
		}
		return lowestPriority(eligible)

	case RoundRobinConfig:
		return leastRecentlyUsed(eligible)
	}
	return nil
}

// weighted draws from the cumulative weight of eligible identities; the
// candidate order is fixed by id so the draw does not depend on listing order
func (s *Selector) weighted(weights map[string]int, eligible []*reputation.Identity) *reputation.Identity {
	type candidate struct {
		identity *reputation.Identity
		weight   int
	}
	var (
		cands []candidate
		total int
	)
	for _, i := range eligible {
		if w := weights[i.ID]; w > 0 {
			cands = append(cands, candidate{i, w})
			total += w
		}
	}
	if total == 0 {
		return nil
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].identity.ID < cands[b].identity.ID })

	s.mu.Lock()
	draw := s.rnd.IntN(total)
	s.mu.Unlock()

	for _, c := range cands {
		if draw < c.weight {
			return c.identity
		}
		draw -= c.weight
	}
	return cands[len(cands)-1].identity
}

func lowestPriority(eligible []*reputation.Identity) *reputation.Identity {
	var best *reputation.Identity
	for _, i := range eligible {
		if best == nil || i.Priority < best.Priority || (i.Priority == best.Priority && i.ID < best.ID) {
			best = i
		}
	}
	return best
}

// leastRecentlyUsed prefers never-used identities, then the oldest lastUsedAt
func leastRecentlyUsed(eligible []*reputation.Identity) *reputation.Identity {
	var best *reputation.Identity
	for _, i := range eligible {
		if best == nil {
			best = i
			continue
		}
		switch {
		case i.LastUsedAt == nil && best.LastUsedAt != nil:
			best = i
		case i.LastUsedAt == nil && best.LastUsedAt == nil:
			if i.ID < best.ID {
				best = i
			}
		case i.LastUsedAt != nil && best.LastUsedAt != nil:
			if i.LastUsedAt.Before(*best.LastUsedAt) || (i.LastUsedAt.Equal(*best.LastUsedAt) && i.ID < best.ID) {
				best = i
			}
		}
	}
	return best
}
