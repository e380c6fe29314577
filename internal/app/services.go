package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/alert"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/config"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/dns"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/dnscheck"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/monitor"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/queue"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/recovery"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/rotation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
)

// Services are the stores and engines backed by the bolt database. The
// server and the CLI share them.
type Services struct {
	DB           *bolt.DB
	Queue        *queue.BoltStorage
	Reputation   *reputation.Store
	Rules        *rotation.Store
	Suppressions *suppression.Store
	Alerts       *alert.Engine
	Recovery     *recovery.Orchestrator
	Resolver     *dns.Resolver
	Checker      *dnscheck.Checker
	Blacklist    *monitor.BlacklistMonitor
	Auth         *monitor.DomainAuthenticator
}

// OpenServices opens the database and builds every store on it
func OpenServices(cfg *config.Config, logger *slog.Logger) (*Services, error) {
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	s, err := newServices(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newServices(db *bolt.DB, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	q, err := queue.NewBoltStorage(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue storage: %w", err)
	}
	q.SetDefaultMaxAttempts(cfg.Queue.MaxAttempts)

	rep, err := reputation.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create reputation store: %w", err)
	}
	rep.SetMinHealthyScore(cfg.Reputation.MinHealthyScore)

	rules, err := rotation.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule store: %w", err)
	}

	sup, err := suppression.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create suppression store: %w", err)
	}

	alertStore, err := alert.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert store: %w", err)
	}
	taskStore, err := recovery.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery store: %w", err)
	}

	alerts := alert.NewEngine(alertStore, rep, cfg.Alerts.Thresholds, logger.With("component", "alerts"))
	orchestrator := recovery.NewOrchestrator(taskStore, rep, cfg.Recovery.Triggers, logger.With("component", "recovery"))

	resolver := dns.NewResolver(nil, 5*time.Minute)
	checker := dnscheck.NewChecker(resolver, dnscheck.Config{
		Zones:           cfg.Blacklist.Zones,
		QueryDelay:      cfg.Blacklist.QueryDelay,
		DefaultSelector: cfg.AuthCheck.Selector,
	})

	blacklist := monitor.NewBlacklistMonitor(checker, rep, alerts, orchestrator, logger.With("component", "blacklist"))
	orchestrator.SetVerifier(blacklist)

	return &Services{
		DB:           db,
		Queue:        q,
		Reputation:   rep,
		Rules:        rules,
		Suppressions: sup,
		Alerts:       alerts,
		Recovery:     orchestrator,
		Resolver:     resolver,
		Checker:      checker,
		Blacklist:    blacklist,
		Auth:         monitor.NewDomainAuthenticator(checker, rep, cfg.AuthCheck.Selector, logger.With("component", "auth_check")),
	}, nil
}

// Close closes the database
func (s *Services) Close() error {
	return s.DB.Close()
}

// Seed stores the identities and rotation rules listed in the config.
// Existing identities keep their counters and reputation; only their
// configured fields are replaced.
func (s *Services) Seed(ctx context.Context, cfg *config.Config) error {
	for _, ic := range cfg.Identities {
		apply := func(i *reputation.Identity) error {
			i.WorkspaceID = ic.WorkspaceID
			i.Address = ic.Address
			i.Kind = reputation.IdentityKind(ic.Kind)
			i.Provider = ic.Provider
			i.Pool = ic.Pool
			i.Priority = ic.Priority
			i.MaxPerHour = ic.MaxPerHour
			i.MaxPerDay = ic.MaxPerDay
			return nil
		}

		_, err := s.Reputation.UpdateIdentity(ctx, ic.ID, apply)
		if errors.Is(err, reputation.ErrNotFound) {
			ident := &reputation.Identity{ID: ic.ID, Active: true}
			apply(ident)
			err = s.Reputation.SaveIdentity(ctx, ident)
		}
		if err != nil {
			return fmt.Errorf("failed to seed identity %s: %w", ic.ID, err)
		}
	}

	for _, rc := range cfg.Rotation.Rules {
		rule, err := ruleFromConfig(rc)
		if err != nil {
			return err
		}
		if err := s.Rules.SaveRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// ruleFromConfig decodes a configured rule through the rule's JSON form so
// the type-specific config is parsed in one place. Rules without an id get
// a stable one so restarts overwrite instead of duplicating.
func ruleFromConfig(rc config.RuleConfig) (*rotation.Rule, error) {
	if rc.ID == "" {
		rc.ID = "config:" + rc.WorkspaceID + ":" + rc.Name
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule %s: %w", rc.Name, err)
	}
	var rule rotation.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("invalid rule %s: %w", rc.Name, err)
	}
	return &rule, nil
}

// workspaces returns the scopes periodic jobs iterate; "" means all
func workspaces(cfg *config.Config) []string {
	if len(cfg.Reputation.Workspaces) == 0 {
		return []string{""}
	}
	return cfg.Reputation.Workspaces
}
