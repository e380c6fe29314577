package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/dnscheck"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
)

// Reputation is the part of the reputation store recovery reads and mutates
type Reputation interface {
	ListIdentities(ctx context.Context, workspaceID string) ([]*reputation.Identity, error)
	ListMailboxes(ctx context.Context, workspaceID string) ([]*reputation.MailboxReputation, error)
	GetIdentity(ctx context.Context, id string) (*reputation.Identity, error)
	GetMailbox(ctx context.Context, id string) (*reputation.MailboxReputation, error)
	UpdateIdentity(ctx context.Context, id string, fn func(*reputation.Identity) error) (*reputation.Identity, error)
	UpdateMailbox(ctx context.Context, id string, fn func(*reputation.MailboxReputation) error) (*reputation.MailboxReputation, error)
}

// BlacklistVerifier re-runs the DNSBL check for an identity and persists it
type BlacklistVerifier interface {
	CheckIdentity(ctx context.Context, id string) (*reputation.Identity, error)
}

// Config holds the triggers and limits used by the orchestrator
type Config struct {
	// AutoCreate triggers
	WarmupResetBounceRate  float64       `yaml:"warmup_reset_bounce_rate"`
	WarmupResetConsecutive int           `yaml:"warmup_reset_consecutive_bounces"`
	QuarantineComplaint    float64       `yaml:"quarantine_complaint_rate"`
	RateReductionScore     float64       `yaml:"rate_reduction_score"`
	QuarantineDuration     time.Duration `yaml:"quarantine_duration"`
	// Cooldown keeps AutoCreate from repeating a completed remedy on the
	// same entity while lifetime rates still cross the trigger. Delisting
	// is exempt since each listing is checked live.
	Cooldown time.Duration `yaml:"cooldown"`

	// Rate reduction floors, and the caps assumed for unlimited identities
	MinPerHour     int `yaml:"min_per_hour"`
	MinPerDay      int `yaml:"min_per_day"`
	DefaultPerHour int `yaml:"default_per_hour"`
	DefaultPerDay  int `yaml:"default_per_day"`
}

// DefaultConfig returns the standard recovery settings
func DefaultConfig() Config {
	return Config{
		WarmupResetBounceRate:  0.10,
		WarmupResetConsecutive: 5,
		QuarantineComplaint:    0.003,
		RateReductionScore:     30,
		QuarantineDuration:     7 * 24 * time.Hour,
		Cooldown:               7 * 24 * time.Hour,
		MinPerHour:             5,
		MinPerDay:              20,
		DefaultPerHour:         100,
		DefaultPerDay:          1000,
	}
}

// AutoCreateSummary counts what an AutoCreate pass did
type AutoCreateSummary struct {
	Created     int `json:"created"`
	Existing    int `json:"existing"`
	CoolingDown int `json:"cooling_down"`
}

// Orchestrator creates and runs recovery tasks
type Orchestrator struct {
	store    *Store
	rep      Reputation
	verifier BlacklistVerifier
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// NewOrchestrator creates a recovery orchestrator
func NewOrchestrator(st *Store, rep Reputation, cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.QuarantineDuration == 0 {
		cfg.QuarantineDuration = def.QuarantineDuration
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MinPerHour == 0 {
		cfg.MinPerHour = def.MinPerHour
	}
	if cfg.MinPerDay == 0 {
		cfg.MinPerDay = def.MinPerDay
	}
	if cfg.DefaultPerHour == 0 {
		cfg.DefaultPerHour = def.DefaultPerHour
	}
	if cfg.DefaultPerDay == 0 {
		cfg.DefaultPerDay = def.DefaultPerDay
	}
	return &Orchestrator{store: st, rep: rep, cfg: cfg, now: time.Now, logger: logger}
}

// SetVerifier sets the DNSBL re-check used by delisting tasks. Without one
// the identity's recorded listings are used.
func (o *Orchestrator) SetVerifier(v BlacklistVerifier) {
	o.verifier = v
}

// SetClock overrides the time source
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Store returns the task store
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Create adds a task unless an active one exists for the same entity and
// type. It reports whether a new task was stored.
func (o *Orchestrator) Create(ctx context.Context, t *Task) (*Task, bool, error) {
	if !validType(t.Type) {
		return nil, false, fmt.Errorf("unknown recovery type %q", t.Type)
	}
	if t.EntityID == "" {
		return nil, false, fmt.Errorf("entity id is required")
	}
	if t.EntityType == "" {
		t.EntityType = entityFor(t.Type)[0]
	}
	allowed := false
	for _, et := range entityFor(t.Type) {
		if et == t.EntityType {
			allowed = true
		}
	}
	if !allowed {
		return nil, false, fmt.Errorf("%s tasks cannot target a %s", t.Type, t.EntityType)
	}

	out, created, err := o.store.Create(ctx, t)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create recovery task: %w", err)
	}
	if created {
		metrics.IncRecoveryTasks(string(out.Type), string(StatusPending))
		o.logger.Info("recovery task created",
			"task_id", out.ID,
			"type", out.Type,
			"entity_type", out.EntityType,
			"entity_id", out.EntityID,
			"reason", out.Reason,
		)
	}
	return out, created, nil
}

// Get returns a task
func (o *Orchestrator) Get(ctx context.Context, id string) (*Task, error) {
	return o.store.Get(ctx, id)
}

// List returns tasks matching f
func (o *Orchestrator) List(ctx context.Context, f Filter) ([]*Task, error) {
	return o.store.List(ctx, f)
}

// AutoCreate scans a workspace ("" for all) and creates a task for every
// entity that needs one, has no active task of that type and has not
// completed one within the cooldown
func (o *Orchestrator) AutoCreate(ctx context.Context, workspaceID string) (*AutoCreateSummary, error) {
	now := o.now()
	var candidates []*Task

	identities, err := o.rep.ListIdentities(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	for _, i := range identities {
		if i.BlacklistCount > 0 {
			candidates = append(candidates, &Task{
				WorkspaceID: i.WorkspaceID,
				Type:        TypeDelisting,
				EntityType:  EntityIdentity,
				EntityID:    i.ID,
				Reason:      fmt.Sprintf("%s listed on %s", i.Address, strings.Join(i.BlacklistedOn, ", ")),
			})
		}
		if i.Active && i.ReputationScore < o.cfg.RateReductionScore {
			candidates = append(candidates, &Task{
				WorkspaceID: i.WorkspaceID,
				Type:        TypeRateReduction,
				EntityType:  EntityIdentity,
				EntityID:    i.ID,
				Reason:      fmt.Sprintf("reputation score %.1f below %.0f", i.ReputationScore, o.cfg.RateReductionScore),
			})
		}
	}

	mailboxes, err := o.rep.ListMailboxes(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	for _, m := range mailboxes {
		if m.BounceRate > o.cfg.WarmupResetBounceRate || m.ConsecutiveBounces >= o.cfg.WarmupResetConsecutive {
			candidates = append(candidates, &Task{
				WorkspaceID: m.WorkspaceID,
				Type:        TypeWarmupReset,
				EntityType:  EntityMailbox,
				EntityID:    m.ID,
				Reason: fmt.Sprintf("bounce rate %.2f%%, %d consecutive bounces",
					m.BounceRate*100, m.ConsecutiveBounces),
			})
		}
		if m.ComplaintRate > o.cfg.QuarantineComplaint && !m.QuarantinedAt(now) {
			candidates = append(candidates, &Task{
				WorkspaceID: m.WorkspaceID,
				Type:        TypeQuarantine,
				EntityType:  EntityMailbox,
				EntityID:    m.ID,
				Reason:      fmt.Sprintf("complaint rate %.3f%%", m.ComplaintRate*100),
			})
		}
	}

	recent, err := o.recentlyCompleted(ctx, workspaceID, now)
	if err != nil {
		return nil, err
	}

	sum := &AutoCreateSummary{}
	for _, c := range candidates {
		if c.Type != TypeDelisting && recent[string(activeKey(c))] {
			sum.CoolingDown++
			continue
		}
		_, created, err := o.Create(ctx, c)
		if err != nil {
			return sum, err
		}
		if created {
			sum.Created++
		} else {
			sum.Existing++
		}
	}
	return sum, nil
}

// recentlyCompleted returns the active keys of tasks completed within the
// cooldown
func (o *Orchestrator) recentlyCompleted(ctx context.Context, workspaceID string, now time.Time) (map[string]bool, error) {
	done, err := o.store.List(ctx, Filter{WorkspaceID: workspaceID, Status: StatusCompleted})
	if err != nil {
		return nil, fmt.Errorf("failed to list completed tasks: %w", err)
	}
	recent := make(map[string]bool)
	for _, t := range done {
		if t.CompletedAt != nil && now.Sub(*t.CompletedAt) < o.cfg.Cooldown {
			recent[string(activeKey(t))] = true
		}
	}
	return recent, nil
}

// outcome is what a task handler produced
type outcome struct {
	actions []Action
	result  map[string]any
	// done is false when the task waits on manual follow-up
	done bool
}

func (o *outcome) record(at time.Time, desc, result string) {
	o.actions = append(o.actions, Action{Description: desc, Result: result, At: at})
}

// Execute moves a task to in_progress and runs it. Completed tasks cannot
// run again; failed and in-progress tasks can be re-triggered. A failing
// step leaves the task failed with the error recorded and is also returned.
func (o *Orchestrator) Execute(ctx context.Context, id string) (*Task, error) {
	started := o.now()
	task, err := o.store.Update(ctx, id, func(t *Task) error {
		if t.Status == StatusCompleted {
			return fmt.Errorf("%w: task already completed", ErrInvalidTransition)
		}
		t.Status = StatusInProgress
		t.Error = ""
		if t.StartedAt == nil {
			t.StartedAt = &started
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncRecoveryTasks(string(task.Type), string(StatusInProgress))

	logger := o.logger.With("task_id", task.ID, "type", task.Type, "entity_id", task.EntityID)
	logger.Info("executing recovery task")

	out := &outcome{}
	var runErr error
	switch task.Type {
	case TypeDelisting:
		runErr = o.delisting(ctx, task, out)
	case TypeWarmupReset:
		runErr = o.warmupReset(ctx, task, out)
	case TypeRateReduction:
		runErr = o.rateReduction(ctx, task, out)
	case TypeQuarantine:
		runErr = o.quarantine(ctx, task, out)
	default:
		runErr = fmt.Errorf("unknown recovery type %q", task.Type)
	}

	finished := o.now()
	final, err := o.store.Update(ctx, id, func(t *Task) error {
		t.Actions = append(t.Actions, out.actions...)
		if out.result != nil {
			t.Result = out.result
		}
		switch {
		case runErr != nil:
			t.Status = StatusFailed
			t.Error = runErr.Error()
			t.CompletedAt = &finished
		case out.done:
			t.Status = StatusCompleted
			t.CompletedAt = &finished
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record recovery task outcome: %w", err)
	}

	metrics.IncRecoveryTasks(string(final.Type), string(final.Status))
	if runErr != nil {
		logger.Error("recovery task failed", "error", runErr)
		return final, fmt.Errorf("recovery task %s failed: %w", final.ID, runErr)
	}
	logger.Info("recovery task executed", "status", final.Status, "actions", len(out.actions))
	return final, nil
}

func (o *Orchestrator) delisting(ctx context.Context, t *Task, out *outcome) error {
	var (
		identity *reputation.Identity
		err      error
	)
	if o.verifier != nil {
		identity, err = o.verifier.CheckIdentity(ctx, t.EntityID)
		if err != nil {
			return fmt.Errorf("failed to re-verify listings: %w", err)
		}
		out.record(o.now(), "re-verified DNSBL listings", fmt.Sprintf("listed on %d zones", identity.BlacklistCount))
	} else {
		identity, err = o.rep.GetIdentity(ctx, t.EntityID)
		if err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}
		out.record(o.now(), "read recorded DNSBL listings", fmt.Sprintf("listed on %d zones", identity.BlacklistCount))
	}

	if identity.BlacklistCount == 0 {
		out.result = map[string]any{"listed": false, "address": identity.Address}
		out.done = true
		return nil
	}

	instructions := make([]string, 0, len(identity.BlacklistedOn))
	for _, zone := range identity.BlacklistedOn {
		info := dnscheck.LookupDNSBL(zone)
		var step string
		if info.DelistURL != "" {
			step = fmt.Sprintf("request removal of %s from %s at %s", identity.Address, info.Name, info.DelistURL)
		} else {
			step = fmt.Sprintf("contact the operator of %s to request removal of %s", info.Zone, identity.Address)
		}
		instructions = append(instructions, step)
		out.record(o.now(), "generated delisting instructions for "+info.Zone, step)
	}
	out.result = map[string]any{
		"listed":       true,
		"address":      identity.Address,
		"zones":        identity.BlacklistedOn,
		"instructions": instructions,
	}
	return nil
}

func (o *Orchestrator) warmupReset(ctx context.Context, t *Task, out *outcome) error {
	m, err := o.rep.UpdateMailbox(ctx, t.EntityID, func(m *reputation.MailboxReputation) error {
		m.WarmupDay = 1
		m.WarmupDailyLimit = reputation.WarmupResetLimit
		m.ReducedLimit = 0
		m.WarmupPaused = false
		m.ConsecutiveBounces = 0
		m.HealthStatus = reputation.HealthWarning
		m.Quarantine = reputation.Quarantine{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset warmup: %w", err)
	}
	out.record(o.now(), "reset warmup to day 1", fmt.Sprintf("daily limit %d", m.WarmupDailyLimit))
	out.record(o.now(), "cleared consecutive bounces and quarantine", "health warning")
	out.result = map[string]any{"warmup_day": m.WarmupDay, "daily_limit": m.WarmupDailyLimit}
	out.done = true
	return nil
}

// halve cuts a cap in half, never below min. Zero is unlimited and is
// treated as def.
func halve(current, min, def int) int {
	if current <= 0 {
		current = def
	}
	n := current / 2
	if n < min {
		n = min
	}
	return n
}

func (o *Orchestrator) rateReduction(ctx context.Context, t *Task, out *outcome) error {
	switch t.EntityType {
	case EntityMailbox:
		var before int
		m, err := o.rep.UpdateMailbox(ctx, t.EntityID, func(m *reputation.MailboxReputation) error {
			before = m.WarmupDailyLimit
			def := reputation.LimitForDay(max(m.WarmupDay, 1))
			m.WarmupDailyLimit = halve(m.WarmupDailyLimit, reputation.WarmupResetLimit, def)
			m.ReducedLimit = m.WarmupDailyLimit
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to reduce mailbox limit: %w", err)
		}
		out.record(o.now(), "halved warmup daily limit", fmt.Sprintf("%d -> %d", before, m.WarmupDailyLimit))
		out.result = map[string]any{"daily_limit": m.WarmupDailyLimit}

	default:
		var beforeHour, beforeDay int
		i, err := o.rep.UpdateIdentity(ctx, t.EntityID, func(i *reputation.Identity) error {
			beforeHour, beforeDay = i.MaxPerHour, i.MaxPerDay
			i.MaxPerHour = halve(i.MaxPerHour, o.cfg.MinPerHour, o.cfg.DefaultPerHour)
			i.MaxPerDay = halve(i.MaxPerDay, o.cfg.MinPerDay, o.cfg.DefaultPerDay)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to reduce identity caps: %w", err)
		}
		out.record(o.now(), "halved hourly cap", fmt.Sprintf("%d -> %d", beforeHour, i.MaxPerHour))
		out.record(o.now(), "halved daily cap", fmt.Sprintf("%d -> %d", beforeDay, i.MaxPerDay))
		out.result = map[string]any{"max_per_hour": i.MaxPerHour, "max_per_day": i.MaxPerDay}
	}
	out.done = true
	return nil
}

func (o *Orchestrator) quarantine(ctx context.Context, t *Task, out *outcome) error {
	now := o.now()
	until := now.Add(o.cfg.QuarantineDuration)
	already := false

	m, err := o.rep.UpdateMailbox(ctx, t.EntityID, func(m *reputation.MailboxReputation) error {
		if m.QuarantinedAt(now) {
			already = true
			return nil
		}
		reason := t.Reason
		if reason == "" {
			reason = "recovery quarantine"
		}
		m.Quarantine = reputation.Quarantine{IsQuarantined: true, QuarantineUntil: &until, QuarantineReason: reason}
		m.WarmupPaused = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine mailbox: %w", err)
	}

	if already {
		until := "indefinitely"
		if m.QuarantineUntil != nil {
			until = m.QuarantineUntil.Format(time.RFC3339)
		}
		out.record(now, "mailbox already quarantined", until)
	} else {
		out.record(now, "quarantined mailbox and paused warmup", until.Format(time.RFC3339))
	}
	out.result = map[string]any{"quarantine_until": m.QuarantineUntil}
	out.done = true
	return nil
}

// ExecutePending runs every pending task of a workspace and returns how
// many succeeded. Failures are logged and left on the task.
func (o *Orchestrator) ExecutePending(ctx context.Context, workspaceID string) (int, error) {
	tasks, err := o.store.List(ctx, Filter{WorkspaceID: workspaceID, Status: StatusPending})
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if _, err := o.Execute(ctx, t.ID); err != nil {
			continue
		}
		ran++
	}
	return ran, nil
}
