// Package rotation picks the sending identity for each message.
package rotation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RuleType identifies a rotation strategy
type RuleType string

const (
	TypeRoundRobin     RuleType = "round_robin"
	TypeWeighted       RuleType = "weighted"
	TypeDomainBased    RuleType = "domain_based"
	TypeRecipientBased RuleType = "recipient_based"
	TypeFailover       RuleType = "failover"
)

// Config is the type-specific part of a rule. Each variant carries only
// the fields its strategy needs.
type Config interface {
	Type() RuleType
}

// RoundRobinConfig picks the least recently used identity
type RoundRobinConfig struct{}

// WeightedConfig maps identity id to a relative weight
type WeightedConfig struct {
	Weights map[string]int `json:"weights"`
}

// DomainBasedConfig maps a From domain to an identity id
type DomainBasedConfig struct {
	Domains map[string]string `json:"domains"`
}

// normalized returns the config with lower-cased domain keys, matching how
// From domains are looked up
func (c DomainBasedConfig) normalized() DomainBasedConfig {
	out := DomainBasedConfig{Domains: make(map[string]string, len(c.Domains))}
	for domain, id := range c.Domains {
		out.Domains[strings.ToLower(strings.TrimSpace(domain))] = id
	}
	return out
}

// RecipientPattern routes recipient domains matching a glob to an identity
type RecipientPattern struct {
	Pattern    string `json:"pattern"`
	IdentityID string `json:"identity_id"`
}

// RecipientBasedConfig is evaluated in pattern order
type RecipientBasedConfig struct {
	Patterns []RecipientPattern `json:"patterns"`
}

// FailoverConfig optionally pins the failover order; without it the
// identity with the lowest priority number wins.
type FailoverConfig struct {
	IdentityIDs []string `json:"identity_ids,omitempty"`
}

func (RoundRobinConfig) Type() RuleType     { return TypeRoundRobin }
func (WeightedConfig) Type() RuleType       { return TypeWeighted }
func (DomainBasedConfig) Type() RuleType    { return TypeDomainBased }
func (RecipientBasedConfig) Type() RuleType { return TypeRecipientBased }
func (FailoverConfig) Type() RuleType       { return TypeFailover }

// Rule is one configured rotation strategy. Lower Priority is evaluated first.
type Rule struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Priority    int       `json:"priority"`
	Active      bool      `json:"active"`
	Config      Config    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Type returns the rule's strategy
func (r *Rule) Type() RuleType {
	if r.Config == nil {
		return ""
	}
	return r.Config.Type()
}

// Validate checks the rule has a usable configuration
func (r *Rule) Validate() error {
	switch c := r.Config.(type) {
	case nil:
		return fmt.Errorf("rule config is required")
	case WeightedConfig:
		if len(c.Weights) == 0 {
			return fmt.Errorf("weighted rule needs at least one weight")
		}
		for id, w := range c.Weights {
			if w < 0 {
				return fmt.Errorf("weight for %s must not be negative", id)
			}
		}
	case DomainBasedConfig:
		if len(c.Domains) == 0 {
			return fmt.Errorf("domain_based rule needs at least one domain")
		}
	case RecipientBasedConfig:
		if len(c.Patterns) == 0 {
			return fmt.Errorf("recipient_based rule needs at least one pattern")
		}
	}
	return nil
}

type ruleJSON struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Type        RuleType        `json:"type"`
	Priority    int             `json:"priority"`
	Active      bool            `json:"active"`
	Config      json.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MarshalJSON writes the config under "config" keyed by "type"
func (r Rule) MarshalJSON() ([]byte, error) {
	raw := ruleJSON{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		Name:        r.Name,
		Type:        r.Type(),
		Priority:    r.Priority,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
	}
	if r.Config != nil {
		data, err := json.Marshal(r.Config)
		if err != nil {
			return nil, err
		}
		raw.Config = data
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes the config variant selected by "type"
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	cfg, err := decodeConfig(raw.Type, raw.Config)
	if err != nil {
		return err
	}

	*r = Rule{
		ID:          raw.ID,
		WorkspaceID: raw.WorkspaceID,
		Name:        raw.Name,
		Priority:    raw.Priority,
		Active:      raw.Active,
		Config:      cfg,
		CreatedAt:   raw.CreatedAt,
	}
	return nil
}

func decodeConfig(t RuleType, data json.RawMessage) (Config, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	switch t {
	case TypeRoundRobin:
		return RoundRobinConfig{}, nil
	case TypeWeighted:
		var c WeightedConfig
		if err := decodeInto(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeDomainBased:
		var c DomainBasedConfig
		if err := decodeInto(data, &c); err != nil {
			return nil, err
		}
		return c.normalized(), nil
	case TypeRecipientBased:
		var c RecipientBasedConfig
		if err := decodeInto(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeFailover:
		var c FailoverConfig
		if err := decodeInto(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown rotation rule type: %q", t)
	}
}

func decodeInto(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid rule config: %w", err)
	}
	return nil
}
