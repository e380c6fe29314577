// Package headers rewrites the custom headers of outgoing messages
// according to configured rules.
package headers

import (
	"fmt"
	"net/textproto"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Action defines the type of header manipulation
type Action string

const (
	ActionRemove  Action = "remove"
	ActionReplace Action = "replace"
	ActionAdd     Action = "add"
)

// Rule defines a header manipulation rule
type Rule struct {
	Action  Action   `yaml:"action" json:"action"`
	Headers []string `yaml:"headers,omitempty" json:"headers,omitempty"` // For remove action
	Header  string   `yaml:"header,omitempty" json:"header,omitempty"`   // For replace/add
	// Value may reference {message_id}, {tracking_id}, {workspace_id},
	// {campaign_id} and {sender_domain}
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Validate implements validation.Validatable
func (r Rule) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Action, validation.Required, validation.In(ActionRemove, ActionReplace, ActionAdd)),
		validation.Field(&r.Headers, validation.When(r.Action == ActionRemove, validation.Required)),
		validation.Field(&r.Header, validation.When(r.Action != ActionRemove, validation.Required)),
	)
}

// Config contains header rules configuration
type Config struct {
	// Global rules applied to all messages
	Global []Rule `yaml:"global,omitempty" json:"global,omitempty"`

	// Per sender domain rules, applied after the global ones
	Domains map[string][]Rule `yaml:"domains,omitempty" json:"domains,omitempty"`
}

// Validate checks every rule
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	for i, r := range c.Global {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("global[%d]: %w", i, err)
		}
	}
	for domain, rules := range c.Domains {
		for i, r := range rules {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("domains.%s[%d]: %w", domain, i, err)
			}
		}
	}
	return nil
}

// RulesFor returns the rules for a sender domain (global + domain-specific)
func (c *Config) RulesFor(domain string) []Rule {
	if c == nil {
		return nil
	}

	rules := append([]Rule(nil), c.Global...)
	if domainRules, ok := c.Domains[strings.ToLower(domain)]; ok {
		rules = append(rules, domainRules...)
	}
	return rules
}

// HasRules returns true if any rules are configured
func (c *Config) HasRules() bool {
	if c == nil {
		return false
	}
	if len(c.Global) > 0 {
		return true
	}
	for _, rules := range c.Domains {
		if len(rules) > 0 {
			return true
		}
	}
	return false
}

func canonical(name string) string {
	return textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
}
