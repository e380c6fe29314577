package headers

import (
	"strings"
)

// Vars are the per-message values rule values may reference
type Vars struct {
	MessageID    string
	TrackingID   string
	WorkspaceID  string
	CampaignID   string
	SenderDomain string
}

func (v Vars) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"{message_id}", v.MessageID,
		"{tracking_id}", v.TrackingID,
		"{workspace_id}", v.WorkspaceID,
		"{campaign_id}", v.CampaignID,
		"{sender_domain}", v.SenderDomain,
	)
}

// Processor applies header rules to message headers
type Processor struct {
	config *Config
}

// NewProcessor creates a new header processor
func NewProcessor(cfg *Config) *Processor {
	return &Processor{config: cfg}
}

// Apply returns a copy of h with the rules for vars.SenderDomain applied.
// Names in the result are canonicalized. h itself is never modified, and is
// returned unchanged when no rule applies. A nil Processor applies nothing.
func (p *Processor) Apply(h map[string]string, vars Vars) map[string]string {
	if p == nil || !p.config.HasRules() {
		return h
	}

	rules := p.config.RulesFor(vars.SenderDomain)
	if len(rules) == 0 {
		return h
	}

	out := make(map[string]string, len(h)+len(rules))
	for k, v := range h {
		out[canonical(k)] = v
	}

	r := vars.replacer()
	for _, rule := range rules {
		applyRule(out, rule, r)
	}
	return out
}

// applyRule applies a single rule to canonicalized headers
func applyRule(h map[string]string, rule Rule, r *strings.Replacer) {
	switch rule.Action {
	case ActionRemove:
		for _, name := range rule.Headers {
			delete(h, canonical(name))
		}
	case ActionReplace:
		if rule.Header != "" {
			h[canonical(rule.Header)] = r.Replace(rule.Value)
		}
	case ActionAdd:
		// a map holds one value per name, so add never overwrites
		name := canonical(rule.Header)
		if _, exists := h[name]; name != "" && !exists {
			h[name] = r.Replace(rule.Value)
		}
	}
}
