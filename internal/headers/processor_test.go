package headers

import (
	"testing"
)

func TestProcessor_RemoveHeaders(t *testing.T) {
	in := map[string]string{
		"x-mailer":         "MyApp/1.0",
		"X-Originating-IP": "192.168.1.1",
		"X-Campaign":       "spring",
	}

	cfg := &Config{
		Global: []Rule{
			{
				Action:  ActionRemove,
				Headers: []string{"X-Mailer", "x-originating-ip"},
			},
		},
	}

	out := NewProcessor(cfg).Apply(in, Vars{SenderDomain: "example.com"})

	if _, ok := out["X-Mailer"]; ok {
		t.Error("X-Mailer header should be removed")
	}
	if _, ok := out["X-Originating-Ip"]; ok {
		t.Error("X-Originating-IP header should be removed")
	}
	if out["X-Campaign"] != "spring" {
		t.Error("X-Campaign header should be preserved")
	}
	if len(in) != 3 {
		t.Error("input map should not be modified")
	}
}

func TestProcessor_ReplaceHeader(t *testing.T) {
	in := map[string]string{"X-Mailer": "OldMailer/1.0"}

	cfg := &Config{
		Global: []Rule{
			{Action: ActionReplace, Header: "x-mailer", Value: "Coldforge"},
			{Action: ActionReplace, Header: "X-Feedback-ID", Value: "{campaign_id}:{workspace_id}"},
		},
	}

	out := NewProcessor(cfg).Apply(in, Vars{WorkspaceID: "ws-1", CampaignID: "c-9"})

	if out["X-Mailer"] != "Coldforge" {
		t.Errorf("X-Mailer = %q, want Coldforge", out["X-Mailer"])
	}
	if out["X-Feedback-Id"] != "c-9:ws-1" {
		t.Errorf("X-Feedback-ID should be added with expanded value, got %q", out["X-Feedback-Id"])
	}
}

func TestProcessor_AddKeepsExisting(t *testing.T) {
	in := map[string]string{"List-Unsubscribe": "<mailto:custom@example.com>"}

	cfg := &Config{
		Global: []Rule{
			{Action: ActionAdd, Header: "List-Unsubscribe", Value: "<https://u.example.com/{tracking_id}>"},
			{Action: ActionAdd, Header: "List-Unsubscribe-Post", Value: "List-Unsubscribe=One-Click"},
		},
	}

	p := NewProcessor(cfg)

	out := p.Apply(in, Vars{TrackingID: "t-1"})
	if out["List-Unsubscribe"] != "<mailto:custom@example.com>" {
		t.Errorf("existing header should win, got %q", out["List-Unsubscribe"])
	}
	if out["List-Unsubscribe-Post"] != "List-Unsubscribe=One-Click" {
		t.Error("missing header should be added")
	}

	out = p.Apply(nil, Vars{TrackingID: "t-2"})
	if out["List-Unsubscribe"] != "<https://u.example.com/t-2>" {
		t.Errorf("List-Unsubscribe = %q", out["List-Unsubscribe"])
	}
}

func TestProcessor_DomainRules(t *testing.T) {
	cfg := &Config{
		Global: []Rule{
			{Action: ActionReplace, Header: "X-Sender", Value: "global"},
		},
		Domains: map[string][]Rule{
			"brand.test": {
				{Action: ActionReplace, Header: "X-Sender", Value: "{sender_domain}"},
			},
		},
	}
	p := NewProcessor(cfg)

	if got := p.Apply(nil, Vars{SenderDomain: "other.test"})["X-Sender"]; got != "global" {
		t.Errorf("other domain: X-Sender = %q, want global", got)
	}
	if got := p.Apply(nil, Vars{SenderDomain: "Brand.test"})["X-Sender"]; got != "Brand.test" {
		t.Errorf("brand domain: X-Sender = %q, want domain rule to override", got)
	}
}

func TestProcessor_NoRules(t *testing.T) {
	in := map[string]string{"X-Test": "1"}

	var nilProcessor *Processor
	if out := nilProcessor.Apply(in, Vars{}); out["X-Test"] != "1" {
		t.Error("nil processor should pass headers through")
	}
	if out := NewProcessor(nil).Apply(in, Vars{}); out["X-Test"] != "1" {
		t.Error("nil config should pass headers through")
	}
	if out := NewProcessor(&Config{}).Apply(nil, Vars{}); out != nil {
		t.Error("empty config should return input unchanged")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"nil", nil, false},
		{"valid", &Config{Global: []Rule{{Action: ActionRemove, Headers: []string{"X-Mailer"}}}}, false},
		{"unknown action", &Config{Global: []Rule{{Action: "rename", Header: "X"}}}, true},
		{"remove without names", &Config{Global: []Rule{{Action: ActionRemove}}}, true},
		{"add without header", &Config{Domains: map[string][]Rule{"a.test": {{Action: ActionAdd, Value: "v"}}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
