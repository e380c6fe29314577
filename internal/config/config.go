package config

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/alert"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/headers"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/ratelimit"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/recovery"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
)

// EnvPrefix is the prefix of secret overrides, e.g. COLDFORGE_API_KEY
const EnvPrefix = "coldforge"

// Config is the main configuration structure
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	API             APIConfig             `yaml:"api"`
	Queue           QueueConfig           `yaml:"queue"`
	Storage         StorageConfig         `yaml:"storage"`
	Logging         LoggingConfig         `yaml:"logging"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Breaker         BreakerConfig         `yaml:"breaker"`
	Providers       []ProviderConfig      `yaml:"providers"`
	Identities      []IdentityConfig      `yaml:"identities"` // Seeded on startup when absent
	Rotation        RotationConfig        `yaml:"rotation"`
	Reputation      ReputationConfig      `yaml:"reputation"`
	Blacklist       BlacklistConfig       `yaml:"blacklist"`
	AuthCheck       AuthCheckConfig       `yaml:"auth_check"`
	Alerts          AlertsConfig          `yaml:"alerts"`
	Recovery        RecoveryConfig        `yaml:"recovery"`
	Webhooks        WebhooksConfig        `yaml:"webhooks"`
	Redis           RedisConfig           `yaml:"redis"`
	RecipientLimits RecipientLimitsConfig `yaml:"recipient_limits"`
	DKIM            []DKIMConfig          `yaml:"dkim"`
	HeaderRules     *headers.Config       `yaml:"header_rules"` // Applied to custom headers before sending
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"` // EHLO name
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"` // bcrypt hash, checked when api_key is empty
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access API (empty = allow all)
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains API certificate settings. ACME takes precedence over
// static files.
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// Enabled reports whether the API serves HTTPS
func (t TLSConfig) Enabled() bool {
	return t.ACME.Enabled || t.CertFile != ""
}

// ACMEConfig contains Let's Encrypt ACME settings
type ACMEConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Email         string   `yaml:"email"`
	Domains       []string `yaml:"domains"`
	CacheDir      string   `yaml:"cache_dir"`
	ChallengeAddr string   `yaml:"challenge_addr"` // HTTP-01 listener, redirects everything else to https
}

// QueueConfig contains queue processor settings
type QueueConfig struct {
	Workers         int           `yaml:"workers"`
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseRetryDelay  time.Duration `yaml:"base_retry_delay"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains message retention settings
type RetentionConfig struct {
	TerminalMaxAge  time.Duration `yaml:"terminal_max_age"` // Delete finished messages older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	StaleLease      time.Duration `yaml:"stale_lease"` // Claims older than this go back to pending
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"` // Queue gauge refresh
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// BreakerConfig contains provider circuit breaker settings
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ProviderConfig configures one delivery provider. Only the fields of its
// type are read.
type ProviderConfig struct {
	Type string `yaml:"type"` // smtp, ses, sendgrid, postmark

	// smtp
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLSMode            string        `yaml:"tls_mode"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	PoolSize           int           `yaml:"pool_size"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	SendTimeout        time.Duration `yaml:"send_timeout"`

	// ses
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
	Endpoint         string `yaml:"endpoint"`

	// sendgrid, postmark
	APIKey      string        `yaml:"api_key"`
	ServerToken string        `yaml:"server_token"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// IdentityConfig seeds a sending identity
type IdentityConfig struct {
	ID          string `yaml:"id"`
	WorkspaceID string `yaml:"workspace_id"`
	Address     string `yaml:"address"`
	Kind        string `yaml:"kind"` // ip, account
	Provider    string `yaml:"provider"`
	Pool        string `yaml:"pool"`
	Priority    int    `yaml:"priority"`
	MaxPerHour  int    `yaml:"max_per_hour"`
	MaxPerDay   int    `yaml:"max_per_day"`
}

// RotationConfig seeds rotation rules
type RotationConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is a rotation rule in YAML form; Config is decoded by type
type RuleConfig struct {
	ID          string         `yaml:"id" json:"id"`
	WorkspaceID string         `yaml:"workspace_id" json:"workspace_id"`
	Name        string         `yaml:"name" json:"name"`
	Type        string         `yaml:"type" json:"type"`
	Priority    int            `yaml:"priority" json:"priority"`
	Active      bool           `yaml:"active" json:"active"`
	Config      map[string]any `yaml:"config" json:"config,omitempty"`
}

// ReputationConfig contains reputation recalculation settings
type ReputationConfig struct {
	Interval        time.Duration `yaml:"interval"`
	MinHealthyScore float64       `yaml:"min_healthy_score"`
	Workspaces      []string      `yaml:"workspaces"` // Scope of periodic jobs; empty means all
}

// BlacklistConfig contains DNSBL monitor settings
type BlacklistConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	QueryDelay time.Duration `yaml:"query_delay"`
	Zones      []string      `yaml:"zones"` // Empty uses the built-in list
}

// AuthCheckConfig contains SPF/DKIM/DMARC check settings
type AuthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Selector string        `yaml:"selector"`
}

// AlertsConfig contains alert engine settings
type AlertsConfig struct {
	Interval   time.Duration    `yaml:"interval"`
	Thresholds alert.Thresholds `yaml:"thresholds"`
}

// RecoveryConfig contains recovery orchestrator settings
type RecoveryConfig struct {
	Interval    time.Duration   `yaml:"interval"`
	AutoExecute bool            `yaml:"auto_execute"`
	Triggers    recovery.Config `yaml:"triggers"`
}

// WebhooksConfig contains provider webhook settings
type WebhooksConfig struct {
	Tolerance time.Duration `yaml:"tolerance"`
	ReplayTTL time.Duration `yaml:"replay_ttl"`
	SES       SESWebhook    `yaml:"ses"`
	SendGrid  HMACWebhook   `yaml:"sendgrid"`
	Postmark  HMACWebhook   `yaml:"postmark"`
}

// SESWebhook configures the SNS endpoint
type SESWebhook struct {
	Enabled     bool     `yaml:"enabled"`
	TopicARNs   []string `yaml:"topic_arns"`
	AutoConfirm bool     `yaml:"auto_confirm"`
}

// HMACWebhook configures a shared-secret endpoint
type HMACWebhook struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// RedisConfig enables shared counters and the webhook replay guard
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// RecipientLimitsConfig throttles sends per recipient and sender domain
type RecipientLimitsConfig struct {
	Enabled          bool `yaml:"enabled"`
	ratelimit.Config `yaml:",inline"`
}

// DKIMConfig contains DKIM signing settings for one domain
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// secrets are read from COLDFORGE_* variables and override the file
type secrets struct {
	APIKey                string `envconfig:"API_KEY"`
	StoragePath           string `envconfig:"STORAGE_PATH"`
	RedisURL              string `envconfig:"REDIS_URL"`
	SMTPPassword          string `envconfig:"SMTP_PASSWORD"`
	AWSAccessKeyID        string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey    string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	SendGridAPIKey        string `envconfig:"SENDGRID_API_KEY"`
	PostmarkServerToken   string `envconfig:"POSTMARK_SERVER_TOKEN"`
	SendGridWebhookSecret string `envconfig:"SENDGRID_WEBHOOK_SECRET"`
	PostmarkWebhookSecret string `envconfig:"POSTMARK_WEBHOOK_SECRET"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.TLS.ACME.CacheDir == "" {
		c.API.TLS.ACME.CacheDir = "/var/lib/coldforge/acme"
	}
	if c.API.TLS.ACME.ChallengeAddr == "" {
		c.API.TLS.ACME.ChallengeAddr = ":80"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 50
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 10
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = 10 * time.Second
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BaseRetryDelay == 0 {
		c.Queue.BaseRetryDelay = 5 * time.Minute
	}
	if c.Queue.RetryMultiplier == 0 {
		c.Queue.RetryMultiplier = 2
	}
	if c.Queue.MaxRetryDelay == 0 {
		c.Queue.MaxRetryDelay = 4 * time.Hour
	}
	if c.Queue.SendTimeout == 0 {
		c.Queue.SendTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/coldforge/coldforge.db"
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}
	if c.Storage.Retention.StaleLease == 0 {
		c.Storage.Retention.StaleLease = 15 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = transport.DefaultFailureThreshold
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = transport.DefaultCooldown
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type != transport.ProviderSMTP {
			continue
		}
		if p.Port == 0 {
			p.Port = 587
		}
		if p.TLSMode == "" {
			p.TLSMode = string(transport.TLSStartTLS)
		}
		if p.PoolSize == 0 {
			p.PoolSize = 5
		}
		if p.ConnectTimeout == 0 {
			p.ConnectTimeout = 10 * time.Second
		}
		if p.SendTimeout == 0 {
			p.SendTimeout = 60 * time.Second
		}
	}

	for i := range c.Identities {
		if c.Identities[i].Kind == "" {
			c.Identities[i].Kind = "account"
		}
	}

	if c.Reputation.Interval == 0 {
		c.Reputation.Interval = 15 * time.Minute
	}
	if c.Reputation.MinHealthyScore == 0 {
		c.Reputation.MinHealthyScore = 10
	}

	if c.Blacklist.Interval == 0 {
		c.Blacklist.Interval = 6 * time.Hour
	}
	if c.Blacklist.QueryDelay == 0 {
		c.Blacklist.QueryDelay = 200 * time.Millisecond
	}

	if c.AuthCheck.Interval == 0 {
		c.AuthCheck.Interval = 24 * time.Hour
	}
	if c.AuthCheck.Selector == "" {
		c.AuthCheck.Selector = "default"
	}

	if c.Alerts.Interval == 0 {
		c.Alerts.Interval = 5 * time.Minute
	}
	th, dth := &c.Alerts.Thresholds, alert.DefaultThresholds()
	defaultFloat(&th.BounceWarning, dth.BounceWarning)
	defaultFloat(&th.BounceCritical, dth.BounceCritical)
	defaultFloat(&th.ComplaintWarning, dth.ComplaintWarning)
	defaultFloat(&th.ComplaintCritical, dth.ComplaintCritical)
	defaultInt(&th.ConsecutiveBounceWarn, dth.ConsecutiveBounceWarn)
	defaultInt(&th.ConsecutiveBounceCrit, dth.ConsecutiveBounceCrit)
	defaultFloat(&th.ScoreWarning, dth.ScoreWarning)
	defaultFloat(&th.ScoreCritical, dth.ScoreCritical)

	if c.Recovery.Interval == 0 {
		c.Recovery.Interval = 10 * time.Minute
	}
	tr, dtr := &c.Recovery.Triggers, recovery.DefaultConfig()
	defaultFloat(&tr.WarmupResetBounceRate, dtr.WarmupResetBounceRate)
	defaultInt(&tr.WarmupResetConsecutive, dtr.WarmupResetConsecutive)
	defaultFloat(&tr.QuarantineComplaint, dtr.QuarantineComplaint)
	defaultFloat(&tr.RateReductionScore, dtr.RateReductionScore)
	if tr.QuarantineDuration == 0 {
		tr.QuarantineDuration = dtr.QuarantineDuration
	}
	if tr.Cooldown == 0 {
		tr.Cooldown = dtr.Cooldown
	}
	defaultInt(&tr.MinPerHour, dtr.MinPerHour)
	defaultInt(&tr.MinPerDay, dtr.MinPerDay)
	defaultInt(&tr.DefaultPerHour, dtr.DefaultPerHour)
	defaultInt(&tr.DefaultPerDay, dtr.DefaultPerDay)

	if c.Webhooks.Tolerance == 0 {
		c.Webhooks.Tolerance = 300 * time.Second
	}
	if c.Webhooks.ReplayTTL == 0 {
		c.Webhooks.ReplayTTL = 10 * time.Minute
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "coldforge:"
	}
}

func defaultFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func defaultInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// applyEnv overrides secrets with non-empty COLDFORGE_* variables
func (c *Config) applyEnv() error {
	var env secrets
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.API.APIKey, env.APIKey)
	set(&c.Storage.Path, env.StoragePath)
	set(&c.Redis.URL, env.RedisURL)
	set(&c.Webhooks.SendGrid.Secret, env.SendGridWebhookSecret)
	set(&c.Webhooks.Postmark.Secret, env.PostmarkWebhookSecret)

	for i := range c.Providers {
		p := &c.Providers[i]
		switch p.Type {
		case transport.ProviderSMTP:
			set(&p.Password, env.SMTPPassword)
		case transport.ProviderSES:
			set(&p.AccessKeyID, env.AWSAccessKeyID)
			set(&p.SecretAccessKey, env.AWSSecretAccessKey)
		case transport.ProviderSendGrid:
			set(&p.APIKey, env.SendGridAPIKey)
		case transport.ProviderPostmark:
			set(&p.ServerToken, env.PostmarkServerToken)
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	err := validation.ValidateStruct(&c.Logging,
		validation.Field(&c.Logging.Level, validation.Required, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Logging.Format, validation.Required, validation.In("json", "text")),
	)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	err = validation.ValidateStruct(&c.Queue,
		validation.Field(&c.Queue.Workers, validation.Min(1)),
		validation.Field(&c.Queue.BatchSize, validation.Min(1)),
		validation.Field(&c.Queue.MaxAttempts, validation.Min(1)),
		validation.Field(&c.Queue.RetryMultiplier, validation.Min(1.0)),
	)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if err := c.validateProviders(); err != nil {
		return err
	}
	if err := c.validateIdentities(); err != nil {
		return err
	}

	for i, r := range c.Rotation.Rules {
		err := validation.ValidateStruct(&r,
			validation.Field(&r.Name, validation.Required),
			validation.Field(&r.Type, validation.Required, validation.In("round_robin", "weighted", "domain_based", "recipient_based", "failover")),
		)
		if err != nil {
			return fmt.Errorf("rotation.rules[%d]: %w", i, err)
		}
	}

	if c.Webhooks.SendGrid.Enabled && c.Webhooks.SendGrid.Secret == "" {
		return fmt.Errorf("webhooks.sendgrid.secret is required when the webhook is enabled")
	}
	if c.Webhooks.Postmark.Enabled && c.Webhooks.Postmark.Secret == "" {
		return fmt.Errorf("webhooks.postmark.secret is required when the webhook is enabled")
	}

	if err := c.HeaderRules.Validate(); err != nil {
		return fmt.Errorf("header_rules: %w", err)
	}

	if c.API.TLS.ACME.Enabled && len(c.API.TLS.ACME.Domains) == 0 {
		return fmt.Errorf("api.tls.acme.domains is required when ACME is enabled")
	}
	if (c.API.TLS.CertFile == "") != (c.API.TLS.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file must be set together")
	}

	for i, d := range c.DKIM {
		err := validation.ValidateStruct(&d,
			validation.Field(&d.Domain, validation.Required),
			validation.Field(&d.Selector, validation.Required),
			validation.Field(&d.KeyFile, validation.Required),
		)
		if err != nil {
			return fmt.Errorf("dkim[%d]: %w", i, err)
		}
	}

	return nil
}

// validateProviders checks each provider has the fields its type needs.
// Providers are keyed by type, so each type may appear once.
func (c *Config) validateProviders() error {
	seen := make(map[string]bool)
	for i := range c.Providers {
		p := &c.Providers[i]
		err := validation.ValidateStruct(p,
			validation.Field(&p.Type, validation.Required, validation.In(
				transport.ProviderSMTP, transport.ProviderSES, transport.ProviderSendGrid, transport.ProviderPostmark)),
			validation.Field(&p.Host, validation.When(p.Type == transport.ProviderSMTP, validation.Required)),
			validation.Field(&p.Port, validation.When(p.Type == transport.ProviderSMTP, validation.Min(1), validation.Max(65535))),
			validation.Field(&p.TLSMode, validation.When(p.Type == transport.ProviderSMTP, validation.In(
				string(transport.TLSNone), string(transport.TLSOpportunistic), string(transport.TLSStartTLS), string(transport.TLSImplicit)))),
			validation.Field(&p.Region, validation.When(p.Type == transport.ProviderSES, validation.Required)),
			validation.Field(&p.APIKey, validation.When(p.Type == transport.ProviderSendGrid, validation.Required)),
			validation.Field(&p.ServerToken, validation.When(p.Type == transport.ProviderPostmark, validation.Required)),
		)
		if err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[p.Type] {
			return fmt.Errorf("providers[%d]: provider %s configured twice", i, p.Type)
		}
		seen[p.Type] = true
	}
	return nil
}

func (c *Config) validateIdentities() error {
	providers := make([]any, 0, len(c.Providers))
	for _, p := range c.Providers {
		providers = append(providers, p.Type)
	}

	ids := make(map[string]bool)
	for i := range c.Identities {
		id := &c.Identities[i]
		err := validation.ValidateStruct(id,
			validation.Field(&id.ID, validation.Required),
			validation.Field(&id.WorkspaceID, validation.Required),
			validation.Field(&id.Address, validation.Required),
			validation.Field(&id.Kind, validation.In("ip", "account")),
			validation.Field(&id.Provider, validation.In(providers...)),
			validation.Field(&id.MaxPerHour, validation.Min(0)),
			validation.Field(&id.MaxPerDay, validation.Min(0)),
		)
		if err != nil {
			return fmt.Errorf("identities[%d]: %w", i, err)
		}
		if ids[id.ID] {
			return fmt.Errorf("identities[%d]: duplicate id %s", i, id.ID)
		}
		ids[id.ID] = true
	}
	return nil
}

// Provider returns the configuration of the given provider type, or nil
func (c *Config) Provider(typ string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Type == typ {
			return &c.Providers[i]
		}
	}
	return nil
}
