// Package app wires the stores, delivery pipeline, monitors and HTTP
// servers into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/api"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/config"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/dkim"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/headers"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/queue"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/ratelimit"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/rotation"
	forgeTLS "github.com/UpmaxAutomation/coldforge-sub002/internal/tls"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/webhook"
)

// App is the main application
type App struct {
	config        *config.Config
	services      *Services
	transports    *transport.Registry
	processor     *queue.Processor
	cleaner       *queue.Cleaner
	scheduler     *Scheduler
	throttle      ratelimit.Throttle
	redis         *redis.Client
	apiServer     *api.Server
	acmeServer    *http.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
	shutdownOnce  sync.Once
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	ctx := context.Background()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	services, err := OpenServices(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{config: cfg, services: services, logger: logger}
	if err := a.build(ctx, version, m); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, version string, m *metrics.Metrics) error {
	cfg, logger, s := a.config, a.logger, a.services

	if err := s.Seed(ctx, cfg); err != nil {
		return err
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		logger.Info("redis enabled", "addr", opts.Addr)
	}

	transports, err := buildTransports(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.transports = transports

	selector := rotation.NewSelector(s.Reputation, s.Rules, logger.With("component", "rotation"))

	a.processor = queue.NewProcessor(s.Queue, s.Suppressions, selector, transports, queue.ProcessorConfig{
		Workers:         cfg.Queue.Workers,
		BatchSize:       cfg.Queue.BatchSize,
		Concurrency:     cfg.Queue.Concurrency,
		ProcessInterval: cfg.Queue.ProcessInterval,
		SendTimeout:     cfg.Queue.SendTimeout,
		BaseRetryDelay:  cfg.Queue.BaseRetryDelay,
		RetryMultiplier: cfg.Queue.RetryMultiplier,
		MaxRetryDelay:   cfg.Queue.MaxRetryDelay,
	}, logger.With("component", "processor"))
	a.processor.SetReputation(s.Reputation)
	if cfg.HeaderRules.HasRules() {
		a.processor.SetHeaderRules(headers.NewProcessor(cfg.HeaderRules))
	}

	if cfg.RecipientLimits.Enabled {
		if a.redis != nil {
			a.throttle = ratelimit.NewRedisLimiter(a.redis, &cfg.RecipientLimits.Config, cfg.Redis.Prefix+"rl")
		} else {
			limiter, err := ratelimit.NewLimiter(s.DB, &cfg.RecipientLimits.Config)
			if err != nil {
				return fmt.Errorf("failed to create rate limiter: %w", err)
			}
			a.throttle = limiter
		}
		a.processor.SetThrottle(a.throttle)
		logger.Info("recipient rate limiting enabled", "shared", a.redis != nil)
	}

	a.cleaner = queue.NewCleaner(s.Queue, queue.CleanerConfig{
		TerminalMaxAge: cfg.Storage.Retention.TerminalMaxAge,
		Interval:       cfg.Storage.Retention.CleanupInterval,
		StaleLease:     cfg.Storage.Retention.StaleLease,
	}, logger.With("component", "cleaner"))

	a.scheduler = a.buildScheduler()

	tlsConfig, acme, err := forgeTLS.Setup(cfg.API.TLS)
	if err != nil {
		return err
	}
	if acme != nil {
		a.acmeServer = acme.ChallengeServer()
		logger.Info("ACME (Let's Encrypt) enabled", "domains", acme.Domains())
	}

	a.apiServer = api.NewServer(api.Options{
		Config:       &cfg.API,
		Queue:        s.Queue,
		Identities:   s.Reputation,
		Rules:        s.Rules,
		Alerts:       s.Alerts,
		Recovery:     s.Recovery,
		Suppressions: s.Suppressions,
		Breakers:     transports,
		Webhooks:     a.buildWebhooks(),
		TLS:          tlsConfig,
		Version:      version,
	}, logger.With("component", "api"))

	if m != nil {
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}
	return nil
}

// buildTransports registers one provider per configured type
func buildTransports(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*transport.Registry, error) {
	registry := transport.NewRegistry(transport.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, logger.With("component", "breaker"))

	for _, p := range cfg.Providers {
		plog := logger.With("component", "transport", "provider", p.Type)
		switch p.Type {
		case transport.ProviderSMTP:
			keyring, err := buildKeyring(cfg.DKIM)
			if err != nil {
				return nil, err
			}
			registry.Register(transport.NewSMTPProvider(transport.SMTPConfig{
				Host:               p.Host,
				Port:               p.Port,
				Username:           p.Username,
				Password:           p.Password,
				TLSMode:            transport.TLSMode(p.TLSMode),
				InsecureSkipVerify: p.InsecureSkipVerify,
				Hostname:           cfg.Server.Hostname,
				PoolSize:           p.PoolSize,
				ConnectTimeout:     p.ConnectTimeout,
				SendTimeout:        p.SendTimeout,
			}, keyring, plog))
			if keyring.Len() > 0 {
				plog.Info("DKIM signing enabled", "domains", keyring.Len())
			}

		case transport.ProviderSES:
			ses, err := transport.NewSESProvider(ctx, transport.SESConfig{
				Region:           p.Region,
				AccessKeyID:      p.AccessKeyID,
				SecretAccessKey:  p.SecretAccessKey,
				ConfigurationSet: p.ConfigurationSet,
				Endpoint:         p.Endpoint,
			}, plog)
			if err != nil {
				registry.Close()
				return nil, fmt.Errorf("failed to create ses provider: %w", err)
			}
			registry.Register(ses)

		case transport.ProviderSendGrid:
			registry.Register(transport.NewSendGridProvider(transport.SendGridConfig{
				APIKey:  p.APIKey,
				BaseURL: p.BaseURL,
				Timeout: p.Timeout,
			}, plog))

		case transport.ProviderPostmark:
			registry.Register(transport.NewPostmarkProvider(transport.PostmarkConfig{
				ServerToken: p.ServerToken,
				BaseURL:     p.BaseURL,
				Timeout:     p.Timeout,
			}, plog))
		}
		plog.Info("provider registered")
	}
	return registry, nil
}

func buildKeyring(keys []config.DKIMConfig) (*dkim.Keyring, error) {
	keyring := dkim.NewKeyring()
	for _, k := range keys {
		if err := keyring.LoadFile(k.Domain, k.Selector, k.KeyFile); err != nil {
			return nil, fmt.Errorf("failed to load DKIM key for %s: %w", k.Domain, err)
		}
	}
	return keyring, nil
}

// buildWebhooks returns nil when no provider webhook is enabled
func (a *App) buildWebhooks() http.Handler {
	cfg := a.config.Webhooks
	var adapters []webhook.Adapter
	if cfg.SES.Enabled {
		adapters = append(adapters, webhook.NewSESAdapter(webhook.SESConfig{
			TopicARNs:   cfg.SES.TopicARNs,
			AutoConfirm: cfg.SES.AutoConfirm,
			Tolerance:   cfg.Tolerance,
		}))
	}
	if cfg.SendGrid.Enabled {
		adapters = append(adapters, webhook.NewSendGridAdapter(webhook.HMACConfig{
			Secret:    cfg.SendGrid.Secret,
			Tolerance: cfg.Tolerance,
		}))
	}
	if cfg.Postmark.Enabled {
		adapters = append(adapters, webhook.NewPostmarkAdapter(webhook.HMACConfig{
			Secret:    cfg.Postmark.Secret,
			Tolerance: cfg.Tolerance,
		}))
	}
	if len(adapters) == 0 {
		return nil
	}

	var replay webhook.ReplayGuard
	if a.redis != nil {
		replay = webhook.NewRedisReplayGuard(a.redis, a.config.Redis.Prefix+"webhook:", cfg.ReplayTTL)
	}

	s := a.services
	ingestor := webhook.NewIngestor(s.Queue, s.Reputation, s.Suppressions, a.logger.With("component", "ingest"))
	return webhook.NewHandler(ingestor, replay, a.logger.With("component", "webhook"), adapters...)
}

// buildScheduler registers the periodic maintenance jobs
func (a *App) buildScheduler() *Scheduler {
	cfg, s := a.config, a.services
	sched := NewScheduler(a.logger.With("component", "scheduler"))
	scopes := workspaces(cfg)

	sched.Aligned("reset_hourly", time.Hour, func(ctx context.Context) error {
		n, err := s.Reputation.ResetHourly(ctx)
		if err == nil && n > 0 {
			a.logger.Info("hourly usage reset", "identities", n)
		}
		return err
	})
	sched.Aligned("reset_daily", 24*time.Hour, func(ctx context.Context) error {
		n, err := s.Reputation.ResetDaily(ctx)
		if err == nil {
			a.logger.Info("daily usage reset", "identities", n)
		}
		return err
	})
	sched.Aligned("warmup_advance", 24*time.Hour, func(ctx context.Context) error {
		n, err := s.Reputation.AdvanceWarmup(ctx)
		if err == nil && n > 0 {
			a.logger.Info("warmup advanced", "mailboxes", n)
		}
		return err
	})

	sched.Every("reputation_recalc", cfg.Reputation.Interval, func(ctx context.Context) error {
		for _, ws := range scopes {
			sum, err := s.Reputation.Recalculate(ctx, ws)
			if err != nil {
				return err
			}
			a.logger.Debug("reputation recalculated",
				"workspace_id", ws,
				"identities", sum.Identities,
				"mailboxes", sum.Mailboxes,
				"domains", sum.Domains,
				"unhealthy", sum.UnhealthyIdentity,
			)
			metrics.SetIdentitiesUnhealthy(sum.UnhealthyIdentity)
		}
		return nil
	})

	if cfg.Blacklist.Enabled {
		sched.Every("blacklist_check", cfg.Blacklist.Interval, func(ctx context.Context) error {
			for _, ws := range scopes {
				if _, err := s.Blacklist.CheckAll(ctx, ws); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if cfg.AuthCheck.Enabled {
		sched.Every("auth_check", cfg.AuthCheck.Interval, func(ctx context.Context) error {
			for _, ws := range scopes {
				if _, err := s.Auth.CheckAll(ctx, ws); err != nil {
					return err
				}
			}
			return nil
		})
	}

	sched.Every("alert_check", cfg.Alerts.Interval, func(ctx context.Context) error {
		var errs []error
		for _, ws := range scopes {
			if _, err := s.Alerts.CheckThresholds(ctx, ws); err != nil {
				errs = append(errs, err)
			}
			if n, err := s.Alerts.AutoResolve(ctx, ws); err != nil {
				errs = append(errs, err)
			} else if n > 0 {
				a.logger.Info("alerts auto-resolved", "workspace_id", ws, "count", n)
			}
		}
		return errors.Join(errs...)
	})

	sched.Every("recovery", cfg.Recovery.Interval, func(ctx context.Context) error {
		for _, ws := range scopes {
			if _, err := s.Recovery.AutoCreate(ctx, ws); err != nil {
				return err
			}
			if cfg.Recovery.AutoExecute {
				if _, err := s.Recovery.ExecutePending(ctx, ws); err != nil {
					return err
				}
			}
		}
		return nil
	})

	sched.Every("dns_cache_purge", 10*time.Minute, func(ctx context.Context) error {
		s.Resolver.Purge()
		return nil
	})

	if cfg.API.TLS.Enabled() {
		sched.Every("tls_expiry", 24*time.Hour, a.checkCertificates)
	}

	if cfg.Metrics.Enabled {
		sched.Every("queue_gauges", cfg.Metrics.FlushInterval, a.processor.RefreshGauges)
	}
	return sched
}

// checkCertificates warns about API certificates close to expiry
func (a *App) checkCertificates(ctx context.Context) error {
	certs, err := forgeTLS.Certificates(a.config.API.TLS)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, c := range certs {
		if c.Expiring(now) {
			a.logger.Warn("api certificate expiring", "domain", c.Domain, "not_after", c.NotAfter, "days_left", c.DaysLeft)
			continue
		}
		a.logger.Debug("api certificate valid", "domain", c.Domain, "days_left", c.DaysLeft)
	}
	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting coldforge",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"providers", len(a.config.Providers),
		"jobs", a.scheduler.Jobs(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for provider, err := range a.transports.VerifyAll(ctx) {
		if err != nil {
			a.logger.Warn("provider verification failed", "provider", provider, "error", err)
		}
	}

	a.processor.Start(ctx)
	a.cleaner.Start(ctx)
	a.scheduler.Start(ctx)

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.acmeServer != nil {
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.acmeServer.Addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components. Only the first call has
// an effect.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
		defer cancel()

		// Stop intake first so no new sends start
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}

		a.processor.Stop()
		a.scheduler.Stop()
		a.cleaner.Stop()

		if a.acmeServer != nil {
			if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("acme server shutdown error", "error", err)
			}
		}

		if a.metricsServer != nil {
			if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("metrics server shutdown error", "error", err)
			}
		}

		a.closeResources()
		a.logger.Info("shutdown complete")
	})
	return nil
}

// closeResources releases everything New may have opened
func (a *App) closeResources() {
	if a.throttle != nil {
		if err := a.throttle.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}
	if a.transports != nil {
		if err := a.transports.Close(); err != nil {
			a.logger.Error("transport close error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if err := a.services.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Logger builds the configured logger for callers outside the server
func Logger(cfg config.LoggingConfig) *slog.Logger {
	return setupLogger(cfg)
}
