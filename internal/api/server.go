// Package api exposes the management HTTP API: message intake, queue
// control, identities, rotation rules, alerts, recovery tasks and
// suppressions. Provider webhooks are mounted unauthenticated.
package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/alert"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/config"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/ipfilter"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/queue"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/recovery"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/rotation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
)

// IdentityStore is the identity and reputation surface used by the API
type IdentityStore interface {
	ListIdentities(ctx context.Context, workspaceID string) ([]*reputation.Identity, error)
	GetIdentity(ctx context.Context, id string) (*reputation.Identity, error)
	SaveIdentity(ctx context.Context, i *reputation.Identity) error
	ListBlacklistChecks(ctx context.Context, id string, limit int) ([]*reputation.BlacklistCheck, error)
	ListMailboxes(ctx context.Context, workspaceID string) ([]*reputation.MailboxReputation, error)
	ListDomains(ctx context.Context, workspaceID string) ([]*reputation.DomainReputation, error)
}

// RuleStore persists rotation rules
type RuleStore interface {
	ListRules(ctx context.Context, workspaceID string) ([]*rotation.Rule, error)
	SaveRule(ctx context.Context, r *rotation.Rule) error
	DeleteRule(ctx context.Context, id string) error
}

// AlertService lists and resolves alerts
type AlertService interface {
	List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error)
	Resolve(ctx context.Context, id, by string) (*alert.Alert, error)
}

// RecoveryService manages remediation tasks
type RecoveryService interface {
	Create(ctx context.Context, t *recovery.Task) (*recovery.Task, bool, error)
	Get(ctx context.Context, id string) (*recovery.Task, error)
	List(ctx context.Context, f recovery.Filter) ([]*recovery.Task, error)
	Execute(ctx context.Context, id string) (*recovery.Task, error)
}

// SuppressionStore manages the suppression list
type SuppressionStore interface {
	Add(ctx context.Context, e *suppression.Entry) error
	Deactivate(ctx context.Context, workspaceID, email string) error
	List(ctx context.Context, workspaceID string, includeInactive bool) ([]*suppression.Entry, error)
}

// BreakerSource reports provider circuit breaker states
type BreakerSource interface {
	States() []transport.BreakerState
}

// Options wires the server to its backing services. Nil services leave
// their routes unmounted.
type Options struct {
	Config       *config.APIConfig
	Queue        queue.Queue
	Identities   IdentityStore
	Rules        RuleStore
	Alerts       AlertService
	Recovery     RecoveryService
	Suppressions SuppressionStore
	Breakers     BreakerSource
	Webhooks     http.Handler
	// TLS switches the listener to HTTPS when set
	TLS     *tls.Config
	Version string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	opts       Options
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options, logger *slog.Logger) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.APIConfig{}
	}
	s := &Server{
		router:    chi.NewRouter(),
		opts:      opts,
		config:    cfg,
		filter:    ipfilter.New("api", cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Providers sign their callbacks; the API key does not apply
	if s.opts.Webhooks != nil {
		s.router.Method(http.MethodPost, "/webhooks/{provider}", s.opts.Webhooks)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)

		if s.opts.Queue != nil {
			r.Post("/messages", s.handleEnqueue)
			r.Get("/messages", s.handleListMessages)
			r.Get("/messages/{id}", s.handleGetMessage)
			r.Post("/messages/cancel", s.handleCancel)
			r.Post("/messages/retry-failed", s.handleRetryFailed)
			r.Get("/queue/stats", s.handleQueueStats)
		}

		if s.opts.Identities != nil {
			r.Get("/identities", s.handleListIdentities)
			r.Post("/identities", s.handleSaveIdentity)
			r.Get("/identities/{id}", s.handleGetIdentity)
			r.Get("/reputation/mailboxes", s.handleListMailboxes)
			r.Get("/reputation/domains", s.handleListDomains)
		}

		if s.opts.Rules != nil {
			r.Get("/rotation/rules", s.handleListRules)
			r.Post("/rotation/rules", s.handleSaveRule)
			r.Delete("/rotation/rules/{id}", s.handleDeleteRule)
		}

		if s.opts.Alerts != nil {
			r.Get("/alerts", s.handleListAlerts)
			r.Post("/alerts/{id}/resolve", s.handleResolveAlert)
		}

		if s.opts.Recovery != nil {
			r.Get("/recovery/tasks", s.handleListTasks)
			r.Post("/recovery/tasks", s.handleCreateTask)
			r.Get("/recovery/tasks/{id}", s.handleGetTask)
			r.Post("/recovery/tasks/{id}/execute", s.handleExecuteTask)
		}

		if s.opts.Suppressions != nil {
			r.Get("/suppressions", s.handleListSuppressions)
			r.Post("/suppressions", s.handleAddSuppression)
			r.Delete("/suppressions", s.handleRemoveSuppression)
		}

		if s.opts.Breakers != nil {
			r.Get("/providers/breakers", s.handleBreakers)
		}
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	if s.opts.TLS != nil {
		s.httpServer.TLSConfig = s.opts.TLS
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
