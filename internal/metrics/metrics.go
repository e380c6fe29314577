package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for coldforge
type Metrics struct {
	// Message counters
	MessagesSentTotal      *prometheus.CounterVec
	MessagesFailedTotal    *prometheus.CounterVec
	MessagesDeferredTotal  *prometheus.CounterVec
	MessagesCancelledTotal *prometheus.CounterVec
	MessagesBouncedTotal   *prometheus.CounterVec

	// Queue gauges
	QueueMessages *prometheus.GaugeVec

	// Transport
	ProviderRequestsTotal *prometheus.CounterVec
	BreakerState          *prometheus.GaugeVec
	SMTPPoolActive        *prometheus.GaugeVec

	// Rotation
	RotationSelectionsTotal *prometheus.CounterVec
	RotationNoCapacityTotal prometheus.Counter

	// Reputation
	BlacklistListingsTotal *prometheus.CounterVec
	IdentitiesUnhealthy    prometheus.Gauge

	// Alerts and recovery
	AlertsCreatedTotal  *prometheus.CounterVec
	AlertsResolvedTotal *prometheus.CounterVec
	RecoveryTasksTotal  *prometheus.CounterVec

	// Webhooks
	WebhookEventsTotal   *prometheus.CounterVec
	WebhookRejectedTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_messages_sent_total",
				Help: "Total number of messages accepted by a provider",
			},
			[]string{"provider"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_messages_failed_total",
				Help: "Total number of messages that exhausted their attempts",
			},
			[]string{"provider"},
		),
		MessagesDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_messages_deferred_total",
				Help: "Total number of messages scheduled for a later attempt",
			},
			[]string{"reason"},
		),
		MessagesCancelledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_messages_cancelled_total",
				Help: "Total number of cancelled messages",
			},
			[]string{"reason"},
		),
		MessagesBouncedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_messages_bounced_total",
				Help: "Total number of bounced messages",
			},
			[]string{"bounce_type"},
		),

		QueueMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coldforge_queue_messages",
				Help: "Number of messages in the queue by status",
			},
			[]string{"status"},
		),

		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_provider_requests_total",
				Help: "Total number of provider send calls by outcome",
			},
			[]string{"provider", "outcome"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coldforge_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		SMTPPoolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coldforge_smtp_pool_active",
				Help: "Number of SMTP connections currently checked out",
			},
			[]string{"provider"},
		),

		RotationSelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_rotation_selections_total",
				Help: "Total number of identity selections by reason",
			},
			[]string{"reason"},
		),
		RotationNoCapacityTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coldforge_rotation_no_capacity_total",
				Help: "Total number of selections that found no identity with capacity",
			},
		),

		BlacklistListingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_blacklist_listings_total",
				Help: "Total number of DNSBL listings observed",
			},
			[]string{"zone"},
		),
		IdentitiesUnhealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coldforge_identities_unhealthy",
				Help: "Number of sending identities currently marked unhealthy",
			},
		),

		AlertsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_alerts_created_total",
				Help: "Total number of alerts created",
			},
			[]string{"type", "severity"},
		),
		AlertsResolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_alerts_resolved_total",
				Help: "Total number of alerts resolved",
			},
			[]string{"type"},
		),
		RecoveryTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_recovery_tasks_total",
				Help: "Total number of recovery task transitions",
			},
			[]string{"type", "status"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_webhook_events_total",
				Help: "Total number of ingested provider events",
			},
			[]string{"provider", "event_type"},
		),
		WebhookRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_webhook_rejected_total",
				Help: "Total number of rejected webhook requests",
			},
			[]string{"provider", "reason"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coldforge_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coldforge_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesDeferredTotal,
		m.MessagesCancelledTotal,
		m.MessagesBouncedTotal,
		m.QueueMessages,
		m.ProviderRequestsTotal,
		m.BreakerState,
		m.SMTPPoolActive,
		m.RotationSelectionsTotal,
		m.RotationNoCapacityTotal,
		m.BlacklistListingsTotal,
		m.IdentitiesUnhealthy,
		m.AlertsCreatedTotal,
		m.AlertsResolvedTotal,
		m.RecoveryTasksTotal,
		m.WebhookEventsTotal,
		m.WebhookRejectedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(provider string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(provider string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(provider).Inc()
	}
}

// IncMessagesDeferred increments the deferred message counter
func IncMessagesDeferred(reason string) {
	if m := Global(); m != nil {
		m.MessagesDeferredTotal.WithLabelValues(reason).Inc()
	}
}

// IncMessagesCancelled increments the cancelled message counter
func IncMessagesCancelled(reason string) {
	if m := Global(); m != nil {
		m.MessagesCancelledTotal.WithLabelValues(reason).Inc()
	}
}

// IncMessagesBounced increments the bounced message counter
func IncMessagesBounced(bounceType string) {
	if m := Global(); m != nil {
		m.MessagesBouncedTotal.WithLabelValues(bounceType).Inc()
	}
}

// SetQueueMessages sets the queue gauge for a status
func SetQueueMessages(status string, n int) {
	if m := Global(); m != nil {
		m.QueueMessages.WithLabelValues(status).Set(float64(n))
	}
}

// IncProviderRequests counts a provider call outcome (success, transient, permanent, rejected)
func IncProviderRequests(provider, outcome string) {
	if m := Global(); m != nil {
		m.ProviderRequestsTotal.WithLabelValues(provider, outcome).Inc()
	}
}

// SetBreakerState records the breaker state of a provider
func SetBreakerState(provider string, state int) {
	if m := Global(); m != nil {
		m.BreakerState.WithLabelValues(provider).Set(float64(state))
	}
}

// AddSMTPPoolActive adjusts the checked-out connection gauge
func AddSMTPPoolActive(provider string, delta int) {
	if m := Global(); m != nil {
		m.SMTPPoolActive.WithLabelValues(provider).Add(float64(delta))
	}
}

// IncRotationSelections counts an identity selection
func IncRotationSelections(reason string) {
	if m := Global(); m != nil {
		m.RotationSelectionsTotal.WithLabelValues(reason).Inc()
	}
}

// IncRotationNoCapacity counts a selection with no eligible identity
func IncRotationNoCapacity() {
	if m := Global(); m != nil {
		m.RotationNoCapacityTotal.Inc()
	}
}

// IncBlacklistListings counts a DNSBL listing
func IncBlacklistListings(zone string) {
	if m := Global(); m != nil {
		m.BlacklistListingsTotal.WithLabelValues(zone).Inc()
	}
}

// SetIdentitiesUnhealthy sets the unhealthy identity gauge
func SetIdentitiesUnhealthy(n int) {
	if m := Global(); m != nil {
		m.IdentitiesUnhealthy.Set(float64(n))
	}
}

// IncAlertsCreated counts a newly created alert
func IncAlertsCreated(alertType, severity string) {
	if m := Global(); m != nil {
		m.AlertsCreatedTotal.WithLabelValues(alertType, severity).Inc()
	}
}

// IncAlertsResolved counts a resolved alert
func IncAlertsResolved(alertType string) {
	if m := Global(); m != nil {
		m.AlertsResolvedTotal.WithLabelValues(alertType).Inc()
	}
}

// IncRecoveryTasks counts a recovery task reaching a status
func IncRecoveryTasks(taskType, status string) {
	if m := Global(); m != nil {
		m.RecoveryTasksTotal.WithLabelValues(taskType, status).Inc()
	}
}

// IncWebhookEvents counts an ingested provider event
func IncWebhookEvents(provider, eventType string) {
	if m := Global(); m != nil {
		m.WebhookEventsTotal.WithLabelValues(provider, eventType).Inc()
	}
}

// IncWebhookRejected counts a rejected webhook request
func IncWebhookRejected(provider, reason string) {
	if m := Global(); m != nil {
		m.WebhookRejectedTotal.WithLabelValues(provider, reason).Inc()
	}
}
