package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	return metric.Gauge.GetValue()
}

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	// Vectors without observations are not gathered; plain counters and gauges are.
	if len(families) < 2 {
		t.Errorf("expected at least 2 metric families, got %d", len(families))
	}
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)
	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}
	SetGlobal(nil)
}

func TestIncMessagesSent(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesSent("smtp")
	IncMessagesSent("smtp")
	IncMessagesSent("ses")

	c, err := m.MessagesSentTotal.GetMetricWithLabelValues("smtp")
	if err != nil {
		t.Fatalf("failed to get counter: %v", err)
	}
	if v := counterValue(t, c); v != 2 {
		t.Errorf("expected counter value 2, got %f", v)
	}
}

func TestBreakerStateGauge(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	SetBreakerState("sendgrid", 2)
	SetBreakerState("sendgrid", 1)

	g, err := m.BreakerState.GetMetricWithLabelValues("sendgrid")
	if err != nil {
		t.Fatalf("failed to get gauge: %v", err)
	}
	if v := counterValue(t, g); v != 1 {
		t.Errorf("expected gauge value 1, got %f", v)
	}
}

func TestAlertAndRecoveryCounters(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncAlertsCreated("blacklist", "critical")
	IncRecoveryTasks("delisting", "pending")
	IncRecoveryTasks("delisting", "pending")

	c, _ := m.AlertsCreatedTotal.GetMetricWithLabelValues("blacklist", "critical")
	if v := counterValue(t, c); v != 1 {
		t.Errorf("expected 1 alert, got %f", v)
	}
	r, _ := m.RecoveryTasksTotal.GetMetricWithLabelValues("delisting", "pending")
	if v := counterValue(t, r); v != 2 {
		t.Errorf("expected 2 recovery transitions, got %f", v)
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	IncMessagesSent("smtp")
	IncMessagesFailed("smtp")
	IncMessagesDeferred("no_capacity")
	IncMessagesCancelled("suppressed")
	IncMessagesBounced("hard")
	SetQueueMessages("pending", 3)
	IncProviderRequests("smtp", "success")
	SetBreakerState("smtp", 0)
	AddSMTPPoolActive("smtp", 1)
	IncRotationSelections("weighted")
	IncRotationNoCapacity()
	IncBlacklistListings("zen.spamhaus.org")
	SetIdentitiesUnhealthy(1)
	IncAlertsCreated("blacklist", "critical")
	IncAlertsResolved("blacklist")
	IncRecoveryTasks("quarantine", "completed")
	IncWebhookEvents("ses", "delivered")
	IncWebhookRejected("ses", "signature")
}
