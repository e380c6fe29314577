package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/alert"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/config"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/queue"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/recovery"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/rotation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/transport"
)

const testKey = "test-key"

type staticBreakers []transport.BreakerState

func (b staticBreakers) States() []transport.BreakerState { return b }

type testEnv struct {
	server     *Server
	queue      *queue.BoltStorage
	identities *reputation.Store
	alerts     *alert.Engine
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestServer(t *testing.T, cfg *config.APIConfig) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := queue.NewBoltStorage(db)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	rep, err := reputation.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create reputation store: %v", err)
	}
	rules, err := rotation.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create rule store: %v", err)
	}
	alertStore, err := alert.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create alert store: %v", err)
	}
	taskStore, err := recovery.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create recovery store: %v", err)
	}
	sup, err := suppression.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create suppression store: %v", err)
	}

	logger := testLogger()
	engine := alert.NewEngine(alertStore, rep, alert.DefaultThresholds(), logger)

	srv := NewServer(Options{
		Config:       cfg,
		Queue:        q,
		Identities:   rep,
		Rules:        rules,
		Alerts:       engine,
		Recovery:     recovery.NewOrchestrator(taskStore, rep, recovery.DefaultConfig(), logger),
		Suppressions: sup,
		Breakers: staticBreakers{
			{Provider: transport.ProviderSMTP, State: "closed"},
			{Provider: transport.ProviderSES, State: "open", Failures: 5},
		},
		Webhooks: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		Version: "test",
	}, logger)

	return &testEnv{server: srv, queue: q, identities: rep, alerts: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func validMessage() map[string]any {
	return map[string]any{
		"workspace_id": "ws-1",
		"campaign_id":  "camp-1",
		"from":         map[string]any{"email": "rep@sender.test", "mailbox_id": "mb-1"},
		"to":           map[string]any{"email": "Lead@Prospect.test"},
		"subject":      "Quick question",
		"text_body":    "Hi there",
	}
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resp := decodeBody[HealthResponse](t, w)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("unexpected health response: %+v", resp)
	}
	if resp.Queue == nil {
		t.Error("expected queue stats in health response")
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash key: %v", err)
	}

	tests := []struct {
		name       string
		cfg        *config.APIConfig
		header     string
		value      string
		wantStatus int
	}{
		{"no key configured", &config.APIConfig{}, "", "", http.StatusOK},
		{"missing key", &config.APIConfig{APIKey: testKey}, "", "", http.StatusUnauthorized},
		{"wrong key", &config.APIConfig{APIKey: testKey}, "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", &config.APIConfig{APIKey: testKey}, "Authorization", "Bearer " + testKey, http.StatusOK},
		{"x-api-key", &config.APIConfig{APIKey: testKey}, "X-API-Key", testKey, http.StatusOK},
		{"bcrypt hash", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "hashed-key", http.StatusOK},
		{"bcrypt mismatch", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "other", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.cfg)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestIPFilter(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey, AllowedIPs: []string{"10.0.0.0/8"}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	req.Header.Set("X-API-Key", testKey)
	req.RemoteAddr = "192.0.2.1:4000"
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for outside address, got %d", w.Code)
	}

	req.RemoteAddr = "10.1.2.3:4000"
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for allowed address, got %d", w.Code)
	}
}

func TestWebhooksSkipAuth(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", bytes.NewReader([]byte("[]")))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected webhook handler to run without api key, got %d", w.Code)
	}
}

func TestEnqueueAndGetMessage(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	w := env.do(t, http.MethodPost, "/api/v1/messages", validMessage())
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[EnqueueResponse](t, w)
	if created.ID == "" {
		t.Fatal("expected message id")
	}
	if created.Status != queue.StatusPending {
		t.Errorf("expected pending, got %s", created.Status)
	}

	w = env.do(t, http.MethodGet, "/api/v1/messages/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	got := decodeBody[MessageResponse](t, w)
	if got.To.Email != "lead@prospect.test" {
		t.Errorf("expected normalized recipient, got %q", got.To.Email)
	}
	if len(got.Events) == 0 || got.Events[0].Type != queue.EventEnqueued {
		t.Errorf("expected enqueued event, got %+v", got.Events)
	}

	w = env.do(t, http.MethodGet, "/api/v1/messages?workspace_id=ws-1", nil)
	list := decodeBody[ListResponse[*queue.Message]](t, w)
	if list.Count != 1 {
		t.Errorf("expected 1 listed message, got %d", list.Count)
	}

	w = env.do(t, http.MethodGet, "/api/v1/messages/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown message, got %d", w.Code)
	}
}

func TestEnqueueValidation(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"missing workspace", func(m map[string]any) { delete(m, "workspace_id") }},
		{"missing subject", func(m map[string]any) { delete(m, "subject") }},
		{"missing body", func(m map[string]any) { delete(m, "text_body") }},
		{"bad recipient", func(m map[string]any) { m["to"] = map[string]any{"email": "not-an-address"} }},
		{"bad window", func(m map[string]any) { m["send_window"] = map[string]any{"start_hour": 25, "end_hour": 3} }},
		{"unknown field", func(m map[string]any) { m["attachments"] = []string{"x"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMessage()
			tt.mutate(m)
			w := env.do(t, http.MethodPost, "/api/v1/messages", m)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCancelMessages(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	created := decodeBody[EnqueueResponse](t, env.do(t, http.MethodPost, "/api/v1/messages", validMessage()))

	w := env.do(t, http.MethodPost, "/api/v1/messages/cancel", CancelRequest{IDs: []string{created.ID, "missing"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resp := decodeBody[struct {
		Cancelled int                  `json:"cancelled"`
		Results   []queue.CancelResult `json:"results"`
	}](t, w)
	if resp.Cancelled != 1 || len(resp.Results) != 2 {
		t.Fatalf("unexpected cancel response: %+v", resp)
	}
	if resp.Results[1].Cancelled || resp.Results[1].Error == "" {
		t.Errorf("expected error for unknown id, got %+v", resp.Results[1])
	}

	// A second cancel is rejected per id, not for the whole request
	w = env.do(t, http.MethodPost, "/api/v1/messages/cancel", CancelRequest{IDs: []string{created.ID}})
	resp = decodeBody[struct {
		Cancelled int                  `json:"cancelled"`
		Results   []queue.CancelResult `json:"results"`
	}](t, w)
	if resp.Cancelled != 0 {
		t.Errorf("expected already cancelled message to stay cancelled once, got %d", resp.Cancelled)
	}

	w = env.do(t, http.MethodPost, "/api/v1/messages/cancel", CancelRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty ids, got %d", w.Code)
	}

	stats := decodeBody[queue.QueueStats](t, env.do(t, http.MethodGet, "/api/v1/queue/stats", nil))
	if stats.ByStatus[queue.StatusCancelled] != 1 {
		t.Errorf("expected 1 cancelled in stats, got %+v", stats.ByStatus)
	}
}

func TestRetryFailed(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	w := env.do(t, http.MethodPost, "/api/v1/messages/retry-failed", RetryFailedRequest{WorkspaceID: "ws-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if got := decodeBody[map[string]int](t, w)["retried"]; got != 0 {
		t.Errorf("expected nothing to retry, got %d", got)
	}
}

func TestIdentities(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	req := IdentityRequest{
		ID:          "ip-1",
		WorkspaceID: "ws-1",
		Address:     "192.0.2.10",
		Kind:        "ip",
		Provider:    transport.ProviderSMTP,
		MaxPerHour:  50,
	}
	w := env.do(t, http.MethodPost, "/api/v1/identities", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[reputation.Identity](t, w)
	if !created.Active || created.ReputationScore == 0 {
		t.Errorf("expected active identity with starting score, got %+v", created)
	}

	// Counters survive a config update
	if _, err := env.identities.IncrementUsage(context.Background(), "ip-1"); err != nil {
		t.Fatalf("IncrementUsage() error = %v", err)
	}
	req.MaxPerHour = 20
	w = env.do(t, http.MethodPost, "/api/v1/identities", req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 on update, got %d", w.Code)
	}
	updated := decodeBody[reputation.Identity](t, w)
	if updated.MaxPerHour != 20 || updated.CurrentPerHour != 1 {
		t.Errorf("expected cap 20 with usage kept, got %+v", updated)
	}

	w = env.do(t, http.MethodGet, "/api/v1/identities/ip-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	got := decodeBody[IdentityResponse](t, w)
	if got.BlacklistChecks == nil {
		t.Error("expected empty blacklist check list, got nil")
	}

	w = env.do(t, http.MethodGet, "/api/v1/identities/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/identities", IdentityRequest{WorkspaceID: "ws-1", Address: "x", Provider: "smtp", Kind: "mailbox"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad kind, got %d", w.Code)
	}

	list := decodeBody[ListResponse[*reputation.Identity]](t, env.do(t, http.MethodGet, "/api/v1/identities?workspace_id=ws-1", nil))
	if list.Count != 1 {
		t.Errorf("expected 1 identity, got %d", list.Count)
	}
}

func TestRotationRules(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	w := env.do(t, http.MethodPost, "/api/v1/rotation/rules", map[string]any{
		"workspace_id": "ws-1",
		"name":         "split",
		"type":         "weighted",
		"active":       true,
		"config":       map[string]any{"weights": map[string]int{"ip-1": 3, "ip-2": 1}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	rule := decodeBody[rotation.Rule](t, w)
	if rule.ID == "" || rule.Type() != rotation.TypeWeighted {
		t.Fatalf("unexpected rule: %+v", rule)
	}

	w = env.do(t, http.MethodPost, "/api/v1/rotation/rules", map[string]any{
		"workspace_id": "ws-1",
		"name":         "empty",
		"type":         "weighted",
		"config":       map[string]any{"weights": map[string]int{}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for weighted rule without weights, got %d", w.Code)
	}

	list := decodeBody[ListResponse[*rotation.Rule]](t, env.do(t, http.MethodGet, "/api/v1/rotation/rules?workspace_id=ws-1", nil))
	if list.Count != 1 {
		t.Errorf("expected 1 rule, got %d", list.Count)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/rotation/rules/"+rule.ID, nil); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/rotation/rules/"+rule.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestAlerts(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	a, _, err := env.alerts.Raise(context.Background(), &alert.Alert{
		WorkspaceID: "ws-1",
		Type:        alert.TypeBounceRate,
		Severity:    alert.SeverityCritical,
		EntityType:  alert.EntityMailbox,
		EntityID:    "mb-1",
		Value:       0.12,
		Threshold:   0.1,
	})
	if err != nil {
		t.Fatalf("Raise() error = %v", err)
	}

	list := decodeBody[ListResponse[*alert.Alert]](t, env.do(t, http.MethodGet, "/api/v1/alerts?workspace_id=ws-1&unresolved=true", nil))
	if list.Count != 1 {
		t.Fatalf("expected 1 open alert, got %d", list.Count)
	}

	w := env.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/resolve", ResolveRequest{ResolvedBy: "ops"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resolved := decodeBody[alert.Alert](t, w)
	if !resolved.IsResolved || resolved.ResolvedBy != "ops" {
		t.Errorf("unexpected resolved alert: %+v", resolved)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/resolve", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for resolved alert, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/alerts/missing/resolve", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	list = decodeBody[ListResponse[*alert.Alert]](t, env.do(t, http.MethodGet, "/api/v1/alerts?workspace_id=ws-1&unresolved=true", nil))
	if list.Count != 0 {
		t.Errorf("expected no open alerts, got %d", list.Count)
	}
}

func TestRecoveryTasks(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})
	ctx := context.Background()

	if err := env.identities.SaveIdentity(ctx, &reputation.Identity{
		ID: "ip-1", WorkspaceID: "ws-1", Address: "192.0.2.10", Provider: "smtp",
		Active: true, MaxPerHour: 100, MaxPerDay: 1000,
	}); err != nil {
		t.Fatalf("SaveIdentity() error = %v", err)
	}

	body := TaskRequest{WorkspaceID: "ws-1", Type: "rate_reduction", EntityType: "identity", EntityID: "ip-1", Reason: "complaints"}
	w := env.do(t, http.MethodPost, "/api/v1/recovery/tasks", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	task := decodeBody[recovery.Task](t, w)

	w = env.do(t, http.MethodPost, "/api/v1/recovery/tasks", body)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for duplicate active task, got %d", w.Code)
	}
	if dup := decodeBody[recovery.Task](t, w); dup.ID != task.ID {
		t.Errorf("expected existing task %s, got %s", task.ID, dup.ID)
	}

	w = env.do(t, http.MethodPost, "/api/v1/recovery/tasks/"+task.ID+"/execute", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	done := decodeBody[recovery.Task](t, w)
	if done.Status != recovery.StatusCompleted {
		t.Errorf("expected completed task, got %s", done.Status)
	}

	ident, err := env.identities.GetIdentity(ctx, "ip-1")
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if ident.MaxPerHour != 50 || ident.MaxPerDay != 500 {
		t.Errorf("expected caps halved to 50/500, got %d/%d", ident.MaxPerHour, ident.MaxPerDay)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/recovery/tasks/"+task.ID+"/execute", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 re-executing completed task, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/recovery/tasks/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/recovery/tasks", TaskRequest{WorkspaceID: "ws-1", Type: "reboot", EntityID: "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", w.Code)
	}

	list := decodeBody[ListResponse[*recovery.Task]](t, env.do(t, http.MethodGet, "/api/v1/recovery/tasks?status=completed", nil))
	if list.Count != 1 {
		t.Errorf("expected 1 completed task, got %d", list.Count)
	}
}

func TestSuppressions(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	w := env.do(t, http.MethodPost, "/api/v1/suppressions", SuppressionRequest{WorkspaceID: "ws-1", Email: "Gone@Prospect.test"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	entry := decodeBody[suppression.Entry](t, w)
	if entry.Reason != suppression.ReasonManual || entry.Source != "api" {
		t.Errorf("unexpected entry: %+v", entry)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/suppressions", SuppressionRequest{Email: "nope"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad email, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/suppressions", SuppressionRequest{Email: "a@b.test", Reason: "bored"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad reason, got %d", w.Code)
	}

	list := decodeBody[ListResponse[*suppression.Entry]](t, env.do(t, http.MethodGet, "/api/v1/suppressions?workspace_id=ws-1", nil))
	if list.Count != 1 || list.Items[0].Email != "gone@prospect.test" {
		t.Fatalf("unexpected suppression list: %+v", list)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/suppressions?workspace_id=ws-1&email=gone@prospect.test", nil); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	list = decodeBody[ListResponse[*suppression.Entry]](t, env.do(t, http.MethodGet, "/api/v1/suppressions?workspace_id=ws-1", nil))
	if list.Count != 0 {
		t.Errorf("expected no active entries, got %d", list.Count)
	}
	list = decodeBody[ListResponse[*suppression.Entry]](t, env.do(t, http.MethodGet, "/api/v1/suppressions?workspace_id=ws-1&include_inactive=true", nil))
	if list.Count != 1 || list.Items[0].Active {
		t.Errorf("expected one inactive entry, got %+v", list.Items)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/suppressions?workspace_id=ws-1&email=other@prospect.test", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestBreakers(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{APIKey: testKey})

	w := env.do(t, http.MethodGet, "/api/v1/providers/breakers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	list := decodeBody[ListResponse[transport.BreakerState]](t, w)
	if list.Count != 2 || list.Items[1].State != "open" {
		t.Errorf("unexpected breaker states: %+v", list.Items)
	}
}
