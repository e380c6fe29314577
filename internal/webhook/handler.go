package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
)

// maxBodySize bounds a webhook body
const maxBodySize = 5 << 20

// Handler serves POST /webhooks/{provider}
type Handler struct {
	adapters map[string]Adapter
	ingestor *Ingestor
	replay   ReplayGuard
	logger   *slog.Logger
}

// NewHandler creates a webhook handler. replay may be nil.
func NewHandler(ingestor *Ingestor, replay ReplayGuard, logger *slog.Logger, adapters ...Adapter) *Handler {
	h := &Handler{
		adapters: make(map[string]Adapter, len(adapters)),
		ingestor: ingestor,
		replay:   replay,
		logger:   logger,
	}
	for _, a := range adapters {
		h.adapters[a.Provider()] = a
	}
	return h
}

// Providers returns the provider names with an adapter
func (h *Handler) Providers() []string {
	out := make([]string, 0, len(h.adapters))
	for name := range h.adapters {
		out = append(out, name)
	}
	return out
}

type response struct {
	Status       string         `json:"status"`
	Summary      *IngestSummary `json:"summary,omitempty"`
	Confirmation *Confirmation  `json:"confirmation,omitempty"`
	Error        string         `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ServeHTTP verifies, deduplicates and ingests one delivery
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	adapter, ok := h.adapters[provider]
	if !ok {
		writeJSON(w, http.StatusNotFound, response{Status: "error", Error: ErrUnknownProvider.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: "failed to read body"})
		return
	}

	batch, err := adapter.Parse(r.Context(), r.Header, body)
	if err != nil {
		status, reason := http.StatusUnauthorized, "signature"
		switch {
		case errors.Is(err, ErrInvalidPayload):
			status, reason = http.StatusBadRequest, "payload"
		case errors.Is(err, ErrStaleTimestamp):
			reason = "stale"
		case errors.Is(err, ErrUntrustedCertURL):
			reason = "cert_url"
		}
		metrics.IncWebhookRejected(provider, reason)
		h.logger.Warn("webhook rejected", "provider", provider, "reason", reason, "error", err)
		writeJSON(w, status, response{Status: "error", Error: err.Error()})
		return
	}

	if h.replay != nil {
		first, err := h.replay.Claim(r.Context(), provider, batch.ReplayKey)
		if err != nil {
			// the guard is best effort; ingest rather than drop
			h.logger.Warn("replay guard unavailable", "provider", provider, "error", err)
		} else if !first {
			metrics.IncWebhookRejected(provider, "replay")
			writeJSON(w, http.StatusOK, response{Status: "duplicate"})
			return
		}
	}

	if batch.Confirmation != nil {
		h.logger.Info("subscription confirmation received",
			"provider", provider,
			"topic_arn", batch.Confirmation.TopicARN,
			"subscribe_url", batch.Confirmation.SubscribeURL,
			"confirmed", batch.Confirmation.Confirmed,
		)
		writeJSON(w, http.StatusOK, response{Status: "confirmation", Confirmation: batch.Confirmation})
		return
	}

	sum, err := h.ingestor.Ingest(r.Context(), batch.Events)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok", Summary: sum})
}
