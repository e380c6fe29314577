package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/queue"
)

// EnqueueRequest is the request body for POST /messages
type EnqueueRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	CampaignID  string            `json:"campaign_id,omitempty"`
	SequenceID  string            `json:"sequence_id,omitempty"`
	LeadID      string            `json:"lead_id,omitempty"`
	From        queue.Sender      `json:"from"`
	To          queue.Recipient   `json:"to"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"html_body,omitempty"`
	TextBody    string            `json:"text_body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TrackingID  string            `json:"tracking_id,omitempty"`
	IdentityID  string            `json:"identity_id,omitempty"`
	Pool        string            `json:"pool,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	SendWindow  *queue.SendWindow `json:"send_window,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

func (req *EnqueueRequest) message() *queue.Message {
	msg := &queue.Message{
		WorkspaceID: req.WorkspaceID,
		CampaignID:  req.CampaignID,
		SequenceID:  req.SequenceID,
		LeadID:      req.LeadID,
		From:        req.From,
		To:          req.To,
		ReplyTo:     req.ReplyTo,
		Subject:     req.Subject,
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Headers:     req.Headers,
		TrackingID:  req.TrackingID,
		IdentityID:  req.IdentityID,
		Pool:        req.Pool,
		Priority:    req.Priority,
		SendWindow:  req.SendWindow,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledAt != nil {
		msg.ScheduledAt = *req.ScheduledAt
	}
	return msg
}

// EnqueueResponse is the response for POST /messages
type EnqueueResponse struct {
	ID          string              `json:"id"`
	Status      queue.MessageStatus `json:"status"`
	ScheduledAt time.Time           `json:"scheduled_at"`
}

// MessageResponse is a message with its event log
type MessageResponse struct {
	*queue.Message
	Events []*queue.Event `json:"events"`
}

// CancelRequest is the request body for POST /messages/cancel
type CancelRequest struct {
	IDs []string `json:"ids"`
}

// Validate implements validation.Validatable
func (c CancelRequest) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.IDs, validation.Required, validation.Length(1, 1000)),
	)
}

// RetryFailedRequest is the request body for POST /messages/retry-failed
type RetryFailedRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

// handleEnqueue handles POST /api/v1/messages
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}

	msg := req.message()
	if err := msg.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.opts.Queue.Enqueue(r.Context(), msg); err != nil {
		s.internalError(w, "Failed to queue message", err)
		return
	}

	s.logger.Info("message queued via API",
		"message_id", msg.ID,
		"workspace_id", msg.WorkspaceID,
		"status", msg.Status,
	)

	s.sendJSON(w, http.StatusAccepted, EnqueueResponse{
		ID:          msg.ID,
		Status:      msg.Status,
		ScheduledAt: msg.ScheduledAt,
	})
}

// handleListMessages handles GET /api/v1/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{
		WorkspaceID: q.Get("workspace_id"),
		CampaignID:  q.Get("campaign_id"),
		Status:      queue.MessageStatus(q.Get("status")),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	}

	messages, err := s.opts.Queue.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, "Failed to list messages", err)
		return
	}
	s.sendJSON(w, http.StatusOK, listOf(messages))
}

// handleGetMessage handles GET /api/v1/messages/{id}
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.opts.Queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to get message", err, "message_id", id)
		return
	}

	events, err := s.opts.Queue.Events(r.Context(), id)
	if err != nil {
		s.internalError(w, "Failed to get message events", err, "message_id", id)
		return
	}
	if events == nil {
		events = []*queue.Event{}
	}

	s.sendJSON(w, http.StatusOK, MessageResponse{Message: msg, Events: events})
}

// handleCancel handles POST /api/v1/messages/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.opts.Queue.Cancel(r.Context(), req.IDs)
	if err != nil {
		s.internalError(w, "Failed to cancel messages", err)
		return
	}

	cancelled := 0
	for _, res := range results {
		if res.Cancelled {
			cancelled++
		}
	}
	s.logger.Info("messages cancelled via API", "requested", len(req.IDs), "cancelled", cancelled)

	s.sendJSON(w, http.StatusOK, map[string]any{
		"cancelled": cancelled,
		"results":   results,
	})
}

// handleRetryFailed handles POST /api/v1/messages/retry-failed
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	var req RetryFailedRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	n, err := s.opts.Queue.RetryFailed(r.Context(), req.WorkspaceID)
	if err != nil {
		s.internalError(w, "Failed to retry messages", err)
		return
	}
	s.logger.Info("failed messages requeued via API", "workspace_id", req.WorkspaceID, "count", n)
	s.sendJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// handleQueueStats handles GET /api/v1/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Queue.Stats(r.Context())
	if err != nil {
		s.internalError(w, "Failed to get queue stats", err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}
