package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/alert"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/recovery"
)

// ResolveRequest is the optional body for POST /alerts/{id}/resolve
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// TaskRequest is the request body for POST /recovery/tasks
type TaskRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Type        string `json:"type"`
	EntityType  string `json:"entity_type,omitempty"`
	EntityID    string `json:"entity_id"`
	Reason      string `json:"reason"`
	AlertID     string `json:"alert_id,omitempty"`
}

// Validate implements validation.Validatable
func (req TaskRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.WorkspaceID, validation.Required),
		validation.Field(&req.Type, validation.Required, validation.In(
			string(recovery.TypeDelisting),
			string(recovery.TypeWarmupReset),
			string(recovery.TypeRateReduction),
			string(recovery.TypeQuarantine),
		)),
		validation.Field(&req.EntityType, validation.In(string(recovery.EntityIdentity), string(recovery.EntityMailbox))),
		validation.Field(&req.EntityID, validation.Required),
	)
}

// handleListAlerts handles GET /api/v1/alerts
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := s.opts.Alerts.List(r.Context(), alert.Filter{
		WorkspaceID:    q.Get("workspace_id"),
		Type:           alert.Type(q.Get("type")),
		EntityID:       q.Get("entity_id"),
		UnresolvedOnly: queryBool(r, "unresolved"),
		Limit:          queryInt(r, "limit", 100),
	})
	if err != nil {
		s.internalError(w, "Failed to list alerts", err)
		return
	}
	s.sendJSON(w, http.StatusOK, listOf(alerts))
}

// handleResolveAlert handles POST /api/v1/alerts/{id}/resolve
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ResolveRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	a, err := s.opts.Alerts.Resolve(r.Context(), id, req.ResolvedBy)
	switch {
	case errors.Is(err, alert.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Alert not found")
		return
	case errors.Is(err, alert.ErrAlreadyResolved):
		s.sendError(w, http.StatusConflict, "Alert already resolved")
		return
	case err != nil:
		s.internalError(w, "Failed to resolve alert", err, "alert_id", id)
		return
	}
	s.logger.Info("alert resolved via API", "alert_id", id, "resolved_by", req.ResolvedBy)
	s.sendJSON(w, http.StatusOK, a)
}

// handleListTasks handles GET /api/v1/recovery/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.opts.Recovery.List(r.Context(), recovery.Filter{
		WorkspaceID: q.Get("workspace_id"),
		Type:        recovery.Type(q.Get("type")),
		Status:      recovery.Status(q.Get("status")),
		EntityID:    q.Get("entity_id"),
		Limit:       queryInt(r, "limit", 100),
	})
	if err != nil {
		s.internalError(w, "Failed to list recovery tasks", err)
		return
	}
	s.sendJSON(w, http.StatusOK, listOf(tasks))
}

// handleGetTask handles GET /api/v1/recovery/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.opts.Recovery.Get(r.Context(), id)
	if errors.Is(err, recovery.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Recovery task not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to get recovery task", err, "task_id", id)
		return
	}
	s.sendJSON(w, http.StatusOK, task)
}

// handleCreateTask handles POST /api/v1/recovery/tasks. An active task
// for the same entity and type is returned with 200 instead of a new one.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, created, err := s.opts.Recovery.Create(r.Context(), &recovery.Task{
		WorkspaceID: req.WorkspaceID,
		Type:        recovery.Type(req.Type),
		EntityType:  recovery.EntityType(req.EntityType),
		EntityID:    req.EntityID,
		Reason:      req.Reason,
		AlertID:     req.AlertID,
	})
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.sendJSON(w, status, task)
}

// handleExecuteTask handles POST /api/v1/recovery/tasks/{id}/execute.
// A task that runs and fails is returned with its error recorded.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.opts.Recovery.Execute(r.Context(), id)
	switch {
	case errors.Is(err, recovery.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Recovery task not found")
		return
	case errors.Is(err, recovery.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
		return
	case err != nil && task == nil:
		s.internalError(w, "Failed to execute recovery task", err, "task_id", id)
		return
	}
	s.sendJSON(w, http.StatusOK, task)
}
