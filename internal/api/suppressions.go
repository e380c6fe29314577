package api

import (
	"errors"
	"net/http"
	"net/mail"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
)

// SuppressionRequest adds an address. An empty workspace suppresses it
// everywhere.
type SuppressionRequest struct {
	WorkspaceID string     `json:"workspace_id"`
	Email       string     `json:"email"`
	Reason      string     `json:"reason"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Validate implements validation.Validatable
func (req SuppressionRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Email, validation.Required, validation.By(func(v any) error {
			if _, err := mail.ParseAddress(v.(string)); err != nil {
				return errors.New("must be a valid email address")
			}
			return nil
		})),
		validation.Field(&req.Reason, validation.By(func(v any) error {
			if r, _ := v.(string); r != "" && !suppression.Reason(r).Valid() {
				return errors.New("unknown suppression reason")
			}
			return nil
		})),
	)
}

// handleListSuppressions handles GET /api/v1/suppressions
func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Suppressions.List(r.Context(), r.URL.Query().Get("workspace_id"), queryBool(r, "include_inactive"))
	if err != nil {
		s.internalError(w, "Failed to list suppressions", err)
		return
	}
	s.sendJSON(w, http.StatusOK, listOf(entries))
}

// handleAddSuppression handles POST /api/v1/suppressions
func (s *Server) handleAddSuppression(w http.ResponseWriter, r *http.Request) {
	var req SuppressionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason := suppression.Reason(req.Reason)
	if reason == "" {
		reason = suppression.ReasonManual
	}

	entry := &suppression.Entry{
		WorkspaceID: req.WorkspaceID,
		Email:       req.Email,
		Reason:      reason,
		Source:      "api",
		ExpiresAt:   req.ExpiresAt,
	}
	if err := s.opts.Suppressions.Add(r.Context(), entry); err != nil {
		s.internalError(w, "Failed to add suppression", err)
		return
	}
	s.logger.Info("address suppressed via API", "workspace_id", req.WorkspaceID, "reason", reason)
	s.sendJSON(w, http.StatusCreated, entry)
}

// handleRemoveSuppression handles DELETE /api/v1/suppressions?email=&workspace_id=.
// Entries are deactivated, never deleted.
func (s *Server) handleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := q.Get("email")
	if email == "" {
		s.sendError(w, http.StatusBadRequest, "email is required")
		return
	}

	err := s.opts.Suppressions.Deactivate(r.Context(), q.Get("workspace_id"), email)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Suppression not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to remove suppression", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBreakers handles GET /api/v1/providers/breakers
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, listOf(s.opts.Breakers.States()))
}
