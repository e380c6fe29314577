package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/rotation"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
)

// IdentityRequest creates or updates a sending identity
type IdentityRequest struct {
	ID          string `json:"id,omitempty"`
	WorkspaceID string `json:"workspace_id"`
	Address     string `json:"address"`
	Kind        string `json:"kind"`
	Provider    string `json:"provider"`
	Pool        string `json:"pool,omitempty"`
	Priority    int    `json:"priority"`
	MaxPerHour  int    `json:"max_per_hour"`
	MaxPerDay   int    `json:"max_per_day"`
	Active      *bool  `json:"active,omitempty"`
}

// Validate implements validation.Validatable
func (req IdentityRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.WorkspaceID, validation.Required),
		validation.Field(&req.Address, validation.Required),
		validation.Field(&req.Kind, validation.In(string(reputation.KindIP), string(reputation.KindAccount))),
		validation.Field(&req.Provider, validation.Required),
		validation.Field(&req.MaxPerHour, validation.Min(0)),
		validation.Field(&req.MaxPerDay, validation.Min(0)),
	)
}

func (req *IdentityRequest) apply(i *reputation.Identity) {
	i.WorkspaceID = req.WorkspaceID
	i.Address = req.Address
	if req.Kind != "" {
		i.Kind = reputation.IdentityKind(req.Kind)
	}
	i.Provider = req.Provider
	i.Pool = req.Pool
	i.Priority = req.Priority
	i.MaxPerHour = req.MaxPerHour
	i.MaxPerDay = req.MaxPerDay
	if req.Active != nil {
		i.Active = *req.Active
	}
}

// IdentityResponse is an identity with its recent blacklist checks
type IdentityResponse struct {
	*reputation.Identity
	BlacklistChecks []*reputation.BlacklistCheck `json:"blacklist_checks"`
}

// handleListIdentities handles GET /api/v1/identities
func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	ids, err := s.opts.Identities.ListIdentities(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		s.internalError(w, "Failed to list identities", err)
		return
	}
	s.sendJSON(w, http.StatusOK, listOf(ids))
}

// handleGetIdentity handles GET /api/v1/identities/{id}
func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ident, err := s.opts.Identities.GetIdentity(r.Context(), id)
	if errors.Is(err, reputation.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Identity not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to get identity", err, "identity_id", id)
		return
	}

	checks, err := s.opts.Identities.ListBlacklistChecks(r.Context(), id, queryInt(r, "checks", 20))
	if err != nil {
		s.internalError(w, "Failed to list blacklist checks", err, "identity_id", id)
		return
	}
	if checks == nil {
		checks = []*reputation.BlacklistCheck{}
	}
	s.sendJSON(w, http.StatusOK, IdentityResponse{Identity: ident, BlacklistChecks: checks})
}

// handleSaveIdentity handles POST /api/v1/identities. Reputation state of
// an existing identity is kept; only its configuration is replaced.
func (s *Server) handleSaveIdentity(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	ident, err := s.opts.Identities.GetIdentity(r.Context(), req.ID)
	switch {
	case req.ID == "" || errors.Is(err, reputation.ErrNotFound):
		ident = &reputation.Identity{ID: req.ID, Active: true}
		status = http.StatusCreated
	case err != nil:
		s.internalError(w, "Failed to get identity", err, "identity_id", req.ID)
		return
	}
	req.apply(ident)

	if err := s.opts.Identities.SaveIdentity(r.Context(), ident); err != nil {
		s.internalError(w, "Failed to save identity", err)
		return
	}
	s.logger.Info("identity saved via API", "identity_id", ident.ID, "address", ident.Address, "created", status == http.StatusCreated)
	s.sendJSON(w, status, ident)
}

// handleListMailboxes handles GET /api/v1/reputation/mailboxes
func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	mailboxes, err := s.opts.Identities.ListMailboxes(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		s.internalError(w, "Failed to list mailboxes", err)
		return
	}
	s.sendJSON(w, http.StatusOK, listOf(mailboxes))
}

// handleListDomains handles GET /api/v1/reputation/domains
func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.opts.Identities.ListDomains(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		s.internalError(w, "Failed to list domains", err)
		return
	}
	s.sendJSON(w, http.StatusOK, listOf(domains))
}

// handleListRules handles GET /api/v1/rotation/rules
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.opts.Rules.ListRules(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		s.internalError(w, "Failed to list rules", err)
		return
	}
	s.sendJSON(w, http.StatusOK, listOf(rules))
}

// handleSaveRule handles POST /api/v1/rotation/rules
func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var rule rotation.Rule
	if !s.decode(w, r, &rule) {
		return
	}
	if err := validation.ValidateStruct(&rule,
		validation.Field(&rule.WorkspaceID, validation.Required),
		validation.Field(&rule.Name, validation.Required),
	); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.opts.Rules.SaveRule(r.Context(), &rule); err != nil {
		s.internalError(w, "Failed to save rule", err)
		return
	}
	s.logger.Info("rotation rule saved via API", "rule_id", rule.ID, "type", rule.Type())
	s.sendJSON(w, http.StatusCreated, &rule)
}

// handleDeleteRule handles DELETE /api/v1/rotation/rules/{id}
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.opts.Rules.DeleteRule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Rule not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to delete rule", err, "rule_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
