package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/store"
)

// registerManagementRoutes registers account, login, cafe and member routes
func (s *Server) registerManagementRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.handleAccountsList)
		r.Post("/{id}/activate", s.handleAccountActivate)
	})

	r.Route("/login/{provider}", func(r chi.Router) {
		r.Get("/", s.handleLoginStatus)
		r.Post("/", s.handleLoginOpen)
		r.Delete("/", s.handleLoginClose)
	})

	r.Route("/cafes", func(r chi.Router) {
		r.Get("/", s.handleCafesList)
		r.Post("/", s.handleCafesCreate)
		r.Put("/{id}/active", s.handleCafeSetActive)
		r.Delete("/{id}", s.handleCafeDelete)
	})

	r.Get("/members", s.handleMembersList)
	r.Post("/members", s.handleMembersCreate)
}

// AccountResponse is an account without its secret
type AccountResponse struct {
	*models.Account
	EffectiveCount int `json:"effective_count"`
}

// handleAccountsList handles GET /api/v1/accounts
func (s *Server) handleAccountsList(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Accounts.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list accounts", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	today := models.Today(s.now())
	resp := make([]AccountResponse, len(accounts))
	for i, a := range accounts {
		resp[i] = AccountResponse{Account: a, EffectiveCount: a.EffectiveCount(today)}
	}

	sendJSON(w, http.StatusOK, map[string]any{"accounts": resp})
}

// handleAccountActivate handles POST /api/v1/accounts/{id}/activate
func (s *Server) handleAccountActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, running := s.deps.Orchestrator.Current(); running {
		sendError(w, http.StatusConflict, "Cannot switch accounts while a batch is running")
		return
	}

	if err := s.deps.Accounts.SetActive(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendError(w, http.StatusNotFound, "Account not found")
			return
		}
		s.logger.Error("failed to activate account", "account_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to activate account")
		return
	}

	s.logger.Info("account activated", "account_id", id)
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) providerParam(w http.ResponseWriter, r *http.Request) (provider.Provider, bool) {
	p, err := provider.Parse(chi.URLParam(r, "provider"))
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return p, true
}

// handleLoginStatus handles GET /api/v1/login/{provider}
func (s *Server) handleLoginStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"provider":      p,
		"authenticated": s.deps.Gate.IsAuthenticated(r.Context(), p),
	})
}

// handleLoginOpen handles POST /api/v1/login/{provider}
func (s *Server) handleLoginOpen(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerParam(w, r)
	if !ok {
		return
	}

	if err := s.deps.Login.OpenLoginSurface(s.baseCtx, p); err != nil {
		s.logger.Error("failed to open login surface", "provider", p, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to open login window")
		return
	}

	autofilled := false
	if s.deps.Credentials != nil {
		filled, err := s.deps.Credentials.FillActive(s.baseCtx, p)
		if err != nil {
			s.logger.Warn("failed to autofill login form", "provider", p, "error", err)
		}
		autofilled = filled
	}

	sendJSON(w, http.StatusAccepted, map[string]any{"provider": p, "status": "login_open", "autofilled": autofilled})
}

// handleLoginClose handles DELETE /api/v1/login/{provider}
func (s *Server) handleLoginClose(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerParam(w, r)
	if !ok {
		return
	}

	if err := s.deps.Login.CloseLoginSurface(p); err != nil {
		s.logger.Warn("failed to close login surface", "provider", p, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// CafeCreateRequest is the request for POST /api/v1/cafes
type CafeCreateRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Provider string `json:"provider,omitempty"`
	Active   *bool  `json:"active,omitempty"`
}

// handleCafesList handles GET /api/v1/cafes
func (s *Server) handleCafesList(w http.ResponseWriter, r *http.Request) {
	var p provider.Provider
	if v := r.URL.Query().Get("provider"); v != "" {
		var err error
		if p, err = provider.Parse(v); err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	activeOnly := r.URL.Query().Get("active") == "true"

	cafes, err := s.deps.Cafes.List(r.Context(), p, activeOnly)
	if err != nil {
		s.logger.Error("failed to list cafes", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list cafes")
		return
	}
	if cafes == nil {
		cafes = []*models.Cafe{}
	}

	sendJSON(w, http.StatusOK, map[string]any{"cafes": cafes})
}

// handleCafesCreate handles POST /api/v1/cafes
func (s *Server) handleCafesCreate(w http.ResponseWriter, r *http.Request) {
	var req CafeCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL == "" {
		sendError(w, http.StatusBadRequest, "url is required")
		return
	}

	cafe := &models.Cafe{Name: req.Name, URL: req.URL, IsActive: true}
	if req.Active != nil {
		cafe.IsActive = *req.Active
	}
	if req.Provider != "" {
		p, err := provider.Parse(req.Provider)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		cafe.Provider = p
	}

	if err := s.deps.Cafes.Create(r.Context(), cafe); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			sendError(w, http.StatusConflict, "Cafe already exists")
			return
		}
		s.logger.Error("failed to create cafe", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to create cafe")
		return
	}

	sendJSON(w, http.StatusCreated, cafe)
}

// handleCafeSetActive handles PUT /api/v1/cafes/{id}/active
func (s *Server) handleCafeSetActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.deps.Cafes.SetActive(r.Context(), id, req.Active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendError(w, http.StatusNotFound, "Cafe not found")
			return
		}
		s.logger.Error("failed to update cafe", "cafe_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to update cafe")
		return
	}

	sendJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}

// handleCafeDelete handles DELETE /api/v1/cafes/{id}
func (s *Server) handleCafeDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Cafes.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to delete cafe", "cafe_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to delete cafe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMembersList handles GET /api/v1/members
func (s *Server) handleMembersList(w http.ResponseWriter, r *http.Request) {
	filter := models.MemberFilter{
		CafeID: r.URL.Query().Get("cafe_id"),
		Search: r.URL.Query().Get("search"),
		Limit:  100,
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = min(l, 1000)
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	members, err := s.deps.Members.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list members", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list members")
		return
	}
	if members == nil {
		members = []*models.Member{}
	}

	sendJSON(w, http.StatusOK, map[string]any{"members": members, "total": len(members)})
}

// MembersCreateRequest is the request for POST /api/v1/members
type MembersCreateRequest struct {
	Members []models.Recipient `json:"members"`
}

// handleMembersCreate handles POST /api/v1/members. Members already stored count as known, not as errors.
func (s *Server) handleMembersCreate(w http.ResponseWriter, r *http.Request) {
	var req MembersCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Members) == 0 {
		sendError(w, http.StatusBadRequest, "members is required")
		return
	}

	members := make([]*models.Member, 0, len(req.Members))
	for _, m := range req.Members {
		if m.MemberKey == "" {
			sendError(w, http.StatusBadRequest, "member_key is required")
			return
		}
		members = append(members, m.AsMember())
	}

	created, err := s.deps.Members.Remember(r.Context(), members)
	if err != nil {
		s.logger.Error("failed to store members", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to store members")
		return
	}

	sendJSON(w, http.StatusOK, map[string]any{"created": created, "known": len(members) - created})
}
