package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/store"
)

// registerTemplateRoutes registers template routes
func (s *Server) registerTemplateRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleTemplatesList)
		r.Post("/", s.handleTemplatesCreate)
		r.Get("/{id}", s.handleTemplateGet)
		r.Put("/{id}", s.handleTemplateUpdate)
		r.Delete("/{id}", s.handleTemplateDelete)
	})
}

// TemplateRequest is the request for creating or updating a template
type TemplateRequest struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []*models.Template `json:"templates"`
	Total     int                `json:"total"`
}

// handleTemplatesList handles GET /api/v1/templates
func (s *Server) handleTemplatesList(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Templates.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}

	search := strings.ToLower(r.URL.Query().Get("search"))
	resp := TemplateListResponse{Templates: []*models.Template{}}
	for _, t := range templates {
		if search != "" && !strings.Contains(strings.ToLower(t.Name), search) {
			continue
		}
		resp.Templates = append(resp.Templates, t)
	}
	resp.Total = len(resp.Templates)

	sendJSON(w, http.StatusOK, resp)
}

// handleTemplatesCreate handles POST /api/v1/templates
func (s *Server) handleTemplatesCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.Body == "" {
		sendError(w, http.StatusBadRequest, "name and body are required")
		return
	}

	t := &models.Template{Name: req.Name, Body: req.Body}
	if err := s.deps.Templates.Create(r.Context(), t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			sendError(w, http.StatusConflict, "Template with this name already exists")
			return
		}
		s.logger.Error("failed to create template", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to create template")
		return
	}

	sendJSON(w, http.StatusCreated, t)
}

// handleTemplateGet handles GET /api/v1/templates/{id}
func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.templateError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, t)
}

// handleTemplateUpdate handles PUT /api/v1/templates/{id}
func (s *Server) handleTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	t, err := s.deps.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.templateError(w, err)
		return
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Body != "" {
		t.Body = req.Body
	}

	if err := s.deps.Templates.Update(r.Context(), t); err != nil {
		s.templateError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, t)
}

// handleTemplateDelete handles DELETE /api/v1/templates/{id}
func (s *Server) handleTemplateDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.templateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) templateError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		sendError(w, http.StatusNotFound, "Template not found")
		return
	}
	s.logger.Error("template operation failed", "error", err)
	sendError(w, http.StatusInternalServerError, "Template operation failed")
}
