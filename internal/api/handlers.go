package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cafenote/internal/crawler"
	"github.com/foxzi/cafenote/internal/journal"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/orchestrator"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/store"
)

// startTimeout bounds how long POST /batches waits for the batch id
const startTimeout = 10 * time.Second

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Batches *journal.Stats         `json:"batches,omitempty"`
	Current *orchestrator.Snapshot `json:"current,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// DiscoverRequest is the request body for POST /discover
type DiscoverRequest struct {
	Provider string   `json:"provider,omitempty"`
	Window   string   `json:"window"`
	CafeIDs  []string `json:"cafe_ids,omitempty"`
}

// BatchRequest is the request body for POST /batches
type BatchRequest struct {
	Provider   string             `json:"provider"`
	TemplateID string             `json:"template_id,omitempty"`
	Body       string             `json:"body,omitempty"`
	Recipients []models.Recipient `json:"recipients"`
}

// BatchStartResponse is the response for POST /batches and /batches/{id}/resume
type BatchStartResponse struct {
	BatchID string `json:"batch_id,omitempty"`
	Status  string `json:"status"`
}

// BatchDetailResponse is the response for GET /batches/{id}
type BatchDetailResponse struct {
	Batch    *journal.Batch              `json:"batch"`
	Attempts []*journal.Attempt          `json:"attempts"`
	Pending  *orchestrator.PendingSwitch `json:"pending,omitempty"`
}

// CurrentResponse is the response for GET /batches/current
type CurrentResponse struct {
	Running *orchestrator.Snapshot        `json:"running,omitempty"`
	Pending []*orchestrator.PendingSwitch `json:"pending"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if s.deps.Journal != nil {
		if stats, err := s.deps.Journal.Stats(r.Context()); err == nil {
			resp.Batches = stats
		}
	}
	if s.deps.Orchestrator != nil {
		if snap, ok := s.deps.Orchestrator.Current(); ok {
			resp.Current = &snap
		}
	}

	sendJSON(w, http.StatusOK, resp)
}

// handleDiscover handles POST /api/v1/discover
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req DiscoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	window, err := crawler.ParseWindow(req.Window)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	var p provider.Provider
	if req.Provider != "" {
		if p, err = provider.Parse(req.Provider); err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	cafes, err := s.deps.Cafes.List(r.Context(), p, true)
	if err != nil {
		s.logger.Error("failed to list cafes", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list cafes")
		return
	}
	cafes = filterCafes(cafes, req.CafeIDs)

	known, err := s.deps.Members.KnownKeys(r.Context())
	if err != nil {
		s.logger.Error("failed to load known members", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to load members")
		return
	}

	res, err := s.deps.Discoverer.Discover(r.Context(), crawler.Request{
		Cafes:     cafes,
		Window:    window,
		KnownKeys: known,
	}, crawler.Handlers{})
	if err != nil {
		// the client went away; nothing to report
		s.logger.Warn("discovery interrupted", "error", err)
		return
	}

	sendJSON(w, http.StatusOK, res)
}

func filterCafes(cafes []*models.Cafe, ids []string) []*models.Cafe {
	if len(ids) == 0 {
		return cafes
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*models.Cafe
	for _, c := range cafes {
		if want[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// handleBatchStart handles POST /api/v1/batches. The batch runs in the
// background; the response carries its id once the batch has started.
func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := provider.Parse(req.Provider)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Recipients) == 0 {
		sendError(w, http.StatusBadRequest, "recipients are required")
		return
	}

	body := req.Body
	if req.TemplateID != "" {
		tmpl, err := s.deps.Templates.Get(r.Context(), req.TemplateID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				sendError(w, http.StatusNotFound, "Template not found")
				return
			}
			s.logger.Error("failed to load template", "template_id", req.TemplateID, "error", err)
			sendError(w, http.StatusInternalServerError, "Failed to load template")
			return
		}
		body = tmpl.Body
	}
	if body == "" {
		sendError(w, http.StatusBadRequest, "body or template_id is required")
		return
	}

	events, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.deps.Orchestrator.Run(s.baseCtx, orchestrator.Request{
			Provider:   p,
			Recipients: req.Recipients,
			Body:       body,
			TemplateID: req.TemplateID,
		})
		errCh <- err
	}()

	timeout := time.NewTimer(startTimeout)
	defer timeout.Stop()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				s.sendRunError(w, err)
				return
			}
			// finished before the start event was read
			sendJSON(w, http.StatusAccepted, BatchStartResponse{Status: "finished"})
			return
		case ev, ok := <-events:
			if !ok {
				sendJSON(w, http.StatusAccepted, BatchStartResponse{Status: "started"})
				return
			}
			if ev.Type == orchestrator.EventBatchStart {
				sendJSON(w, http.StatusAccepted, BatchStartResponse{BatchID: ev.BatchID, Status: "started"})
				return
			}
		case <-timeout.C:
			sendJSON(w, http.StatusAccepted, BatchStartResponse{Status: "started"})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) sendRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrBatchRunning):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNoPendingSwitch):
		sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrEmptyBatch), errors.Is(err, orchestrator.ErrEmptyBody),
		errors.Is(err, provider.ErrUnknownProvider):
		sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("failed to start batch", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to start batch")
	}
}

// handleBatchResume handles POST /api/v1/batches/{id}/resume
func (s *Server) handleBatchResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.isPending(id) {
		sendError(w, http.StatusNotFound, orchestrator.ErrNoPendingSwitch.Error())
		return
	}
	if _, running := s.deps.Orchestrator.Current(); running {
		sendError(w, http.StatusConflict, orchestrator.ErrBatchRunning.Error())
		return
	}

	go func(ctx context.Context) {
		if _, err := s.deps.Orchestrator.Resume(ctx, id); err != nil {
			s.logger.Warn("failed to resume batch", "batch_id", id, "error", err)
		}
	}(s.baseCtx)

	sendJSON(w, http.StatusAccepted, BatchStartResponse{BatchID: id, Status: "resumed"})
}

func (s *Server) isPending(id string) bool {
	for _, ps := range s.deps.Orchestrator.Pending() {
		if ps.BatchID == id {
			return true
		}
	}
	return false
}

// handleBatchStop handles POST /api/v1/batches/stop
func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Orchestrator.Stop() {
		sendError(w, http.StatusConflict, "No batch is running")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleBatchCurrent handles GET /api/v1/batches/current
func (s *Server) handleBatchCurrent(w http.ResponseWriter, r *http.Request) {
	resp := CurrentResponse{Pending: s.deps.Orchestrator.Pending()}
	if resp.Pending == nil {
		resp.Pending = []*orchestrator.PendingSwitch{}
	}
	if snap, ok := s.deps.Orchestrator.Current(); ok {
		resp.Running = &snap
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleBatchList handles GET /api/v1/batches
func (s *Server) handleBatchList(w http.ResponseWriter, r *http.Request) {
	filter := journal.ListFilter{
		Status: journal.Status(r.URL.Query().Get("status")),
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

	batches, err := s.deps.Journal.ListBatches(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list batches", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list batches")
		return
	}
	if batches == nil {
		batches = []*journal.Batch{}
	}

	sendJSON(w, http.StatusOK, map[string]any{"batches": batches, "total": len(batches)})
}

// handleBatchGet handles GET /api/v1/batches/{id}
func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := s.deps.Journal.GetBatch(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get batch", "batch_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get batch")
		return
	}
	if b == nil {
		sendError(w, http.StatusNotFound, "Batch not found")
		return
	}

	attempts, err := s.deps.Journal.Attempts(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get attempts", "batch_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get batch")
		return
	}
	if attempts == nil {
		attempts = []*journal.Attempt{}
	}

	resp := BatchDetailResponse{Batch: b, Attempts: attempts}
	for _, ps := range s.deps.Orchestrator.Pending() {
		if ps.BatchID == id {
			resp.Pending = ps
		}
	}

	sendJSON(w, http.StatusOK, resp)
}

// handleEvents handles GET /api/v1/events as a Server-Sent Events stream
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	events, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// Helper functions

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
