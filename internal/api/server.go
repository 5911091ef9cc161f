package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/cafenote/internal/config"
	"github.com/foxzi/cafenote/internal/crawler"
	"github.com/foxzi/cafenote/internal/journal"
	"github.com/foxzi/cafenote/internal/metrics"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/orchestrator"
	"github.com/foxzi/cafenote/internal/provider"
)

// Orchestrator runs and controls send batches
type Orchestrator interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Resume(ctx context.Context, batchID string) (*orchestrator.Result, error)
	Stop() bool
	Current() (orchestrator.Snapshot, bool)
	Pending() []*orchestrator.PendingSwitch
}

// Events is a subscribable orchestrator event stream
type Events interface {
	Subscribe() (<-chan orchestrator.Event, func())
}

// Discoverer runs a discovery pass
type Discoverer interface {
	Discover(ctx context.Context, req crawler.Request, h crawler.Handlers) (*crawler.Result, error)
}

// Journal reads recorded batches
type Journal interface {
	ListBatches(ctx context.Context, filter journal.ListFilter) ([]*journal.Batch, error)
	GetBatch(ctx context.Context, id string) (*journal.Batch, error)
	Attempts(ctx context.Context, batchID string) ([]*journal.Attempt, error)
	Stats(ctx context.Context) (*journal.Stats, error)
}

// AccountStore lists and activates accounts
type AccountStore interface {
	List(ctx context.Context) ([]*models.Account, error)
	SetActive(ctx context.Context, id string) error
}

// CafeStore manages monitored cafes
type CafeStore interface {
	Create(ctx context.Context, c *models.Cafe) error
	List(ctx context.Context, p provider.Provider, activeOnly bool) ([]*models.Cafe, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

// MemberStore lists persisted recipients
type MemberStore interface {
	List(ctx context.Context, filter models.MemberFilter) ([]*models.Member, error)
	KnownKeys(ctx context.Context) (map[string]struct{}, error)
	Remember(ctx context.Context, members []*models.Member) (int, error)
}

// TemplateStore manages message templates
type TemplateStore interface {
	Create(ctx context.Context, t *models.Template) error
	Get(ctx context.Context, idOrName string) (*models.Template, error)
	List(ctx context.Context) ([]*models.Template, error)
	Update(ctx context.Context, t *models.Template) error
	Delete(ctx context.Context, id string) error
}

// LoginSurfaces opens and closes provider login windows
type LoginSurfaces interface {
	OpenLoginSurface(ctx context.Context, p provider.Provider) error
	CloseLoginSurface(p provider.Provider) error
}

// CredentialFiller types the active account's stored password into an open login window
type CredentialFiller interface {
	FillActive(ctx context.Context, p provider.Provider) (bool, error)
}

// SessionGate reports provider authentication
type SessionGate interface {
	IsAuthenticated(ctx context.Context, p provider.Provider) bool
}

// Deps groups the collaborators of the API. Sandbox may be nil.
type Deps struct {
	Orchestrator Orchestrator
	Events       Events
	Discoverer   Discoverer
	Journal      Journal
	Accounts     AccountStore
	Cafes        CafeStore
	Members      MemberStore
	Templates    TemplateStore
	Login        LoginSurfaces
	Credentials  CredentialFiller
	Gate         SessionGate
	Sandbox      *SandboxServer
}

// Server is the HTTP control API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time
	now        func() time.Time

	// batches outlive the request that started them
	baseCtx context.Context
}

// NewServer creates a new API server. Batches started through it run under baseCtx.
func NewServer(baseCtx context.Context, deps Deps, cfg *config.APIConfig, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
		now:       time.Now,
		baseCtx:   baseCtx,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/discover", s.handleDiscover)

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", s.handleBatchList)
			r.Post("/", s.handleBatchStart)
			r.Get("/current", s.handleBatchCurrent)
			r.Post("/stop", s.handleBatchStop)
			r.Get("/{id}", s.handleBatchGet)
			r.Post("/{id}/resume", s.handleBatchResume)
		})

		r.Get("/events", s.handleEvents)

		s.registerManagementRoutes(r)
		s.registerTemplateRoutes(r)
		if s.deps.Sandbox != nil {
			s.deps.Sandbox.RegisterRoutes(r)
		}
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:        s.config.ListenAddr,
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// no write timeout: the event stream stays open
		IdleTimeout: s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
