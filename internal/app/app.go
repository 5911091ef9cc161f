package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/cafenote/internal/api"
	"github.com/foxzi/cafenote/internal/browser"
	"github.com/foxzi/cafenote/internal/config"
	"github.com/foxzi/cafenote/internal/cookiegate"
	"github.com/foxzi/cafenote/internal/crawler"
	"github.com/foxzi/cafenote/internal/journal"
	"github.com/foxzi/cafenote/internal/metrics"
	"github.com/foxzi/cafenote/internal/orchestrator"
	"github.com/foxzi/cafenote/internal/rotation"
	"github.com/foxzi/cafenote/internal/sandbox"
	"github.com/foxzi/cafenote/internal/secret"
	"github.com/foxzi/cafenote/internal/store"
)

// Options tweak how the application is assembled
type Options struct {
	Version string
	// ForceVisible launches the browser with a window regardless of config, for login
	ForceVisible bool
}

// App is the main application
type App struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	db        *store.DB
	accounts  *store.AccountRepository
	cafes     *store.CafeRepository
	members   *store.MemberRepository
	templates *store.TemplateRepository

	journal        *journal.BoltStorage
	sandboxStorage *sandbox.Storage

	browser      *browser.Browser
	gate         *cookiegate.Gate
	policy       *rotation.Policy
	events       *orchestrator.Broadcaster
	orchestrator *orchestrator.Orchestrator
	crawler      *crawler.Crawler
	credentials  *Credentials

	cleaner       *journal.Cleaner
	sweeper       *counterSweeper
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates a new application instance
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	jrnl, err := journal.NewBoltStorage(cfg.Storage.JournalPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	sandboxStorage, err := sandbox.NewStorage(jrnl.DB())
	if err != nil {
		jrnl.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}
	if cfg.Send.Sandbox {
		logger.Info("sandbox mode enabled, messages will be captured instead of sent")
	}

	var box *secret.Box
	if cfg.Security.SecretKey != "" {
		if box, err = secret.NewBox(cfg.Security.SecretKey); err != nil {
			jrnl.Close()
			db.Close()
			return nil, fmt.Errorf("failed to create secret box: %w", err)
		}
	}

	headless := cfg.Browser.Headless && !opts.ForceVisible
	b, err := browser.New(browser.Config{
		Headless:    headless,
		ExecPath:    cfg.Browser.ExecPath,
		UserAgent:   cfg.Browser.UserAgent,
		UserDataDir: cfg.Browser.UserDataDir,
		Width:       cfg.Browser.WindowWidth,
		Height:      cfg.Browser.WindowHeight,
		LoadTimeout: cfg.Browser.LoadTimeout,
	}, logger.With("component", "browser"))
	if err != nil {
		jrnl.Close()
		db.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	a := &App{
		config:         cfg,
		logger:         logger,
		version:        opts.Version,
		db:             db,
		accounts:       store.NewAccountRepository(db.DB),
		cafes:          store.NewCafeRepository(db.DB),
		members:        store.NewMemberRepository(db.DB),
		templates:      store.NewTemplateRepository(db.DB),
		journal:        jrnl,
		sandboxStorage: sandboxStorage,
		browser:        b,
		events:         orchestrator.NewBroadcaster(64, logger.With("component", "events")),
	}
	a.baseCtx, a.baseCancel = context.WithCancel(context.Background())

	a.credentials = NewCredentials(a.accounts, box, b, logger.With("component", "credentials"))
	a.gate = cookiegate.New(b, logger.With("component", "cookie_gate"))
	a.policy = rotation.NewPolicy(a.accounts, providerCaps(cfg))

	senders := newSenderFactory(cfg, b, sandboxStorage, logger)
	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Accounts:  a.accounts,
		Members:   a.members,
		Gate:      a.gate,
		Cookies:   b,
		Rotation:  a.policy,
		NewSender: senders.New,
		Journal:   jrnl,
		Sink: orchestrator.MultiSink{
			a.events,
			orchestrator.LogSink{Logger: logger.With("component", "orchestrator_events")},
		},
	}, orchestrator.Config{
		MinDelay:      cfg.Send.MinDelay,
		MaxDelay:      cfg.Send.MaxDelay,
		SwitchTimeout: cfg.Send.SwitchTimeout,
		Sandbox:       cfg.Send.Sandbox,
	}, logger.With("component", "orchestrator"))

	a.crawler = newCrawler(cfg, b, logger)

	a.cleaner = journal.NewCleaner(jrnl, journal.CleanerConfig{
		MaxAge: cfg.Storage.Retention,
	}, logger.With("component", "journal_cleaner"))
	a.sweeper = newCounterSweeper(a.accounts, time.Hour, logger.With("component", "counter_sweep"))

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		collector, err := metrics.NewCollector(jrnl.DB(), m, batchStats{jrnl}, cfg.Storage.JournalPath, 0)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		metrics.SetCollector(collector)
		a.collector = collector
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Orchestrator: a.orchestrator,
			Events:       a.events,
			Discoverer:   a.crawler,
			Journal:      jrnl,
			Accounts:     a.accounts,
			Cafes:        a.cafes,
			Members:      a.members,
			Templates:    a.templates,
			Login:        b,
			Credentials:  a.credentials,
			Gate:         a.gate,
		}
		if cfg.Send.Sandbox {
			deps.Sandbox = api.NewSandboxServer(sandboxStorage)
		}
		a.apiServer = api.NewServer(a.baseCtx, deps, &cfg.API, opts.Version, logger.With("component", "api"))
	}

	return a, nil
}

func newCrawler(cfg *config.Config, cookies crawler.CookieSource, logger *slog.Logger) *crawler.Crawler {
	httpCfg := func(base string) crawler.HTTPConfig {
		return crawler.HTTPConfig{
			BaseURL:   base,
			UserAgent: cfg.Browser.UserAgent,
			Timeout:   cfg.Discovery.RequestTimeout,
			Cookies:   cookies,
		}
	}

	return crawler.New(crawler.Config{
		PageDelay: cfg.Discovery.PageDelay,
		MaxPages:  cfg.Discovery.MaxPages,
	}, logger.With("component", "crawler"),
		crawler.NewNaverSource(httpCfg(cfg.Discovery.NaverAPIBase)),
		crawler.NewDaumSource(httpCfg(cfg.Discovery.DaumBase), cfg.Discovery.DaumMinRoleCode),
	)
}

// batchStats adapts the journal to the metrics collector
type batchStats struct {
	journal *journal.BoltStorage
}

func (b batchStats) BatchStats(ctx context.Context) (*metrics.BatchStats, error) {
	st, err := b.journal.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.BatchStats{Batches: st.Batches, Running: st.Running}, nil
}

func (a *App) Logger() *slog.Logger                     { return a.logger }
func (a *App) Accounts() *store.AccountRepository       { return a.accounts }
func (a *App) Cafes() *store.CafeRepository             { return a.cafes }
func (a *App) Members() *store.MemberRepository         { return a.members }
func (a *App) Templates() *store.TemplateRepository     { return a.templates }
func (a *App) Journal() *journal.BoltStorage            { return a.journal }
func (a *App) Browser() *browser.Browser                { return a.browser }
func (a *App) Gate() *cookiegate.Gate                   { return a.gate }
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }
func (a *App) Events() *orchestrator.Broadcaster        { return a.events }
func (a *App) Crawler() *crawler.Crawler                { return a.crawler }
func (a *App) Credentials() *Credentials                { return a.credentials }

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting cafenote",
		"version", a.version,
		"api_enabled", a.apiServer != nil,
		"api_addr", a.config.API.ListenAddr,
		"sandbox", a.config.Send.Sandbox,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.sweeper.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// stop accepting control requests before tearing down the batch
	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.orchestrator.Stop() {
		a.logger.Info("running batch stopped")
		a.waitIdle(shutdownCtx)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.sweeper.Stop()
	a.cleaner.Stop()

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// waitIdle blocks until no batch is running so its final journal write lands
func (a *App) waitIdle(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, running := a.orchestrator.Current(); !running {
			return
		}
		select {
		case <-ctx.Done():
			a.logger.Warn("batch did not stop before shutdown deadline")
			return
		case <-ticker.C:
		}
	}
}

// Close releases the browser and storage. One-shot commands call it instead of Shutdown.
func (a *App) Close() {
	if a.baseCancel != nil {
		a.baseCancel()
	}
	if err := a.browser.Close(); err != nil {
		a.logger.Debug("browser close error", "error", err)
	}
	if err := a.journal.Close(); err != nil {
		a.logger.Error("journal close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
