// Package crawler discovers message recipients by paging through cafe board
// listings newest-first.
//
// Listings are assumed to be ordered newest-first. The first entry older than
// the recency cutoff ends the crawl of its cafe, so out-of-order entries after
// it are never seen.
package crawler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/cafenote/internal/metrics"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

// Config contains crawler settings
type Config struct {
	PageDelay time.Duration // Minimum spacing between page requests
	MaxPages  int           // Page ceiling per cafe
}

// Request describes one discovery pass
type Request struct {
	Cafes     []*models.Cafe
	Window    Window
	KnownKeys map[string]struct{} // Member keys already persisted
}

// Handlers receive incremental results. Both are optional.
type Handlers struct {
	OnRecipient  func(r models.Recipient, total int)
	OnPermission func(p models.CafePermission)
}

// CafeError reports a cafe whose crawl stopped on an error
type CafeError struct {
	CafeID string `json:"cafe_id"`
	Page   int    `json:"page,omitempty"`
	Error  string `json:"error"`
}

// Result is the outcome of a discovery pass
type Result struct {
	Recipients  []models.Recipient      `json:"recipients"`
	Permissions []models.CafePermission `json:"permissions,omitempty"`
	Errors      []CafeError             `json:"errors,omitempty"`
	Pages       int                     `json:"pages"`
}

// Crawler pages through cafe listings of the registered sources
type Crawler struct {
	cfg     Config
	sources map[provider.Provider]Source
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a crawler over sources
func New(cfg Config, logger *slog.Logger, sources ...Source) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}

	c := &Crawler{
		cfg:     cfg,
		sources: make(map[provider.Provider]Source, len(sources)),
		logger:  logger,
		now:     time.Now,
	}
	for _, s := range sources {
		c.sources[s.Provider()] = s
	}
	return c
}

func (c *Crawler) newLimiter() *rate.Limiter {
	if c.cfg.PageDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(c.cfg.PageDelay), 1)
}

// pass holds the state of one Discover call
type pass struct {
	req      Request
	handlers Handlers
	limiter  *rate.Limiter
	cutoff   time.Time
	hasCut   bool
	seen     map[string]bool
	result   *Result
}

// Discover crawls every active cafe in order. Errors on a cafe are recorded in
// the result and never abort the pass; only ctx cancellation does, in which
// case the partial result is returned with the context error.
func (c *Crawler) Discover(ctx context.Context, req Request, h Handlers) (*Result, error) {
	p := &pass{
		req:      req,
		handlers: h,
		limiter:  c.newLimiter(),
		seen:     make(map[string]bool),
		result:   &Result{Recipients: []models.Recipient{}},
	}
	p.cutoff, p.hasCut = req.Window.Cutoff(c.now())

	c.logger.Info("discovery started", "cafes", len(req.Cafes), "window", req.Window, "known", len(req.KnownKeys))

	for _, cafe := range req.Cafes {
		if cafe == nil || !cafe.IsActive {
			continue
		}
		if err := ctx.Err(); err != nil {
			return p.result, err
		}
		if err := c.crawlCafe(ctx, p, cafe); err != nil {
			return p.result, err
		}
	}

	c.logger.Info("discovery finished",
		"recipients", len(p.result.Recipients),
		"pages", p.result.Pages,
		"errors", len(p.result.Errors),
	)
	return p.result, nil
}

// crawlCafe pages one cafe. It returns an error only when ctx is done.
func (c *Crawler) crawlCafe(ctx context.Context, p *pass, cafe *models.Cafe) error {
	logger := c.logger.With("cafe_id", cafe.ID, "provider", cafe.Provider)

	src, ok := c.sources[cafe.Provider]
	if !ok {
		logger.Warn("no listing source for provider, skipping cafe")
		p.fail(cafe, 0, "unsupported provider")
		return nil
	}

	ref, err := provider.ParseCafeURL(cafe.Provider, cafe.URL)
	if err != nil {
		logger.Warn("failed to resolve cafe url, skipping cafe", "url", cafe.URL, "error", err)
		p.fail(cafe, 0, err.Error())
		return nil
	}
	t := Target{Cafe: cafe, Ref: ref}

	if checker, ok := src.(PermissionChecker); ok {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		perm, err := checker.CheckPermission(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			perm.Error = err.Error()
			metrics.IncCrawlErrors(string(cafe.Provider))
		}
		p.result.Permissions = append(p.result.Permissions, perm)
		if p.handlers.OnPermission != nil {
			p.handlers.OnPermission(perm)
		}
		logger.Info("cafe permission checked", "role_code", perm.RoleCode, "eligible", perm.Eligible)
		if !perm.Eligible {
			return nil
		}
		t.GroupID = perm.GroupID
	}

	accepted := 0
	defer func() {
		metrics.AddCrawlRecipients(string(cafe.Provider), accepted)
	}()

	for page := 1; page <= c.cfg.MaxPages; page++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		entries, err := src.FetchPage(ctx, t, page)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("failed to fetch listing page, stopping cafe", "page", page, "error", err)
			metrics.IncCrawlErrors(string(cafe.Provider))
			p.fail(cafe, page, err.Error())
			return nil
		}

		p.result.Pages++
		metrics.AddCrawlPages(string(cafe.Provider), 1)

		if len(entries) == 0 {
			logger.Debug("listing exhausted", "page", page)
			return nil
		}

		for _, e := range entries {
			if p.hasCut && !e.At.IsZero() && e.At.Before(p.cutoff) {
				logger.Debug("reached recency cutoff", "page", page, "entry_time", e.At)
				return nil
			}
			if p.accept(cafe, e, c.now()) {
				accepted++
			}
		}
	}

	logger.Info("page ceiling reached", "max_pages", c.cfg.MaxPages)
	return nil
}

// accept records e unless its key is already known or seen in this pass
func (p *pass) accept(cafe *models.Cafe, e Entry, now time.Time) bool {
	if _, known := p.req.KnownKeys[e.Key]; known || p.seen[e.Key] {
		return false
	}
	p.seen[e.Key] = true

	at := e.At
	if at.IsZero() {
		at = now
	}
	r := models.Recipient{
		MemberKey:    e.Key,
		DisplayName:  e.DisplayName,
		CafeID:       cafe.ID,
		DiscoveredAt: at,
	}
	p.result.Recipients = append(p.result.Recipients, r)
	if p.handlers.OnRecipient != nil {
		p.handlers.OnRecipient(r, len(p.result.Recipients))
	}
	return true
}

func (p *pass) fail(cafe *models.Cafe, page int, msg string) {
	p.result.Errors = append(p.result.Errors, CafeError{CafeID: cafe.ID, Page: page, Error: msg})
}
