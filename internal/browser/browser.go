// Package browser drives a Chrome instance over the DevTools protocol. It owns the
// automation surfaces used for composing messages and the provider login windows,
// and exposes the shared cookie jar.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/foxzi/cafenote/internal/driver"
	"github.com/foxzi/cafenote/internal/provider"
)

var (
	ErrLoadFailed    = errors.New("page load failed")
	ErrSurfaceClosed = errors.New("surface closed")
)

// IsLoadError reports whether err is a page load failure worth retrying
func IsLoadError(err error) bool {
	return errors.Is(err, ErrLoadFailed)
}

// Config contains browser launch settings
type Config struct {
	Headless    bool
	ExecPath    string
	UserAgent   string
	UserDataDir string
	Width       int
	Height      int
	LoadTimeout time.Duration
}

// Browser is a running Chrome instance
type Browser struct {
	cfg    Config
	logger *slog.Logger

	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc

	mu    sync.Mutex
	login map[provider.Provider]*Surface
}

// New launches Chrome and opens the root target used for cookie operations
func New(cfg Config, logger *slog.Logger) (*Browser, error) {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 15 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Width, cfg.Height))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug("devtools error", "message", fmt.Sprintf(format, args...))
		}),
	)

	if err := chromedp.Run(rootCtx, network.Enable()); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info("browser started", "headless", cfg.Headless)

	return &Browser{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		login:       make(map[provider.Provider]*Surface),
	}, nil
}

// run executes actions on the root target, bounded by ctx and the load timeout
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.rootCtx, b.cfg.LoadTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (b *Browser) cookies(ctx context.Context, p provider.Provider) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithUrls(p.Info().CookieURLs).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	return cookies, nil
}

// CookieNames returns the names of the cookies visible to a provider's domains
func (b *Browser) CookieNames(ctx context.Context, p provider.Provider) ([]string, error) {
	cookies, err := b.cookies(ctx, p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	return names, nil
}

// CookieHeader renders the provider's cookies as a Cookie request header
func (b *Browser) CookieHeader(ctx context.Context, p provider.Provider) (string, error) {
	cookies, err := b.cookies(ctx, p)
	if err != nil {
		return "", err
	}
	return cookieHeader(cookies), nil
}

func cookieHeader(cookies []*network.Cookie) string {
	seen := make(map[string]bool)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		parts = append(parts, c.Name+"="+c.Value)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ClearCookies deletes every cookie of a provider's domains
func (b *Browser) ClearCookies(ctx context.Context, p provider.Provider) error {
	cookies, err := b.cookies(ctx, p)
	if err != nil {
		return err
	}

	err = b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			if err := network.DeleteCookies(c.Name).WithDomain(c.Domain).WithPath(c.Path).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}

	b.logger.Info("cookies cleared", "provider", p, "count", len(cookies))
	return nil
}

// OpenSurface creates a fresh tab
func (b *Browser) OpenSurface(ctx context.Context) (*Surface, error) {
	return newSurface(ctx, b.rootCtx, b.cfg.LoadTimeout, b.logger)
}

// OpenLoginSurface shows the provider login page, replacing any previous login tab
func (b *Browser) OpenLoginSurface(ctx context.Context, p provider.Provider) error {
	if b.cfg.Headless {
		b.logger.Warn("login surface opened in headless mode; it will not be visible", "provider", p)
	}

	if err := b.CloseLoginSurface(p); err != nil {
		b.logger.Debug("failed to close previous login surface", "provider", p, "error", err)
	}

	s, err := b.OpenSurface(ctx)
	if err != nil {
		return err
	}
	if err := s.Navigate(ctx, p.Info().LoginURL); err != nil {
		s.Close()
		return err
	}

	b.mu.Lock()
	b.login[p] = s
	b.mu.Unlock()
	return nil
}

// FillLogin types credentials into the open login surface of p, polling until
// the form has rendered or the load timeout passes
func (b *Browser) FillLogin(ctx context.Context, p provider.Provider, loginID, password string) error {
	b.mu.Lock()
	s := b.login[p]
	b.mu.Unlock()
	if s == nil {
		return ErrSurfaceClosed
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.LoadTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := driver.FillLogin(ctx, s, p, loginID, password)
		if !errors.Is(err, driver.ErrLoginFormMissing) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
		}
	}
}

// CloseLoginSurface closes the provider login tab if open
func (b *Browser) CloseLoginSurface(p provider.Provider) error {
	b.mu.Lock()
	s := b.login[p]
	delete(b.login, p)
	b.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}

// Close shuts down Chrome
func (b *Browser) Close() error {
	for _, p := range provider.All() {
		b.CloseLoginSurface(p)
	}

	err := chromedp.Cancel(b.rootCtx)
	b.rootCancel()
	b.allocCancel()
	b.logger.Info("browser stopped")
	return err
}
