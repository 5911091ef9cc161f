package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/tidwall/gjson"
)

// Surface is one browser tab
type Surface struct {
	ctx         context.Context
	cancel      context.CancelFunc
	loadTimeout time.Duration
	logger      *slog.Logger

	destroyed   atomic.Bool
	lastFailure atomic.Value // string
}

func newSurface(ctx, rootCtx context.Context, loadTimeout time.Duration, logger *slog.Logger) (*Surface, error) {
	tabCtx, cancel := chromedp.NewContext(rootCtx)

	s := &Surface{
		ctx:         tabCtx,
		cancel:      cancel,
		loadTimeout: loadTimeout,
		logger:      logger,
	}

	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}

	// The first Run allocates the tab and binds its lifetime to tabCtx.
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open surface: %w", err)
	}

	targetID := chromedp.FromContext(tabCtx).Target.TargetID

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *inspector.EventDetached:
			s.destroyed.Store(true)
		case *network.EventLoadingFailed:
			if e.Type == network.ResourceTypeDocument && !e.Canceled {
				s.lastFailure.Store(e.ErrorText)
			}
		}
	})
	chromedp.ListenBrowser(rootCtx, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok && e.TargetID == targetID {
			s.destroyed.Store(true)
		}
	})

	return s, nil
}

// Destroyed reports whether the tab was closed, by the page itself or by Close
func (s *Surface) Destroyed() bool {
	return s.destroyed.Load() || s.ctx.Err() != nil
}

func (s *Surface) runCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// Navigate loads url and waits for the final document. A navigation aborted by
// the page's own redirect is tolerated; anything else is ErrLoadFailed.
func (s *Surface) Navigate(ctx context.Context, url string) error {
	if s.Destroyed() {
		return ErrSurfaceClosed
	}

	runCtx, cancel := s.runCtx(ctx, s.loadTimeout)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil && !isRedirectAbort(err) {
		return s.loadError(url, err)
	}

	var ready bool
	err := chromedp.Run(runCtx, chromedp.Poll(`document.readyState === "complete"`, &ready,
		chromedp.WithPollingInterval(100*time.Millisecond)))
	if err != nil {
		return s.loadError(url, err)
	}
	return nil
}

func (s *Surface) loadError(url string, err error) error {
	if s.Destroyed() {
		return ErrSurfaceClosed
	}
	if text, _ := s.lastFailure.Load().(string); text != "" {
		return fmt.Errorf("%w: %s: %s", ErrLoadFailed, url, text)
	}
	return fmt.Errorf("%w: %s: %v", ErrLoadFailed, url, err)
}

// RunScript evaluates a JavaScript expression and returns its JSON value
func (s *Surface) RunScript(ctx context.Context, expr string) (gjson.Result, error) {
	if s.Destroyed() {
		return gjson.Result{}, ErrSurfaceClosed
	}

	runCtx, cancel := s.runCtx(ctx, s.loadTimeout)
	defer cancel()

	var out string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(wrapScript(expr), &out)); err != nil {
		if s.Destroyed() {
			return gjson.Result{}, ErrSurfaceClosed
		}
		return gjson.Result{}, fmt.Errorf("script failed: %w", err)
	}
	return gjson.Parse(out), nil
}

// wrapScript makes every expression yield a JSON string, including undefined
func wrapScript(expr string) string {
	return "JSON.stringify((" + strings.TrimRight(strings.TrimSpace(expr), ";") + ") ?? null)"
}

// Location returns the current document URL
func (s *Surface) Location(ctx context.Context) (string, error) {
	if s.Destroyed() {
		return "", ErrSurfaceClosed
	}

	runCtx, cancel := s.runCtx(ctx, s.loadTimeout)
	defer cancel()

	var url string
	if err := chromedp.Run(runCtx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return url, nil
}

// Close closes the tab. Closing twice is harmless.
func (s *Surface) Close() error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.destroyed.Store(true)
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	return err
}

func isRedirectAbort(err error) bool {
	return strings.Contains(err.Error(), "net::ERR_ABORTED")
}
