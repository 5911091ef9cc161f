package sendsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/cafenote/internal/driver"
)

// Surface is the browser tab a session drives
type Surface interface {
	driver.Page
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	Destroyed() bool
	Close() error
}

// Opener creates a new surface
type Opener func(ctx context.Context) (Surface, error)

// ErrorChecker reports whether a page-level error is worth retrying
type ErrorChecker func(err error) bool

// CaptchaObserver is told when a CAPTCHA blocks a send and when it clears
type CaptchaObserver interface {
	CaptchaRequired(recipientKey string)
	CaptchaResolved(recipientKey string)
}

// Config contains session timing settings
type Config struct {
	DailyCap     int
	SettleDelay  time.Duration
	PostSendWait time.Duration
	CaptchaPoll  time.Duration
	LoadRetries  int
	RetryBackoff time.Duration
}

var errAborted = errors.New("send aborted")

// Session sends one message at a time through a single owned surface.
// Every attempt tears the previous surface down and starts from a fresh one.
type Session struct {
	driver      driver.Driver
	open        Opener
	cfg         Config
	isTransient ErrorChecker
	wait        func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger

	mu      sync.Mutex
	surface Surface
	aborted atomic.Bool
}

// New creates a session for drv's provider
func New(drv driver.Driver, open Opener, cfg Config, isTemp ErrorChecker, logger *slog.Logger) *Session {
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = drv.Provider().Info().DefaultCap
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.PostSendWait <= 0 {
		cfg.PostSendWait = time.Second
	}
	if cfg.CaptchaPoll <= 0 {
		cfg.CaptchaPoll = 2 * time.Second
	}
	if cfg.LoadRetries < 0 {
		cfg.LoadRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Session{
		driver:      drv,
		open:        open,
		cfg:         cfg,
		isTransient: isTemp,
		wait:        sleep,
		logger:      logger,
	}
}

// SetWaitFunc replaces the sleep used for delays and polling
func (s *Session) SetWaitFunc(wait func(ctx context.Context, d time.Duration) error) {
	s.wait = wait
}

// Driver returns the provider driver
func (s *Session) Driver() driver.Driver {
	return s.driver
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// acquire tears down the current surface, settles, and opens a new one
func (s *Session) acquire(ctx context.Context) (Surface, error) {
	s.mu.Lock()
	prev := s.surface
	s.surface = nil
	s.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			s.logger.Debug("failed to close previous surface", "error", err)
		}
		if err := s.wait(ctx, s.cfg.SettleDelay); err != nil {
			return nil, err
		}
	}

	surface, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open surface: %w", err)
	}

	s.mu.Lock()
	s.surface = surface
	s.mu.Unlock()

	if s.aborted.Load() {
		surface.Close()
		return nil, errAborted
	}
	return surface, nil
}

// Abort tears down the current surface. An in-flight attempt ends as Failed.
func (s *Session) Abort() {
	s.aborted.Store(true)

	s.mu.Lock()
	surface := s.surface
	s.surface = nil
	s.mu.Unlock()

	if surface != nil {
		surface.Close()
	}
}

// Close releases the surface
func (s *Session) Close() error {
	s.mu.Lock()
	surface := s.surface
	s.surface = nil
	s.mu.Unlock()

	if surface == nil {
		return nil
	}
	return surface.Close()
}

// withRetry runs fn, retrying page-level failures up to LoadRetries times
func (s *Session) withRetry(ctx context.Context, logger *slog.Logger, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.LoadRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying after page load failure", "attempt", attempt, "error", err)
			if werr := s.wait(ctx, s.cfg.RetryBackoff); werr != nil {
				return werr
			}
		}

		err = fn()
		if err == nil || s.aborted.Load() || ctx.Err() != nil || !s.isTransient(err) {
			return err
		}
	}
	return err
}

// openCompose navigates a fresh surface to the compose page for key
func (s *Session) openCompose(ctx context.Context, key string) (Surface, error) {
	surface, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := surface.Navigate(ctx, s.driver.ComposeURL(key)); err != nil {
		return nil, err
	}
	return surface, nil
}

// ReadCount loads the compose page for key and returns the provider's daily counter
func (s *Session) ReadCount(ctx context.Context, key string) (int, error) {
	s.aborted.Store(false)
	logger := s.logger.With("member_key", key)

	var count int
	err := s.withRetry(ctx, logger, func() error {
		surface, err := s.openCompose(ctx, key)
		if err != nil {
			return err
		}
		if err := s.driver.SuppressDialogs(ctx, surface); err != nil {
			logger.Debug("dialog suppression failed", "error", err)
		}
		count, err = s.driver.ReadDailyCount(ctx, surface)
		return err
	})
	if err != nil {
		return 0, err
	}

	logger.Info("daily counter read", "count", count)
	return count, nil
}

// SendOne sends body to one recipient
func (s *Session) SendOne(ctx context.Context, key, body string, obs CaptchaObserver) Outcome {
	s.aborted.Store(false)
	logger := s.logger.With("member_key", key)

	var out Outcome
	err := s.withRetry(ctx, logger, func() error {
		surface, err := s.openCompose(ctx, key)
		if err != nil {
			return err
		}
		out = s.compose(ctx, logger, surface, key, body, obs)
		return nil
	})
	if err != nil {
		if s.aborted.Load() {
			return Failed(errAborted.Error())
		}
		logger.Warn("send failed", "error", err)
		return Failed(err.Error())
	}

	logger.Info("send finished", "outcome", out.String())
	return out
}

// compose runs the page-level steps after a successful load
func (s *Session) compose(ctx context.Context, logger *slog.Logger, surface Surface, key, body string, obs CaptchaObserver) Outcome {
	if err := s.driver.SuppressDialogs(ctx, surface); err != nil {
		return s.failure(err)
	}

	count, err := s.driver.ReadDailyCount(ctx, surface)
	if errors.Is(err, driver.ErrCounterUnavailable) {
		logger.Warn("daily counter not exposed by page, assuming 0")
		count = 0
	} else if err != nil {
		return s.failure(err)
	}

	if count >= s.cfg.DailyCap {
		logger.Info("daily limit reached", "count", count, "cap", s.cfg.DailyCap)
		return LimitReached(count)
	}

	if err := s.driver.LocateComposeField(ctx, surface, body); err != nil {
		return s.failure(err)
	}
	if err := s.driver.TriggerSend(ctx, surface); err != nil {
		return s.failure(err)
	}

	if err := s.wait(ctx, s.cfg.PostSendWait); err != nil {
		return s.failure(err)
	}

	sentCount := count + 1

	if surface.Destroyed() {
		if s.aborted.Load() {
			return Failed(errAborted.Error())
		}
		return Sent(sentCount)
	}

	captcha, err := s.driver.DetectCaptcha(ctx, surface)
	if err != nil {
		if s.aborted.Load() {
			return Failed(errAborted.Error())
		}
		// Page navigated away mid-check: the send went out.
		logger.Debug("captcha check failed after send", "error", err)
		return Sent(sentCount)
	}
	if !captcha {
		return Sent(sentCount)
	}

	return s.waitCaptcha(ctx, logger, surface, key, sentCount, obs)
}

// waitCaptcha polls until a human clears the CAPTCHA. There is no deadline.
func (s *Session) waitCaptcha(ctx context.Context, logger *slog.Logger, surface Surface, key string, sentCount int, obs CaptchaObserver) Outcome {
	logger.Warn("captcha required, waiting for manual resolution")
	if obs != nil {
		obs.CaptchaRequired(key)
	}

	resolved := func() Outcome {
		logger.Info("captcha resolved")
		if obs != nil {
			obs.CaptchaResolved(key)
		}
		return CaptchaResolved(sentCount)
	}

	for {
		if err := s.wait(ctx, s.cfg.CaptchaPoll); err != nil {
			return Failed(fmt.Sprintf("captcha wait interrupted: %v", err))
		}
		if s.aborted.Load() {
			return Failed(errAborted.Error())
		}

		if surface.Destroyed() {
			return resolved()
		}

		if loc, err := surface.Location(ctx); err == nil && s.driver.IsCompletionURL(loc) {
			return resolved()
		}

		visible, err := s.driver.DetectCaptcha(ctx, surface)
		if err != nil {
			logger.Debug("captcha poll failed, retrying", "error", err)
			continue
		}
		if !visible {
			return resolved()
		}
	}
}

func (s *Session) failure(err error) Outcome {
	if s.aborted.Load() {
		return Failed(errAborted.Error())
	}
	return Failed(err.Error())
}
