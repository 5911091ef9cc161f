package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/cafenote/internal/browser"
	"github.com/foxzi/cafenote/internal/config"
	"github.com/foxzi/cafenote/internal/driver"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/orchestrator"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/sandbox"
	"github.com/foxzi/cafenote/internal/sendsession"
)

// SurfaceOpener creates automation tabs
type SurfaceOpener interface {
	OpenSurface(ctx context.Context) (*browser.Surface, error)
}

// senderFactory builds a scripted session per batch account, or a capturing
// sender when sandbox mode is on
type senderFactory struct {
	cfg       *config.Config
	surfaces  SurfaceOpener
	sandbox   *sandbox.Storage
	logger    *slog.Logger
	newDriver func(p provider.Provider) (driver.Driver, error)
}

func newSenderFactory(cfg *config.Config, surfaces SurfaceOpener, sb *sandbox.Storage, logger *slog.Logger) *senderFactory {
	return &senderFactory{
		cfg:       cfg,
		surfaces:  surfaces,
		sandbox:   sb,
		logger:    logger,
		newDriver: driver.For,
	}
}

func (f *senderFactory) dailyCap(p provider.Provider) int {
	switch p {
	case provider.Naver:
		return f.cfg.Providers.Naver.DailyCap
	case provider.Daum:
		return f.cfg.Providers.Daum.DailyCap
	}
	return p.Info().DefaultCap
}

// New satisfies orchestrator.SenderFactory
func (f *senderFactory) New(ctx context.Context, p provider.Provider, acct *models.Account) (orchestrator.Sender, error) {
	logger := f.logger.With("provider", p, "account_id", acct.ID)

	if f.cfg.Send.Sandbox {
		if f.sandbox == nil {
			return nil, fmt.Errorf("sandbox mode enabled without sandbox storage")
		}
		return sandbox.NewSender(f.sandbox, p, acct.ID, f.dailyCap(p), logger.With("component", "sandbox_sender")), nil
	}

	if f.surfaces == nil {
		return nil, fmt.Errorf("browser is not running")
	}

	drv, err := f.newDriver(p)
	if err != nil {
		return nil, err
	}

	open := func(ctx context.Context) (sendsession.Surface, error) {
		s, err := f.surfaces.OpenSurface(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	return sendsession.New(drv, open, sendsession.Config{
		DailyCap:     f.dailyCap(p),
		SettleDelay:  f.cfg.Browser.SettleDelay,
		PostSendWait: f.cfg.Send.PostSendWait,
		CaptchaPoll:  f.cfg.Send.CaptchaPoll,
		LoadRetries:  f.cfg.Send.LoadRetries,
		RetryBackoff: f.cfg.Send.RetryBackoff,
	}, browser.IsLoadError, logger.With("component", "send_session")), nil
}

// providerCaps maps each provider to its configured daily cap
func providerCaps(cfg *config.Config) map[provider.Provider]int {
	return map[provider.Provider]int{
		provider.Naver: cfg.Providers.Naver.DailyCap,
		provider.Daum:  cfg.Providers.Daum.DailyCap,
	}
}
