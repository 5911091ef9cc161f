package cookiegate

import (
	"context"
	"log/slog"
	"time"

	"github.com/foxzi/cafenote/internal/provider"
)

// Jar exposes the cookie names visible to a provider's domains
type Jar interface {
	CookieNames(ctx context.Context, p provider.Provider) ([]string, error)
}

// Gate decides whether a provider session is authenticated from cookies alone
type Gate struct {
	jar    Jar
	logger *slog.Logger
}

// New creates a gate over jar
func New(jar Jar, logger *slog.Logger) *Gate {
	return &Gate{jar: jar, logger: logger}
}

// IsAuthenticated reports whether any of the provider's auth cookies is present.
// An unreadable jar counts as unauthenticated.
func (g *Gate) IsAuthenticated(ctx context.Context, p provider.Provider) bool {
	if g == nil || g.jar == nil {
		return false
	}

	names, err := g.jar.CookieNames(ctx, p)
	if err != nil {
		g.logger.Debug("cookie jar unavailable", "provider", p, "error", err)
		return false
	}

	return hasAuthCookie(p, names)
}

func hasAuthCookie(p provider.Provider, names []string) bool {
	for _, want := range p.Info().AuthCookies {
		for _, name := range names {
			if name == want {
				return true
			}
		}
	}
	return false
}

// WaitAuthenticated polls until the provider is authenticated or ctx ends
func (g *Gate) WaitAuthenticated(ctx context.Context, p provider.Provider, interval time.Duration) bool {
	if g.IsAuthenticated(ctx, p) {
		return true
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if g.IsAuthenticated(ctx, p) {
				return true
			}
		}
	}
}
