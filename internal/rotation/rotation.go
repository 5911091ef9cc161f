package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

// AccountLister lists a provider's account pool
type AccountLister interface {
	ListByProvider(ctx context.Context, p provider.Provider) ([]*models.Account, error)
}

// SelectNext picks the account with the lowest effective daily count that is
// still below cap, skipping excludeID and other providers. Ties keep input order.
func SelectNext(accounts []*models.Account, p provider.Provider, excludeID string, dailyCap int, today string) *models.Account {
	var best *models.Account
	bestCount := 0

	for _, a := range accounts {
		if a.Provider != p || a.ID == excludeID {
			continue
		}
		count := a.EffectiveCount(today)
		if count >= dailyCap {
			continue
		}
		if best == nil || count < bestCount {
			best = a
			bestCount = count
		}
	}

	return best
}

// Policy applies SelectNext to the persisted account pool
type Policy struct {
	accounts AccountLister
	caps     map[provider.Provider]int
	now      func() time.Time
}

// NewPolicy creates a rotation policy. Providers missing from caps use their default cap.
func NewPolicy(accounts AccountLister, caps map[provider.Provider]int) *Policy {
	return &Policy{
		accounts: accounts,
		caps:     caps,
		now:      time.Now,
	}
}

// Cap returns the daily cap of a provider
func (p *Policy) Cap(prov provider.Provider) int {
	if c, ok := p.caps[prov]; ok && c > 0 {
		return c
	}
	return prov.Info().DefaultCap
}

// SelectNext returns the next usable account of prov, or nil when the pool is exhausted
func (p *Policy) SelectNext(ctx context.Context, prov provider.Provider, excludeID string) (*models.Account, error) {
	accounts, err := p.accounts.ListByProvider(ctx, prov)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return SelectNext(accounts, prov, excludeID, p.Cap(prov), models.Today(p.now())), nil
}
