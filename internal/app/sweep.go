package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/cafenote/internal/models"
)

// CounterResetter zeroes daily counters dated before today
type CounterResetter interface {
	ResetStaleCounters(ctx context.Context, today string) (int64, error)
}

// counterSweeper resets stale daily send counters at startup and then periodically
type counterSweeper struct {
	accounts CounterResetter
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func newCounterSweeper(accounts CounterResetter, interval time.Duration, logger *slog.Logger) *counterSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &counterSweeper{
		accounts: accounts,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

func (s *counterSweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *counterSweeper) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *counterSweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *counterSweeper) sweep(ctx context.Context) {
	today := models.Today(s.now())
	n, err := s.accounts.ResetStaleCounters(ctx, today)
	if err != nil {
		s.logger.Error("failed to reset daily counters", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("reset stale daily counters", "accounts", n, "today", today)
	}
}
