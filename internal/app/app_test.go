package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/cafenote/internal/config"
	"github.com/foxzi/cafenote/internal/journal"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/orchestrator"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/rotation"
	"github.com/foxzi/cafenote/internal/sandbox"
	"github.com/foxzi/cafenote/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type allowGate struct{}

func (allowGate) IsAuthenticated(ctx context.Context, p provider.Provider) bool { return true }

type clearRecorder struct {
	mu      sync.Mutex
	cleared []provider.Provider
}

func (c *clearRecorder) ClearCookies(ctx context.Context, p provider.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, p)
	return nil
}

type sandboxEnv struct {
	cfg      *config.Config
	db       *store.DB
	accounts *store.AccountRepository
	members  *store.MemberRepository
	journal  *journal.BoltStorage
	sandbox  *sandbox.Storage
	cookies  *clearRecorder
	orch     *orchestrator.Orchestrator
}

func setupSandboxEnv(t *testing.T, naverCap int) *sandboxEnv {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default() error = %v", err)
	}
	cfg.Storage.Path = filepath.Join(dir, "cafenote.db")
	cfg.Storage.JournalPath = filepath.Join(dir, "journal.db")
	cfg.Providers.Naver.DailyCap = naverCap
	cfg.Send.Sandbox = true

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	jrnl, err := journal.NewBoltStorage(cfg.Storage.JournalPath)
	if err != nil {
		t.Fatalf("journal.NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { jrnl.Close() })

	sb, err := sandbox.NewStorage(jrnl.DB())
	if err != nil {
		t.Fatalf("sandbox.NewStorage() error = %v", err)
	}

	env := &sandboxEnv{
		cfg:      cfg,
		db:       db,
		accounts: store.NewAccountRepository(db.DB),
		members:  store.NewMemberRepository(db.DB),
		journal:  jrnl,
		sandbox:  sb,
		cookies:  &clearRecorder{},
	}

	factory := newSenderFactory(cfg, nil, sb, quietLogger())
	env.orch = orchestrator.New(orchestrator.Deps{
		Accounts:  env.accounts,
		Members:   env.members,
		Gate:      allowGate{},
		Cookies:   env.cookies,
		Rotation:  rotation.NewPolicy(env.accounts, providerCaps(cfg)),
		NewSender: factory.New,
		Journal:   jrnl,
	}, orchestrator.Config{
		MinDelay:      cfg.Send.MinDelay,
		MaxDelay:      cfg.Send.MaxDelay,
		SwitchTimeout: cfg.Send.SwitchTimeout,
		Sandbox:       true,
	}, quietLogger())
	env.orch.SetWaitFunc(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	return env
}

func (e *sandboxEnv) addAccount(t *testing.T, loginID string, active bool) *models.Account {
	t.Helper()
	a := &models.Account{Provider: provider.Naver, LoginID: loginID}
	if err := e.accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("Create account error = %v", err)
	}
	if active {
		if err := e.accounts.SetActive(context.Background(), a.ID); err != nil {
			t.Fatalf("SetActive error = %v", err)
		}
	}
	return a
}

func recipients(keys ...string) []models.Recipient {
	out := make([]models.Recipient, len(keys))
	for i, k := range keys {
		out[i] = models.Recipient{MemberKey: k, DisplayName: "nick-" + k, CafeID: "cafe-1"}
	}
	return out
}

func TestSandboxBatchRotatesAccounts(t *testing.T) {
	env := setupSandboxEnv(t, 2)
	ctx := context.Background()

	first := env.addAccount(t, "first", true)
	second := env.addAccount(t, "second", false)

	res, err := env.orch.Run(ctx, orchestrator.Request{
		Provider:   provider.Naver,
		Recipients: recipients("k1", "k2", "k3"),
		Body:       "hello",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != orchestrator.StateSwitchingAccount {
		t.Fatalf("expected switching_account, got %s (%s)", res.State, res.Reason)
	}
	if res.Pending == nil || res.Pending.NextAccount.ID != second.ID {
		t.Fatalf("expected switch to %s, got %+v", second.ID, res.Pending)
	}
	if len(res.Pending.Remaining) != 1 || res.Pending.Remaining[0].MemberKey != "k3" {
		t.Errorf("expected k3 remaining, got %+v", res.Pending.Remaining)
	}
	if len(env.cookies.cleared) != 1 {
		t.Errorf("expected session cookies cleared once, got %d", len(env.cookies.cleared))
	}

	active, err := env.accounts.GetActive(ctx)
	if err != nil || active == nil || active.ID != second.ID {
		t.Fatalf("expected %s active after rotation, got %+v (%v)", second.ID, active, err)
	}

	stored, err := env.accounts.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.EffectiveCount(models.Today(time.Now())) != 2 {
		t.Errorf("expected first account at 2, got %d", stored.DailySentCount)
	}

	res, err = env.orch.Resume(ctx, res.BatchID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.State != orchestrator.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.State, res.Reason)
	}
	// k3's limit failure is replaced by its send on the second account
	if res.Tally.Succeeded != 3 || res.Tally.Failed != 0 {
		t.Errorf("unexpected tally %+v", res.Tally)
	}

	msgs, err := env.sandbox.List(ctx, sandbox.ListFilter{})
	if err != nil {
		t.Fatalf("sandbox List() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("expected 3 captured notes, got %d", len(msgs))
	}

	keys, err := env.members.KnownKeys(ctx)
	if err != nil {
		t.Fatalf("KnownKeys() error = %v", err)
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if _, ok := keys[k]; !ok {
			t.Errorf("expected member %s to be stored", k)
		}
	}

	b, err := env.journal.GetBatch(ctx, res.BatchID)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if b.Status != journal.StatusCompleted || !b.Sandbox {
		t.Errorf("unexpected journal record %+v", b)
	}
}

func TestSandboxBatchLimitExhausted(t *testing.T) {
	env := setupSandboxEnv(t, 1)
	env.addAccount(t, "only", true)

	res, err := env.orch.Run(context.Background(), orchestrator.Request{
		Provider:   provider.Naver,
		Recipients: recipients("k1", "k2"),
		Body:       "hello",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != orchestrator.StateLimitExhausted {
		t.Errorf("expected limit_exhausted, got %s", res.State)
	}
	if res.Tally.Succeeded != 1 {
		t.Errorf("expected one capture before the cap, got %+v", res.Tally)
	}
}

func TestSenderFactory(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default() error = %v", err)
	}
	acct := &models.Account{ID: "a1", Provider: provider.Naver}

	t.Run("browser required outside sandbox", func(t *testing.T) {
		f := newSenderFactory(cfg, nil, nil, quietLogger())
		if _, err := f.New(context.Background(), provider.Naver, acct); err == nil {
			t.Error("expected error without a browser")
		}
	})

	t.Run("sandbox requires storage", func(t *testing.T) {
		sbCfg := *cfg
		sbCfg.Send.Sandbox = true
		f := newSenderFactory(&sbCfg, nil, nil, quietLogger())
		if _, err := f.New(context.Background(), provider.Naver, acct); err == nil {
			t.Error("expected error without sandbox storage")
		}
	})

	t.Run("daily caps follow config", func(t *testing.T) {
		capCfg := *cfg
		capCfg.Providers.Naver.DailyCap = 7
		capCfg.Providers.Daum.DailyCap = 3
		f := newSenderFactory(&capCfg, nil, nil, quietLogger())
		if got := f.dailyCap(provider.Naver); got != 7 {
			t.Errorf("naver cap = %d, want 7", got)
		}
		if got := f.dailyCap(provider.Daum); got != 3 {
			t.Errorf("daum cap = %d, want 3", got)
		}
		caps := providerCaps(&capCfg)
		if caps[provider.Naver] != 7 || caps[provider.Daum] != 3 {
			t.Errorf("providerCaps() = %v", caps)
		}
	})
}

type mockResetter struct {
	mu    sync.Mutex
	days  []string
	n     int64
	err   error
	calls chan struct{}
}

func (m *mockResetter) ResetStaleCounters(ctx context.Context, today string) (int64, error) {
	m.mu.Lock()
	m.days = append(m.days, today)
	m.mu.Unlock()
	select {
	case m.calls <- struct{}{}:
	default:
	}
	return m.n, m.err
}

func TestCounterSweeper(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		err  error
	}{
		{"resets", 2, nil},
		{"nothing stale", 0, nil},
		{"store error", 0, errors.New("db locked")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockResetter{n: tt.n, err: tt.err, calls: make(chan struct{}, 1)}
			s := newCounterSweeper(r, time.Hour, quietLogger())
			s.now = func() time.Time { return time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC) }

			s.Start(context.Background())
			select {
			case <-r.calls:
			case <-time.After(2 * time.Second):
				t.Fatal("sweep did not run at startup")
			}
			s.Stop()
			s.Stop()

			r.mu.Lock()
			defer r.mu.Unlock()
			if len(r.days) != 1 || r.days[0] != models.Today(s.now()) {
				t.Errorf("unexpected sweep days %v", r.days)
			}
		})
	}
}

func TestBatchStatsAdapter(t *testing.T) {
	jrnl, err := journal.NewBoltStorage(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	defer jrnl.Close()

	ctx := context.Background()
	for _, st := range []journal.Status{journal.StatusRunning, journal.StatusCompleted} {
		if err := jrnl.SaveBatch(ctx, &journal.Batch{ID: string(st), Provider: "naver", Status: st}); err != nil {
			t.Fatalf("SaveBatch() error = %v", err)
		}
	}

	got, err := batchStats{jrnl}.BatchStats(ctx)
	if err != nil {
		t.Fatalf("BatchStats() error = %v", err)
	}
	if got.Batches != 2 || got.Running != 1 {
		t.Errorf("BatchStats() = %+v, want 2 batches, 1 running", got)
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		for _, format := range []string{"text", "json"} {
			logger := SetupLogger(config.LoggingConfig{Level: tt.level, Format: format})
			ctx := context.Background()
			if !logger.Enabled(ctx, tt.want) {
				t.Errorf("level %q/%s: %v should be enabled", tt.level, format, tt.want)
			}
			if tt.want > slog.LevelDebug && logger.Enabled(ctx, tt.want-4) {
				t.Errorf("level %q/%s: %v should be disabled", tt.level, format, tt.want-4)
			}
		}
	}
}
