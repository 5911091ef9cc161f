package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/cafenote/internal/journal"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/rotation"
	"github.com/foxzi/cafenote/internal/sendsession"
	"github.com/foxzi/cafenote/internal/store"
)

// mockSender returns scripted outcomes per recipient key
type mockSender struct {
	accountID string
	outcomes  map[string]sendsession.Outcome
	readCount int
	readErr   error
	onSend    func(key string, obs sendsession.CaptchaObserver)

	mu      sync.Mutex
	sent    []string
	reads   int
	aborted bool
	closed  bool
}

func (m *mockSender) ReadCount(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	return m.readCount, m.readErr
}

func (m *mockSender) SendOne(ctx context.Context, key, body string, obs sendsession.CaptchaObserver) sendsession.Outcome {
	m.mu.Lock()
	m.sent = append(m.sent, key)
	m.mu.Unlock()

	if m.onSend != nil {
		m.onSend(key, obs)
	}

	m.mu.Lock()
	aborted := m.aborted
	m.mu.Unlock()
	if aborted {
		return sendsession.Failed("send aborted")
	}

	if out, ok := m.outcomes[key]; ok {
		return out
	}
	return sendsession.Failed("no outcome scripted")
}

func (m *mockSender) Abort() {
	m.mu.Lock()
	m.aborted = true
	m.mu.Unlock()
}

func (m *mockSender) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockSender) sentKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// mockAccounts is an in-memory account store
type mockAccounts struct {
	mu       sync.Mutex
	accounts []*models.Account
	setCalls []string
}

func (m *mockAccounts) find(id string) *models.Account {
	for _, a := range m.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *mockAccounts) Get(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.find(id)
	if a == nil {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccounts) GetActive(ctx context.Context) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.IsActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockAccounts) SetActive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.find(id) == nil {
		return store.ErrNotFound
	}
	for _, a := range m.accounts {
		a.IsActive = a.ID == id
	}
	return nil
}

func (m *mockAccounts) SetDailyCount(ctx context.Context, id string, count int, today string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.find(id)
	if a == nil {
		return store.ErrNotFound
	}
	a.DailySentCount = count
	a.SentCountDate = today
	m.setCalls = append(m.setCalls, fmt.Sprintf("%s=%d", id, count))
	return nil
}

func (m *mockAccounts) ListByProvider(ctx context.Context, p provider.Provider) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Account
	for _, a := range m.accounts {
		if a.Provider == p {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockAccounts) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(id).DailySentCount
}

type mockMembers struct {
	mu      sync.Mutex
	created []string
	known   map[string]bool
}

func (m *mockMembers) Create(ctx context.Context, member *models.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known[member.MemberKey] {
		return fmt.Errorf("member %s: %w", member.MemberKey, store.ErrDuplicate)
	}
	m.created = append(m.created, member.MemberKey)
	return nil
}

type mockGate struct {
	authenticated func() bool
}

func (g *mockGate) IsAuthenticated(ctx context.Context, p provider.Provider) bool {
	if g.authenticated == nil {
		return true
	}
	return g.authenticated()
}

type mockCookies struct {
	cleared int
}

func (c *mockCookies) ClearCookies(ctx context.Context, p provider.Provider) error {
	c.cleared++
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSink) ofType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	o        *Orchestrator
	accounts *mockAccounts
	members  *mockMembers
	gate     *mockGate
	cookies  *mockCookies
	sink     *recordingSink
	senders  map[string]*mockSender
	created  []string
	waits    []time.Duration
}

func today() string {
	return models.Today(time.Now())
}

func newHarness(t *testing.T, accounts ...*models.Account) *harness {
	t.Helper()

	h := &harness{
		accounts: &mockAccounts{accounts: accounts},
		members:  &mockMembers{known: map[string]bool{}},
		gate:     &mockGate{},
		cookies:  &mockCookies{},
		sink:     &recordingSink{},
		senders:  map[string]*mockSender{},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	policy := rotation.NewPolicy(h.accounts, map[provider.Provider]int{provider.Naver: 50})

	h.o = New(Deps{
		Accounts: h.accounts,
		Members:  h.members,
		Gate:     h.gate,
		Cookies:  h.cookies,
		Rotation: policy,
		NewSender: func(ctx context.Context, p provider.Provider, acct *models.Account) (Sender, error) {
			h.created = append(h.created, acct.ID)
			s, ok := h.senders[acct.ID]
			if !ok {
				return nil, errors.New("no sender for account")
			}
			return s, nil
		},
		Sink: h.sink,
	}, Config{MinDelay: 5 * time.Second, MaxDelay: 6 * time.Second, SwitchTimeout: time.Hour}, logger)

	h.o.SetWaitFunc(func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return ctx.Err()
	})
	return h
}

func naverAccount(id string, count int, active bool) *models.Account {
	return &models.Account{
		ID:             id,
		Provider:       provider.Naver,
		LoginID:        id,
		IsActive:       active,
		DailySentCount: count,
		SentCountDate:  today(),
	}
}

func recipients(keys ...string) []models.Recipient {
	out := make([]models.Recipient, len(keys))
	for i, k := range keys {
		out[i] = models.Recipient{MemberKey: k, DisplayName: "nick-" + k, CafeID: "cafe-1"}
	}
	return out
}

func request(keys ...string) Request {
	return Request{Provider: provider.Naver, Recipients: recipients(keys...), Body: "hello"}
}

func TestRun_CompletesWithRandomizedDelays(t *testing.T) {
	h := newHarness(t, naverAccount("a", 10, true))
	h.senders["a"] = &mockSender{
		readCount: 10,
		outcomes: map[string]sendsession.Outcome{
			"m1": sendsession.Sent(11),
			"m2": sendsession.Sent(12),
			"m3": sendsession.Sent(13),
		},
	}

	res, err := h.o.Run(context.Background(), request("m1", "m2", "m3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s, want completed", res.State)
	}
	if res.Tally != (Tally{Succeeded: 3}) {
		t.Errorf("tally = %+v", res.Tally)
	}

	if len(h.waits) < 2 {
		t.Fatalf("expected at least 2 inter-send delays, got %d", len(h.waits))
	}
	for _, d := range h.waits {
		if d < 5*time.Second || d >= 6*time.Second {
			t.Errorf("delay %v outside [5s, 6s)", d)
		}
	}

	if got := h.accounts.count("a"); got != 13 {
		t.Errorf("daily count = %d, want 13", got)
	}
	if len(h.members.created) != 3 {
		t.Errorf("expected 3 members saved, got %d", len(h.members.created))
	}
	if !h.senders["a"].closed {
		t.Error("sender should be closed after the batch")
	}

	want := []EventType{EventBatchStart, EventProgress, EventProgress, EventProgress, EventBatchTerminal}
	got := h.sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	if _, running := h.o.Current(); running {
		t.Error("no batch should be running after Run returns")
	}
}

func TestNextDelayBounds(t *testing.T) {
	h := newHarness(t)

	for _, r := range []float64{0, 0.5, 0.999999} {
		h.o.randFloat = func() float64 { return r }
		d := h.o.nextDelay()
		if d < 5*time.Second || d >= 6*time.Second {
			t.Errorf("rand %v: delay %v outside [5s, 6s)", r, d)
		}
	}
}

func TestRun_ResyncsFromReportedCount(t *testing.T) {
	h := newHarness(t, naverAccount("x", 49, true))
	h.senders["x"] = &mockSender{
		readCount: 49,
		outcomes:  map[string]sendsession.Outcome{"m1": sendsession.Sent(50)},
	}

	res, err := h.o.Run(context.Background(), request("m1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	if got := h.accounts.count("x"); got != 50 {
		t.Errorf("daily count = %d, want 50", got)
	}
}

func TestRun_PrimingOverridesStoredCount(t *testing.T) {
	h := newHarness(t, naverAccount("x", 3, true))
	h.senders["x"] = &mockSender{
		readCount: 20,
		outcomes:  map[string]sendsession.Outcome{"m1": sendsession.Sent(21)},
	}

	if _, err := h.o.Run(context.Background(), request("m1")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := h.accounts.setCalls
	if len(calls) < 2 || calls[0] != "x=20" || calls[1] != "x=21" {
		t.Errorf("counter writes = %v, want [x=20 x=21]", calls)
	}
}

func TestRun_LimitReachedSwitchesAccount(t *testing.T) {
	h := newHarness(t,
		naverAccount("a", 40, true),
		naverAccount("b", 12, false),
		&models.Account{ID: "d", Provider: provider.Daum, SentCountDate: today()},
	)
	h.senders["a"] = &mockSender{
		readCount: 40,
		outcomes: map[string]sendsession.Outcome{
			"m1": sendsession.Sent(49),
			"m2": sendsession.LimitReached(50),
		},
	}
	h.senders["b"] = &mockSender{
		outcomes: map[string]sendsession.Outcome{
			"m2": sendsession.Sent(13),
			"m3": sendsession.Sent(14),
		},
	}

	res, err := h.o.Run(context.Background(), request("m1", "m2", "m3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateSwitchingAccount {
		t.Fatalf("state = %s, want switching_account", res.State)
	}
	if res.Tally != (Tally{Succeeded: 1, Failed: 1}) {
		t.Errorf("tally = %+v", res.Tally)
	}

	switches := h.sink.ofType(EventAccountSwitch)
	if len(switches) != 1 {
		t.Fatalf("expected exactly one account switch event, got %d", len(switches))
	}
	ev := switches[0]
	if len(ev.Remaining) != 2 || ev.Remaining[0].MemberKey != "m2" || ev.Remaining[1].MemberKey != "m3" {
		t.Errorf("remaining = %+v, want [m2 m3]", ev.Remaining)
	}
	if ev.NextAccount == nil || ev.NextAccount.ID != "b" {
		t.Errorf("next account = %+v, want b", ev.NextAccount)
	}
	if h.accounts.count("a") != 50 {
		t.Errorf("exhausted account count = %d, want 50", h.accounts.count("a"))
	}
	if h.cookies.cleared != 1 {
		t.Errorf("cookies cleared %d times, want 1", h.cookies.cleared)
	}
	active, _ := h.accounts.GetActive(context.Background())
	if active == nil || active.ID != "b" {
		t.Errorf("active account = %+v, want b", active)
	}
	if len(h.o.Pending()) != 1 {
		t.Fatalf("expected one pending switch")
	}

	res, err = h.o.Resume(context.Background(), res.BatchID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state after resume = %s", res.State)
	}
	// the retried m2 replaces its limit failure
	if res.Tally != (Tally{Succeeded: 3, Failed: 0}) {
		t.Errorf("final tally = %+v", res.Tally)
	}

	sentB := h.senders["b"].sentKeys()
	if len(sentB) != 2 || sentB[0] != "m2" || sentB[1] != "m3" {
		t.Errorf("account b sent %v, want [m2 m3]", sentB)
	}
	for _, k := range sentB {
		if k == "m1" {
			t.Error("first recipient must not be sent again")
		}
	}
	if h.senders["b"].reads != 0 {
		t.Error("resume must not prime again")
	}
	if h.accounts.count("b") != 14 {
		t.Errorf("account b count = %d, want 14", h.accounts.count("b"))
	}

	progress := h.sink.ofType(EventProgress)
	last := progress[len(progress)-1]
	if last.Index != 2 || last.Total != 3 {
		t.Errorf("last progress index/total = %d/%d, want 2/3", last.Index, last.Total)
	}

	if _, err := h.o.Resume(context.Background(), res.BatchID); !errors.Is(err, ErrNoPendingSwitch) {
		t.Errorf("second Resume() error = %v, want ErrNoPendingSwitch", err)
	}
}

func TestRun_LimitExhausted(t *testing.T) {
	h := newHarness(t,
		naverAccount("a", 40, true),
		naverAccount("b", 50, false),
	)
	h.senders["a"] = &mockSender{
		readCount: 40,
		outcomes: map[string]sendsession.Outcome{
			"m1": sendsession.Sent(41),
			"m2": sendsession.LimitReached(50),
		},
	}

	res, err := h.o.Run(context.Background(), request("m1", "m2", "m3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateLimitExhausted {
		t.Fatalf("state = %s, want limit_exhausted", res.State)
	}
	if res.Tally != (Tally{Succeeded: 1, Failed: 1}) {
		t.Errorf("tally = %+v", res.Tally)
	}
	if h.cookies.cleared != 0 {
		t.Error("cookies must be kept when no account is left")
	}

	terminal := h.sink.ofType(EventBatchTerminal)
	if len(terminal) != 1 || terminal[0].State != StateLimitExhausted {
		t.Errorf("terminal events = %+v", terminal)
	}
}

func TestRun_PrimingAtCapRotatesBeforeSending(t *testing.T) {
	h := newHarness(t,
		naverAccount("a", 0, true),
		naverAccount("b", 5, false),
	)
	h.senders["a"] = &mockSender{readCount: 50}
	h.senders["b"] = &mockSender{
		readCount: 5,
		outcomes:  map[string]sendsession.Outcome{"m1": sendsession.Sent(6)},
	}

	res, err := h.o.Run(context.Background(), request("m1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateSwitchingAccount {
		t.Fatalf("state = %s, want switching_account", res.State)
	}
	if len(h.senders["a"].sentKeys()) != 0 {
		t.Error("nothing may be sent when priming reports the cap")
	}
	if res.Tally != (Tally{}) {
		t.Errorf("tally = %+v, want zero", res.Tally)
	}
	if !res.Pending.Reprime {
		t.Error("switch during priming should prime again on resume")
	}

	res, err = h.o.Resume(context.Background(), res.BatchID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s", res.State)
	}
	if h.senders["b"].reads != 1 {
		t.Errorf("expected one priming read on b, got %d", h.senders["b"].reads)
	}
}

func TestRun_SessionExpired(t *testing.T) {
	h := newHarness(t, naverAccount("a", 0, true))
	h.gate.authenticated = func() bool { return false }

	res, err := h.o.Run(context.Background(), request("m1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateSessionExpired {
		t.Errorf("state = %s, want session_expired", res.State)
	}
	if len(h.created) != 0 {
		t.Error("no sender should be created without a session")
	}
}

func TestRun_SessionExpiredDuringPriming(t *testing.T) {
	h := newHarness(t, naverAccount("a", 0, true))
	calls := 0
	h.gate.authenticated = func() bool {
		calls++
		return calls == 1
	}
	h.senders["a"] = &mockSender{readErr: errors.New("counter missing")}

	res, err := h.o.Run(context.Background(), request("m1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateSessionExpired {
		t.Errorf("state = %s, want session_expired", res.State)
	}
}

func TestRun_FailuresDoNotStopBatch(t *testing.T) {
	h := newHarness(t, naverAccount("a", 0, true))
	h.members.known["m3"] = true
	h.senders["a"] = &mockSender{
		outcomes: map[string]sendsession.Outcome{
			"m1": sendsession.Sent(1),
			"m2": sendsession.Failed("send button not found"),
			"m3": sendsession.Sent(2),
		},
	}

	res, err := h.o.Run(context.Background(), request("m1", "m2", "m3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	if res.Tally != (Tally{Succeeded: 2, Failed: 1}) {
		t.Errorf("tally = %+v", res.Tally)
	}

	progress := h.sink.ofType(EventProgress)
	if len(progress) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(progress))
	}
	if progress[1].Success || progress[1].Reason != "send button not found" {
		t.Errorf("failure event = %+v", progress[1])
	}
	if len(h.members.created) != 1 || h.members.created[0] != "m1" {
		t.Errorf("created members = %v, want [m1]", h.members.created)
	}
}

func TestRun_StopMidBatch(t *testing.T) {
	h := newHarness(t, naverAccount("a", 0, true))
	s := &mockSender{
		outcomes: map[string]sendsession.Outcome{
			"m1": sendsession.Sent(1),
			"m2": sendsession.Sent(2),
			"m3": sendsession.Sent(3),
			"m4": sendsession.Sent(4),
		},
	}
	s.onSend = func(key string, obs sendsession.CaptchaObserver) {
		if key == "m2" {
			if !h.o.Stop() {
				t.Error("Stop() should report a running batch")
			}
		}
	}
	h.senders["a"] = s

	res, err := h.o.Run(context.Background(), request("m1", "m2", "m3", "m4"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", res.State)
	}

	// one completed send plus the in-flight one
	if res.Tally.Succeeded+res.Tally.Failed > 2 {
		t.Errorf("tally %+v exceeds 2 attempts", res.Tally)
	}
	for _, key := range s.sentKeys() {
		if key == "m3" || key == "m4" {
			t.Errorf("recipient %s attempted after stop", key)
		}
	}
	if res.Tally != (Tally{Succeeded: 1, Failed: 1}) {
		t.Errorf("tally = %+v, want in-flight attempt failed", res.Tally)
	}
}

func TestRun_RejectsConcurrentBatch(t *testing.T) {
	h := newHarness(t, naverAccount("a", 0, true))
	var nestedErr error
	s := &mockSender{outcomes: map[string]sendsession.Outcome{"m1": sendsession.Sent(1)}}
	s.onSend = func(key string, obs sendsession.CaptchaObserver) {
		snap, ok := h.o.Current()
		if !ok || snap.State != StateSending || snap.AccountID != "a" {
			t.Errorf("snapshot = %+v, %v", snap, ok)
		}
		_, nestedErr = h.o.Run(context.Background(), request("m9"))
	}
	h.senders["a"] = s

	if _, err := h.o.Run(context.Background(), request("m1")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(nestedErr, ErrBatchRunning) {
		t.Errorf("nested Run() error = %v, want ErrBatchRunning", nestedErr)
	}
}

func TestRun_CaptchaEvents(t *testing.T) {
	h := newHarness(t, naverAccount("a", 0, true))
	s := &mockSender{outcomes: map[string]sendsession.Outcome{"m1": sendsession.CaptchaResolved(7)}}
	s.onSend = func(key string, obs sendsession.CaptchaObserver) {
		obs.CaptchaRequired(key)
		if snap, _ := h.o.Current(); snap.State != StateCaptchaWait {
			t.Errorf("state during captcha = %s", snap.State)
		}
		obs.CaptchaResolved(key)
	}
	h.senders["a"] = s

	res, err := h.o.Run(context.Background(), request("m1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Tally.Succeeded != 1 {
		t.Errorf("captcha-resolved send should count as success: %+v", res.Tally)
	}

	want := []EventType{EventBatchStart, EventCaptchaRequired, EventCaptchaResolved, EventProgress, EventBatchTerminal}
	got := h.sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if h.accounts.count("a") != 7 {
		t.Errorf("daily count = %d, want 7", h.accounts.count("a"))
	}
}

func TestRun_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.o.Run(ctx, Request{Provider: provider.Naver, Body: "x"}); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty batch error = %v", err)
	}
	if _, err := h.o.Run(ctx, Request{Provider: provider.Naver, Recipients: recipients("m")}); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("empty body error = %v", err)
	}
	if _, err := h.o.Run(ctx, Request{Provider: "other", Recipients: recipients("m"), Body: "x"}); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("bad provider error = %v", err)
	}
}

func TestRun_ActiveAccountProviderMismatch(t *testing.T) {
	h := newHarness(t, &models.Account{ID: "d", Provider: provider.Daum, IsActive: true})

	res, err := h.o.Run(context.Background(), request("m1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateError {
		t.Errorf("state = %s, want error", res.State)
	}
}

func TestStop_DiscardsPendingSwitch(t *testing.T) {
	h := newHarness(t,
		naverAccount("a", 0, true),
		naverAccount("b", 0, false),
	)
	h.senders["a"] = &mockSender{
		outcomes: map[string]sendsession.Outcome{"m1": sendsession.LimitReached(50)},
	}

	res, err := h.o.Run(context.Background(), request("m1", "m2"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateSwitchingAccount {
		t.Fatalf("state = %s", res.State)
	}

	if !h.o.Stop() {
		t.Fatal("Stop() should discard the pending switch")
	}
	if len(h.o.Pending()) != 0 {
		t.Error("pending switch should be gone")
	}

	terminal := h.sink.ofType(EventBatchTerminal)
	if len(terminal) != 1 || terminal[0].State != StateCancelled {
		t.Fatalf("terminal events = %+v", terminal)
	}
	if terminal[0].Reason != "stopped by user" {
		t.Errorf("reason = %q", terminal[0].Reason)
	}

	if _, err := h.o.Resume(context.Background(), res.BatchID); !errors.Is(err, ErrNoPendingSwitch) {
		t.Errorf("Resume() error = %v, want ErrNoPendingSwitch", err)
	}
}

func TestRun_WritesJournal(t *testing.T) {
	h := newHarness(t, naverAccount("a", 0, true))
	h.senders["a"] = &mockSender{
		outcomes: map[string]sendsession.Outcome{
			"m1": sendsession.Sent(1),
			"m2": sendsession.Failed("input area not found"),
		},
	}

	j, err := journal.NewBoltStorage(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	defer j.Close()
	h.o.deps.Journal = j

	res, err := h.o.Run(context.Background(), request("m1", "m2"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, err := j.GetBatch(context.Background(), res.BatchID)
	if err != nil || rec == nil {
		t.Fatalf("GetBatch() = %v, %v", rec, err)
	}
	if rec.Status != journal.StatusCompleted || rec.Succeeded != 1 || rec.Failed != 1 {
		t.Errorf("journal record = %+v", rec)
	}

	attempts, _ := j.Attempts(context.Background(), res.BatchID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[1].Outcome != string(sendsession.KindFailed) || attempts[1].Reason != "input area not found" {
		t.Errorf("second attempt = %+v", attempts[1])
	}
}

func openJournal(t *testing.T) *journal.BoltStorage {
	t.Helper()
	j, err := journal.NewBoltStorage(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestResume_StopAfterLimitRetryCountsOnce(t *testing.T) {
	h := newHarness(t,
		naverAccount("a", 10, true),
		naverAccount("b", 0, false),
	)
	h.senders["a"] = &mockSender{
		readCount: 10,
		outcomes: map[string]sendsession.Outcome{
			"m1": sendsession.Sent(11),
			"m2": sendsession.LimitReached(50),
		},
	}
	sb := &mockSender{
		outcomes: map[string]sendsession.Outcome{
			"m2": sendsession.Sent(1),
			"m3": sendsession.Sent(2),
		},
	}
	sb.onSend = func(key string, obs sendsession.CaptchaObserver) {
		if key == "m3" {
			h.o.Stop()
		}
	}
	h.senders["b"] = sb

	j := openJournal(t)
	h.o.deps.Journal = j

	started := time.Now().Truncate(time.Second)
	clock := started
	h.o.now = func() time.Time { return clock }

	res, err := h.o.Run(context.Background(), request("m1", "m2", "m3"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Tally != (Tally{Succeeded: 1, Failed: 1}) {
		t.Fatalf("tally after switch = %+v", res.Tally)
	}

	clock = started.Add(time.Minute)
	res, err = h.o.Resume(context.Background(), res.BatchID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", res.State)
	}
	if got := res.Tally.Succeeded + res.Tally.Failed; got > 3 {
		t.Errorf("tally %+v counts %d outcomes for 3 recipients", res.Tally, got)
	}
	if res.Tally != (Tally{Succeeded: 2, Failed: 1}) {
		t.Errorf("tally = %+v, want m1 and m2 sent, m3 aborted", res.Tally)
	}

	attempts, err := j.Attempts(context.Background(), res.BatchID)
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected one attempt record per recipient, got %d", len(attempts))
	}
	if attempts[1].MemberKey != "m2" || attempts[1].AccountID != "b" || attempts[1].Outcome != string(sendsession.KindSent) {
		t.Errorf("m2 attempt = %+v, want the retry on b", attempts[1])
	}

	rec, err := j.GetBatch(context.Background(), res.BatchID)
	if err != nil || rec == nil {
		t.Fatalf("GetBatch() = %v, %v", rec, err)
	}
	if rec.Succeeded != 2 || rec.Failed != 1 || rec.Status != journal.StatusCancelled {
		t.Errorf("journal record = %+v", rec)
	}
	if !rec.CreatedAt.Equal(started) {
		t.Errorf("journal CreatedAt = %v, want original start %v", rec.CreatedAt, started)
	}
	if snap := h.sink.ofType(EventBatchTerminal); len(snap) != 1 || snap[0].Tally != res.Tally {
		t.Errorf("terminal events = %+v", snap)
	}
}

func TestRun_StopDuringLastSendCancels(t *testing.T) {
	h := newHarness(t, naverAccount("a", 0, true))
	s := &mockSender{
		outcomes: map[string]sendsession.Outcome{
			"m1": sendsession.Sent(1),
			"m2": sendsession.Sent(2),
		},
	}
	s.onSend = func(key string, obs sendsession.CaptchaObserver) {
		if key == "m2" {
			h.o.Stop()
		}
	}
	h.senders["a"] = s

	res, err := h.o.Run(context.Background(), request("m1", "m2"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", res.State)
	}
	if res.Tally != (Tally{Succeeded: 1, Failed: 1}) {
		t.Errorf("tally = %+v", res.Tally)
	}

	terminal := h.sink.ofType(EventBatchTerminal)
	if len(terminal) != 1 || terminal[0].State != StateCancelled {
		t.Errorf("terminal events = %+v", terminal)
	}
}

func TestStop_DiscardKeepsJournalStart(t *testing.T) {
	h := newHarness(t,
		naverAccount("a", 0, true),
		naverAccount("b", 0, false),
	)
	h.senders["a"] = &mockSender{
		outcomes: map[string]sendsession.Outcome{"m1": sendsession.LimitReached(50)},
	}
	j := openJournal(t)
	h.o.deps.Journal = j

	started := time.Now().Truncate(time.Second)
	clock := started
	h.o.now = func() time.Time { return clock }

	res, err := h.o.Run(context.Background(), request("m1", "m2"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Pending == nil || !res.Pending.StartedAt.Equal(started) {
		t.Fatalf("pending switch = %+v, want start time carried", res.Pending)
	}

	clock = started.Add(time.Hour)
	h.o.Stop()

	rec, err := j.GetBatch(context.Background(), res.BatchID)
	if err != nil || rec == nil {
		t.Fatalf("GetBatch() = %v, %v", rec, err)
	}
	if rec.Status != journal.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
	if !rec.CreatedAt.Equal(started) {
		t.Errorf("journal CreatedAt = %v, want %v", rec.CreatedAt, started)
	}
	if rec.Failed != 1 {
		t.Errorf("failed = %d, want the limit failure kept", rec.Failed)
	}
}
