package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/foxzi/cafenote/internal/journal"
	"github.com/foxzi/cafenote/internal/metrics"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/sendsession"
	"github.com/foxzi/cafenote/internal/store"
)

var (
	ErrBatchRunning    = errors.New("a batch is already running")
	ErrNoPendingSwitch = errors.New("no pending account switch for batch")
	ErrEmptyBatch      = errors.New("batch has no recipients")
	ErrEmptyBody       = errors.New("message body is empty")
)

// Sender sends to one recipient at a time through the provider's compose page
type Sender interface {
	ReadCount(ctx context.Context, recipientKey string) (int, error)
	SendOne(ctx context.Context, recipientKey, body string, obs sendsession.CaptchaObserver) sendsession.Outcome
	Abort()
	Close() error
}

// SenderFactory builds the sender for the account a batch is sending as
type SenderFactory func(ctx context.Context, p provider.Provider, acct *models.Account) (Sender, error)

// AccountStore is the subset of the account repository the orchestrator uses
type AccountStore interface {
	Get(ctx context.Context, id string) (*models.Account, error)
	GetActive(ctx context.Context) (*models.Account, error)
	SetActive(ctx context.Context, id string) error
	SetDailyCount(ctx context.Context, id string, count int, today string) error
}

// RecipientStore persists recipients after a successful send
type RecipientStore interface {
	Create(ctx context.Context, m *models.Member) error
}

// Gate reports whether the browser holds a session for a provider
type Gate interface {
	IsAuthenticated(ctx context.Context, p provider.Provider) bool
}

// CookieClearer drops a provider's session cookies
type CookieClearer interface {
	ClearCookies(ctx context.Context, p provider.Provider) error
}

// Rotator picks the next usable account
type Rotator interface {
	Cap(p provider.Provider) int
	SelectNext(ctx context.Context, p provider.Provider, excludeID string) (*models.Account, error)
}

// Journal records batches and attempts
type Journal interface {
	SaveBatch(ctx context.Context, b *journal.Batch) error
	RecordAttempt(ctx context.Context, a *journal.Attempt) error
}

// Config contains orchestrator settings
type Config struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	SwitchTimeout time.Duration
	Sandbox       bool
}

// Deps groups the collaborators of an Orchestrator. Journal and Sink may be nil.
type Deps struct {
	Accounts  AccountStore
	Members   RecipientStore
	Gate      Gate
	Cookies   CookieClearer
	Rotation  Rotator
	NewSender SenderFactory
	Journal   Journal
	Sink      EventSink
}

// Orchestrator drives one batch at a time through a Sender
type Orchestrator struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	pending *cache.Cache

	now       func() time.Time
	wait      func(ctx context.Context, d time.Duration) error
	randFloat func() float64

	mu      sync.Mutex
	current *batch
}

// New creates an orchestrator
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 5 * time.Second
	}
	if cfg.MaxDelay <= cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay + time.Second
	}
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = time.Hour
	}
	if deps.Sink == nil {
		deps.Sink = SinkFunc(func(Event) {})
	}

	o := &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		logger:    logger,
		pending:   cache.New(cfg.SwitchTimeout, time.Minute),
		now:       time.Now,
		wait:      sleep,
		randFloat: rand.Float64,
	}
	o.pending.OnEvicted(o.onPendingEvicted)
	return o
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

// SetWaitFunc replaces the sleep used for inter-send delays
func (o *Orchestrator) SetWaitFunc(wait func(ctx context.Context, d time.Duration) error) {
	o.wait = wait
}

// nextDelay returns a random duration in [MinDelay, MaxDelay)
func (o *Orchestrator) nextDelay() time.Duration {
	span := o.cfg.MaxDelay - o.cfg.MinDelay
	return o.cfg.MinDelay + time.Duration(o.randFloat()*float64(span))
}

func (o *Orchestrator) today() string {
	return models.Today(o.now())
}

// claim marks b as the running batch
func (o *Orchestrator) claim(b *batch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return ErrBatchRunning
	}
	o.current = b
	metrics.SetBatchActive(true)
	return nil
}

func (o *Orchestrator) release(b *batch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == b {
		o.current = nil
		metrics.SetBatchActive(false)
	}
}

// Current returns the running batch, if any
func (o *Orchestrator) Current() (Snapshot, bool) {
	o.mu.Lock()
	b := o.current
	o.mu.Unlock()
	if b == nil {
		return Snapshot{}, false
	}
	return b.snapshot(), true
}

// Pending returns the batches waiting for an account switch
func (o *Orchestrator) Pending() []*PendingSwitch {
	var out []*PendingSwitch
	for _, item := range o.pending.Items() {
		if ps, ok := item.Object.(*PendingSwitch); ok {
			out = append(out, ps)
		}
	}
	return out
}

// Run sends req.Body to every recipient in order. It returns when the batch
// is terminal or suspended waiting for an account switch.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrEmptyBatch
	}
	if req.Body == "" {
		return nil, ErrEmptyBody
	}
	if !req.Provider.Valid() {
		return nil, provider.ErrUnknownProvider
	}

	b := &batch{
		id:         uuid.New().String(),
		provider:   req.Provider,
		templateID: req.TemplateID,
		body:       req.Body,
		recipients: append([]models.Recipient(nil), req.Recipients...),
		total:      len(req.Recipients),
		startedAt:  o.now(),
		state:      StateInitializing,
	}
	if err := o.claim(b); err != nil {
		return nil, err
	}
	defer o.release(b)

	logger := o.logger.With("batch_id", b.id, "provider", b.provider)
	logger.Info("batch started", "recipients", b.total)

	o.publish(b, Event{Type: EventBatchStart})
	o.saveJournal(ctx, b, journal.StatusRunning, "")

	if !o.deps.Gate.IsAuthenticated(ctx, b.provider) {
		return o.finish(ctx, b, StateSessionExpired, "login required"), nil
	}

	acct, err := o.deps.Accounts.GetActive(ctx)
	if err != nil {
		return o.finish(ctx, b, StateError, fmt.Sprintf("failed to load active account: %v", err)), nil
	}
	if acct == nil || acct.Provider != b.provider {
		return o.finish(ctx, b, StateError, fmt.Sprintf("no active %s account", b.provider)), nil
	}

	return o.drive(ctx, logger, b, acct, true)
}

// Resume continues a batch suspended in StateSwitchingAccount once the new
// account has logged in. Priming is skipped unless the switch happened during it.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) (*Result, error) {
	item, ok := o.pending.Get(batchID)
	if !ok {
		return nil, ErrNoPendingSwitch
	}
	ps := item.(*PendingSwitch)

	b := &batch{
		id:         ps.BatchID,
		provider:   ps.Provider,
		templateID: ps.TemplateID,
		body:       ps.Body,
		recipients: ps.Remaining,
		offset:     ps.Offset,
		total:      ps.Total,
		startedAt:  ps.StartedAt,
		retryFirst: ps.RetryFirst,
		state:      StateSwitchingAccount,
		tally:      ps.Tally,
	}
	if b.startedAt.IsZero() {
		b.startedAt = o.now()
	}
	if err := o.claim(b); err != nil {
		return nil, err
	}
	defer o.release(b)

	if !ps.claimed.CompareAndSwap(false, true) {
		return nil, ErrNoPendingSwitch
	}
	o.pending.Delete(batchID)

	logger := o.logger.With("batch_id", b.id, "provider", b.provider)
	logger.Info("batch resumed", "remaining", len(b.recipients), "account_id", ps.NextAccount.ID)

	if !o.deps.Gate.IsAuthenticated(ctx, b.provider) {
		return o.finish(ctx, b, StateSessionExpired, "login required for the next account"), nil
	}

	acct, err := o.deps.Accounts.Get(ctx, ps.NextAccount.ID)
	if err != nil {
		return o.finish(ctx, b, StateError, fmt.Sprintf("failed to load account: %v", err)), nil
	}

	return o.drive(ctx, logger, b, acct, ps.Reprime)
}

// Stop cancels the running batch and tears down its surface. With no batch
// running it discards every pending account switch instead.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	b := o.current
	o.mu.Unlock()

	if b != nil {
		b.cancelled.Store(true)
		if b.interrupt != nil {
			b.interrupt()
		}
		if b.sender != nil {
			b.sender.Abort()
		}
		o.logger.Info("batch stop requested", "batch_id", b.id)
		return true
	}

	stopped := false
	for _, ps := range o.Pending() {
		ps.discardReason = "stopped by user"
		o.pending.Delete(ps.BatchID)
		stopped = true
	}
	return stopped
}

// drive runs the Initializing and Sending states for acct
func (o *Orchestrator) drive(ctx context.Context, logger *slog.Logger, b *batch, acct *models.Account, prime bool) (*Result, error) {
	b.mu.Lock()
	b.accountID = acct.ID
	b.mu.Unlock()
	logger = logger.With("account_id", acct.ID)

	sender, err := o.deps.NewSender(ctx, b.provider, acct)
	if err != nil {
		return o.finish(ctx, b, StateError, fmt.Sprintf("failed to start send session: %v", err)), nil
	}
	defer sender.Close()

	waitCtx, interrupt := context.WithCancel(ctx)
	defer interrupt()

	o.mu.Lock()
	b.sender = sender
	b.interrupt = interrupt
	o.mu.Unlock()

	dailyCap := o.deps.Rotation.Cap(b.provider)

	if prime {
		b.setState(StateInitializing)
		count, ok := o.prime(ctx, logger, b, acct, sender)
		if !ok {
			return o.finish(ctx, b, StateSessionExpired, "session expired while reading the daily counter"), nil
		}
		if count >= dailyCap {
			logger.Info("daily limit already reached", "count", count, "cap", dailyCap)
			return o.rotate(ctx, logger, b, acct, 0, true)
		}
	}

	b.setState(StateSending)

	for i := range b.recipients {
		if b.cancelled.Load() || ctx.Err() != nil {
			return o.finish(ctx, b, StateCancelled, "stopped by user"), nil
		}

		r := &b.recipients[i]
		index := b.offset + i

		b.mu.Lock()
		b.index = index
		b.mu.Unlock()

		obs := &captchaObserver{o: o, b: b, index: index}
		out := sender.SendOne(ctx, r.MemberKey, b.body, obs)
		if i == 0 {
			b.retract()
		}

		metrics.IncSends(string(b.provider), string(out.Kind))
		o.recordAttempt(ctx, b, acct, index, r.MemberKey, out)

		switch out.Kind {
		case sendsession.KindSent, sendsession.KindCaptchaResolved:
			r.Sent = true
			tally := b.record(true)
			o.rememberRecipient(ctx, logger, r)
			o.resync(ctx, logger, acct, out.Count)

			o.publish(b, Event{
				Type:       EventProgress,
				AccountID:  acct.ID,
				Index:      index,
				MemberKey:  r.MemberKey,
				Success:    true,
				DailyCount: out.Count,
				Tally:      tally,
			})

			if i < len(b.recipients)-1 {
				if err := o.wait(waitCtx, o.nextDelay()); err != nil {
					return o.finish(ctx, b, StateCancelled, "stopped by user"), nil
				}
			}

		case sendsession.KindLimitReached:
			tally := b.record(false)
			o.resync(ctx, logger, acct, out.Count)

			o.publish(b, Event{
				Type:       EventProgress,
				AccountID:  acct.ID,
				Index:      index,
				MemberKey:  r.MemberKey,
				Reason:     "daily limit reached",
				DailyCount: out.Count,
				Tally:      tally,
			})

			return o.rotate(ctx, logger, b, acct, i, false)

		default:
			tally := b.record(false)
			logger.Warn("send failed", "member_key", r.MemberKey, "reason", out.Reason)

			o.publish(b, Event{
				Type:      EventProgress,
				AccountID: acct.ID,
				Index:     index,
				MemberKey: r.MemberKey,
				Reason:    out.Reason,
				Tally:     tally,
			})
		}
	}

	// a stop during the last send still ends the batch as cancelled
	if b.cancelled.Load() || ctx.Err() != nil {
		return o.finish(ctx, b, StateCancelled, "stopped by user"), nil
	}
	return o.finish(ctx, b, StateCompleted, ""), nil
}

// prime reads the provider counter for the first recipient and writes it to
// the account. ok is false when the session turned out to be gone.
func (o *Orchestrator) prime(ctx context.Context, logger *slog.Logger, b *batch, acct *models.Account, sender Sender) (int, bool) {
	count, err := sender.ReadCount(ctx, b.recipients[0].MemberKey)
	if err != nil {
		if !o.deps.Gate.IsAuthenticated(ctx, b.provider) {
			return 0, false
		}
		count = acct.EffectiveCount(o.today())
		logger.Warn("failed to read daily counter, using stored value", "error", err, "count", count)
		return count, true
	}

	o.resync(ctx, logger, acct, count)
	return count, true
}

// resync writes the provider-reported counter to the account
func (o *Orchestrator) resync(ctx context.Context, logger *slog.Logger, acct *models.Account, count int) {
	today := o.today()
	if err := o.deps.Accounts.SetDailyCount(ctx, acct.ID, count, today); err != nil {
		logger.Error("failed to update daily count", "error", err)
		return
	}
	acct.DailySentCount = count
	acct.SentCountDate = today
}

// rememberRecipient stores a sent recipient; an already known key is fine
func (o *Orchestrator) rememberRecipient(ctx context.Context, logger *slog.Logger, r *models.Recipient) {
	if o.deps.Members == nil {
		return
	}
	err := o.deps.Members.Create(ctx, r.AsMember())
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		logger.Warn("failed to save member", "member_key", r.MemberKey, "error", err)
	}
}

// rotate switches to the next account of the provider, carrying forward
// recipients from index i, or ends the batch when none is left. Unless the
// switch happens during priming, recipients[i] was counted failed.
func (o *Orchestrator) rotate(ctx context.Context, logger *slog.Logger, b *batch, acct *models.Account, i int, reprime bool) (*Result, error) {
	next, err := o.deps.Rotation.SelectNext(ctx, b.provider, acct.ID)
	if err != nil {
		return o.finish(ctx, b, StateError, fmt.Sprintf("failed to select next account: %v", err)), nil
	}
	if next == nil {
		return o.finish(ctx, b, StateLimitExhausted, "every account reached the daily limit"), nil
	}

	if err := o.deps.Cookies.ClearCookies(ctx, b.provider); err != nil {
		logger.Warn("failed to clear session cookies", "error", err)
	}
	if err := o.deps.Accounts.SetActive(ctx, next.ID); err != nil {
		return o.finish(ctx, b, StateError, fmt.Sprintf("failed to activate next account: %v", err)), nil
	}
	metrics.IncAccountSwitches(string(b.provider))

	ps := &PendingSwitch{
		BatchID:       b.id,
		Provider:      b.provider,
		TemplateID:    b.templateID,
		Body:          b.body,
		Remaining:     append([]models.Recipient(nil), b.recipients[i:]...),
		Offset:        b.offset + i,
		Total:         b.total,
		Tally:         b.currentTally(),
		FromAccountID: acct.ID,
		NextAccount:   next,
		Reprime:       reprime,
		RetryFirst:    !reprime || b.retryFirst,
		StartedAt:     b.startedAt,
		CreatedAt:     o.now(),
	}
	o.pending.Set(b.id, ps, o.cfg.SwitchTimeout)

	b.setState(StateSwitchingAccount)
	o.saveJournal(ctx, b, journal.StatusSwitching, "")

	logger.Info("account switch required",
		"next_account", next.ID,
		"remaining", len(ps.Remaining),
	)

	o.publish(b, Event{
		Type:        EventAccountSwitch,
		AccountID:   acct.ID,
		Index:       ps.Offset,
		Remaining:   ps.Remaining,
		NextAccount: next,
		Tally:       ps.Tally,
	})

	return &Result{
		BatchID: b.id,
		State:   StateSwitchingAccount,
		Tally:   ps.Tally,
		Pending: ps,
	}, nil
}

// finish moves b to a terminal state and reports it
func (o *Orchestrator) finish(ctx context.Context, b *batch, state State, reason string) *Result {
	b.setState(state)
	tally := b.currentTally()

	o.logger.Info("batch finished",
		"batch_id", b.id,
		"state", state,
		"reason", reason,
		"succeeded", tally.Succeeded,
		"failed", tally.Failed,
	)

	metrics.IncBatches(string(b.provider), string(state))
	o.saveJournal(ctx, b, journalStatus(state), reason)
	o.publish(b, Event{Type: EventBatchTerminal, State: state, Reason: reason, Tally: tally})

	return &Result{BatchID: b.id, State: state, Tally: tally, Reason: reason}
}

// onPendingEvicted discards a switch that was never resumed
func (o *Orchestrator) onPendingEvicted(key string, value interface{}) {
	ps, ok := value.(*PendingSwitch)
	if !ok || !ps.claimed.CompareAndSwap(false, true) {
		return
	}

	reason := ps.discardReason
	if reason == "" {
		reason = "account switch was not completed in time"
	}

	b := &batch{
		id:         ps.BatchID,
		provider:   ps.Provider,
		templateID: ps.TemplateID,
		total:      ps.Total,
		tally:      ps.Tally,
		offset:     ps.Offset,
		startedAt:  ps.StartedAt,
	}
	b.accountID = ps.NextAccount.ID
	o.finish(context.Background(), b, StateCancelled, reason)
}

func (o *Orchestrator) publish(b *batch, e Event) {
	e.BatchID = b.id
	e.Provider = b.provider
	e.Total = b.total
	if e.State == "" {
		b.mu.Lock()
		e.State = b.state
		b.mu.Unlock()
	}
	if e.Time.IsZero() {
		e.Time = o.now()
	}
	o.deps.Sink.Publish(e)
}

func (o *Orchestrator) saveJournal(ctx context.Context, b *batch, status journal.Status, reason string) {
	if o.deps.Journal == nil {
		return
	}
	snap := b.snapshot()
	rec := &journal.Batch{
		ID:         b.id,
		Provider:   string(b.provider),
		AccountID:  snap.AccountID,
		TemplateID: b.templateID,
		Total:      b.total,
		Succeeded:  snap.Tally.Succeeded,
		Failed:     snap.Tally.Failed,
		Status:     status,
		Reason:     reason,
		Sandbox:    o.cfg.Sandbox,
		CreatedAt:  b.startedAt,
	}
	if err := o.deps.Journal.SaveBatch(ctx, rec); err != nil {
		o.logger.Warn("failed to journal batch", "batch_id", b.id, "error", err)
	}
}

func (o *Orchestrator) recordAttempt(ctx context.Context, b *batch, acct *models.Account, index int, key string, out sendsession.Outcome) {
	if o.deps.Journal == nil {
		return
	}
	a := &journal.Attempt{
		BatchID:   b.id,
		Index:     index,
		MemberKey: key,
		AccountID: acct.ID,
		Outcome:   string(out.Kind),
		Count:     out.Count,
		Reason:    out.Reason,
		At:        o.now(),
	}
	if err := o.deps.Journal.RecordAttempt(ctx, a); err != nil {
		o.logger.Warn("failed to journal attempt", "batch_id", b.id, "error", err)
	}
}

func journalStatus(s State) journal.Status {
	switch s {
	case StateCompleted:
		return journal.StatusCompleted
	case StateCancelled:
		return journal.StatusCancelled
	case StateLimitExhausted:
		return journal.StatusLimitExhausted
	case StateSessionExpired:
		return journal.StatusSessionExpired
	case StateSwitchingAccount:
		return journal.StatusSwitching
	case StateError:
		return journal.StatusError
	default:
		return journal.StatusRunning
	}
}

// captchaObserver turns session CAPTCHA notifications into events
type captchaObserver struct {
	o     *Orchestrator
	b     *batch
	index int
}

func (c *captchaObserver) CaptchaRequired(key string) {
	c.b.setState(StateCaptchaWait)
	metrics.IncCaptchaWaits(string(c.b.provider))
	c.o.publish(c.b, Event{Type: EventCaptchaRequired, Index: c.index, MemberKey: key, Tally: c.b.currentTally()})
}

func (c *captchaObserver) CaptchaResolved(key string) {
	c.b.setState(StateSending)
	c.o.publish(c.b, Event{Type: EventCaptchaResolved, Index: c.index, MemberKey: key, Tally: c.b.currentTally()})
}
