package sandbox

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/sendsession"
)

var simulatedFailures = []string{
	"input area not found",
	"send button not found",
	"page load failed",
}

// Sender stands in for a browser send session. Notes are captured to
// storage and the daily counter is simulated per account.
type Sender struct {
	storage          *Storage
	provider         provider.Provider
	accountID        string
	dailyCap         int
	logger           *slog.Logger
	simulateErrors   bool
	errorProbability float64
	rand             func() float64
	now              func() time.Time
	aborted          atomic.Bool
}

// NewSender creates a sandbox sender for one account
func NewSender(storage *Storage, p provider.Provider, accountID string, dailyCap int, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if dailyCap <= 0 {
		dailyCap = p.Info().DefaultCap
	}
	return &Sender{
		storage:          storage,
		provider:         p,
		accountID:        accountID,
		dailyCap:         dailyCap,
		logger:           logger.With("component", "sandbox", "account_id", accountID),
		errorProbability: 0.1,
		rand:             rand.Float64,
		now:              time.Now,
	}
}

// SetErrorSimulation enables/disables failure simulation
func (s *Sender) SetErrorSimulation(enabled bool, probability float64) {
	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

func (s *Sender) today() string {
	return models.Today(s.now())
}

// ReadCount returns the simulated counter
func (s *Sender) ReadCount(ctx context.Context, recipientKey string) (int, error) {
	return s.storage.Count(ctx, s.accountID, s.today())
}

// SendOne captures the note unless the simulated counter is already at cap
func (s *Sender) SendOne(ctx context.Context, recipientKey, body string, obs sendsession.CaptchaObserver) sendsession.Outcome {
	if s.aborted.Load() || ctx.Err() != nil {
		return sendsession.Failed("send aborted")
	}

	count, err := s.storage.Count(ctx, s.accountID, s.today())
	if err != nil {
		return sendsession.Failed(err.Error())
	}
	if count >= s.dailyCap {
		s.logger.Info("sandbox: daily limit reached", "count", count, "cap", s.dailyCap)
		return sendsession.LimitReached(count)
	}

	msg := &Message{
		ID:         uuid.New().String(),
		Provider:   string(s.provider),
		AccountID:  s.accountID,
		MemberKey:  recipientKey,
		Body:       body,
		Count:      count,
		CapturedAt: s.now(),
	}

	if s.simulateErrors && s.rand() < s.errorProbability {
		msg.SimulatedErr = simulatedFailures[int(s.rand()*float64(len(simulatedFailures)))%len(simulatedFailures)]
		if err := s.storage.Save(ctx, msg); err != nil {
			s.logger.Error("sandbox: failed to save message", "error", err)
		}
		return sendsession.Failed(msg.SimulatedErr)
	}

	next, err := s.storage.Increment(ctx, s.accountID, s.today())
	if err != nil {
		return sendsession.Failed(err.Error())
	}
	msg.Count = next
	if err := s.storage.Save(ctx, msg); err != nil {
		return sendsession.Failed(err.Error())
	}

	s.logger.Info("sandbox: note captured", "recipient", recipientKey, "count", next)
	return sendsession.Sent(next)
}

// Abort makes every following SendOne fail
func (s *Sender) Abort() {
	s.aborted.Store(true)
}

// Close is a no-op; storage belongs to the caller
func (s *Sender) Close() error {
	return nil
}
