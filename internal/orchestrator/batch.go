package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

// Request describes a batch to send
type Request struct {
	Provider   provider.Provider
	Recipients []models.Recipient
	Body       string
	TemplateID string
}

// Tally is the running success/failure count of a batch
type Tally struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Result is what Run and Resume return. Pending is set only when the batch
// is suspended in StateSwitchingAccount.
type Result struct {
	BatchID string         `json:"batch_id"`
	State   State          `json:"state"`
	Tally   Tally          `json:"tally"`
	Reason  string         `json:"reason,omitempty"`
	Pending *PendingSwitch `json:"pending,omitempty"`
}

// PendingSwitch is the context kept while a batch waits for the next account
// to authenticate. Remaining starts at the recipient that hit the limit.
// RetryFirst is set when that recipient's limit failure is already in Tally;
// the retry on the next account replaces it rather than adding a second one.
type PendingSwitch struct {
	BatchID       string             `json:"batch_id"`
	Provider      provider.Provider  `json:"provider"`
	TemplateID    string             `json:"template_id,omitempty"`
	Body          string             `json:"-"`
	Remaining     []models.Recipient `json:"remaining"`
	Offset        int                `json:"offset"`
	Total         int                `json:"total"`
	Tally         Tally              `json:"tally"`
	FromAccountID string             `json:"from_account_id"`
	NextAccount   *models.Account    `json:"next_account"`
	Reprime       bool               `json:"reprime"`
	RetryFirst    bool               `json:"retry_first"`
	StartedAt     time.Time          `json:"started_at"`
	CreatedAt     time.Time          `json:"created_at"`

	claimed       atomic.Bool
	discardReason string
}

// Snapshot is a point-in-time view of the running batch
type Snapshot struct {
	BatchID   string            `json:"batch_id"`
	Provider  provider.Provider `json:"provider"`
	AccountID string            `json:"account_id"`
	State     State             `json:"state"`
	Index     int               `json:"index"`
	Total     int               `json:"total"`
	Tally     Tally             `json:"tally"`
	StartedAt time.Time         `json:"started_at"`
}

// batch is the explicit context threaded through one Run or Resume
type batch struct {
	id         string
	provider   provider.Provider
	templateID string
	body       string
	recipients []models.Recipient
	offset     int
	total      int
	startedAt  time.Time

	// retryFirst marks recipients[0] as already counted failed
	retryFirst bool

	cancelled atomic.Bool
	interrupt context.CancelFunc
	sender    Sender

	mu        sync.Mutex
	state     State
	index     int
	accountID string
	tally     Tally
}

func (b *batch) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *batch) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		BatchID:   b.id,
		Provider:  b.provider,
		AccountID: b.accountID,
		State:     b.state,
		Index:     b.index,
		Total:     b.total,
		Tally:     b.tally,
		StartedAt: b.startedAt,
	}
}

func (b *batch) record(success bool) Tally {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.tally.Succeeded++
	} else {
		b.tally.Failed++
	}
	return b.tally
}

// retract takes back the failure counted for recipients[0] before a switch
func (b *batch) retract() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retryFirst && b.tally.Failed > 0 {
		b.tally.Failed--
	}
	b.retryFirst = false
}

func (b *batch) currentTally() Tally {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tally
}
