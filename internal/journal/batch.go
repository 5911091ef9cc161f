package journal

import (
	"time"
)

// Status is the lifecycle state of a recorded batch
type Status string

const (
	StatusRunning        Status = "running"
	StatusSwitching      Status = "switching_account"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusLimitExhausted Status = "limit_exhausted"
	StatusSessionExpired Status = "session_expired"
	StatusError          Status = "error"
)

// Terminal reports whether no further sends happen for a batch in this status
func (s Status) Terminal() bool {
	switch s {
	case StatusRunning, StatusSwitching:
		return false
	}
	return true
}

// Batch is the journal record of one send run
type Batch struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	AccountID  string    `json:"account_id"`
	TemplateID string    `json:"template_id,omitempty"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Sandbox    bool      `json:"sandbox,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Attempt is the outcome of sending to one recipient
type Attempt struct {
	BatchID   string    `json:"batch_id"`
	Index     int       `json:"index"`
	MemberKey string    `json:"member_key"`
	AccountID string    `json:"account_id"`
	Outcome   string    `json:"outcome"`
	Count     int       `json:"count"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Stats summarizes the journal
type Stats struct {
	Batches   int64 `json:"batches"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// ListFilter represents filter options for listing batches
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
