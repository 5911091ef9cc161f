package orchestrator

import (
	"log/slog"
	"time"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

// EventType identifies an orchestrator notification
type EventType string

const (
	EventBatchStart      EventType = "batch_start"
	EventProgress        EventType = "progress"
	EventCaptchaRequired EventType = "captcha_required"
	EventCaptchaResolved EventType = "captcha_resolved"
	EventAccountSwitch   EventType = "account_switch_required"
	EventBatchTerminal   EventType = "batch_terminal"
)

// Event is published to the host. Index is the zero-based position of the
// recipient in the original batch.
type Event struct {
	Type        EventType          `json:"type"`
	BatchID     string             `json:"batch_id"`
	Provider    provider.Provider  `json:"provider"`
	AccountID   string             `json:"account_id,omitempty"`
	State       State              `json:"state,omitempty"`
	Index       int                `json:"index"`
	Total       int                `json:"total"`
	MemberKey   string             `json:"member_key,omitempty"`
	Success     bool               `json:"success"`
	Reason      string             `json:"reason,omitempty"`
	DailyCount  int                `json:"daily_count"`
	Tally       Tally              `json:"tally"`
	Remaining   []models.Recipient `json:"remaining,omitempty"`
	NextAccount *models.Account    `json:"next_account,omitempty"`
	Time        time.Time          `json:"time"`
}

// EventSink receives orchestrator events. Publish must not block for long.
type EventSink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(e Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans an event out to several sinks in order
type MultiSink []EventSink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// LogSink writes events to a logger
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Publish(e Event) {
	attrs := []any{
		"batch_id", e.BatchID,
		"provider", e.Provider,
		"succeeded", e.Tally.Succeeded,
		"failed", e.Tally.Failed,
	}

	switch e.Type {
	case EventProgress:
		attrs = append(attrs, "index", e.Index, "total", e.Total, "member_key", e.MemberKey,
			"success", e.Success, "daily_count", e.DailyCount)
		if e.Reason != "" {
			attrs = append(attrs, "reason", e.Reason)
		}
	case EventAccountSwitch:
		attrs = append(attrs, "remaining", len(e.Remaining))
		if e.NextAccount != nil {
			attrs = append(attrs, "next_account", e.NextAccount.ID)
		}
	case EventBatchTerminal:
		attrs = append(attrs, "state", e.State, "reason", e.Reason)
	case EventCaptchaRequired, EventCaptchaResolved:
		attrs = append(attrs, "member_key", e.MemberKey)
	}

	l.Logger.Info(string(e.Type), attrs...)
}
