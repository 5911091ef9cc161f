package models

import (
	"time"

	"github.com/foxzi/cafenote/internal/provider"
)

// DateLayout is the calendar-date format used for daily counters
const DateLayout = "2006-01-02"

// Today returns the calendar date of t in DateLayout
func Today(t time.Time) string {
	return t.Format(DateLayout)
}

// Account is a provider credential set with its daily quota state
type Account struct {
	ID              string            `json:"id"`
	Provider        provider.Provider `json:"provider"`
	Name            string            `json:"name"`
	LoginID         string            `json:"login_id"`
	EncryptedSecret string            `json:"-"`
	IsActive        bool              `json:"is_active"`
	DailySentCount  int               `json:"daily_sent_count"`
	SentCountDate   string            `json:"sent_count_date,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// EffectiveCount is the daily counter, treating a stale date as zero
func (a *Account) EffectiveCount(today string) int {
	if a.SentCountDate != today {
		return 0
	}
	return a.DailySentCount
}

// Cafe is a monitored community board
type Cafe struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Provider  provider.Provider `json:"provider"`
	IsActive  bool              `json:"is_active"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Template is a stored message body
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is a persisted recipient
type Member struct {
	ID        string    `json:"id"`
	CafeID    string    `json:"cafe_id"`
	Nickname  string    `json:"nickname"`
	MemberKey string    `json:"member_key"`
	WriteDate time.Time `json:"write_date"`
	Sent      bool      `json:"sent"`
	CreatedAt time.Time `json:"created_at"`
}

// MemberFilter contains filters for listing members
type MemberFilter struct {
	CafeID string
	Search string
	Limit  int
	Offset int
}

// Recipient is a discovered addressable identity
type Recipient struct {
	MemberKey    string    `json:"member_key"`
	DisplayName  string    `json:"display_name"`
	CafeID       string    `json:"cafe_id"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Sent         bool      `json:"sent"`
}

// AsMember converts a recipient to its persisted form
func (r Recipient) AsMember() *Member {
	return &Member{
		CafeID:    r.CafeID,
		Nickname:  r.DisplayName,
		MemberKey: r.MemberKey,
		WriteDate: r.DiscoveredAt,
		Sent:      r.Sent,
	}
}

// CafePermission is the result of a provider B eligibility check
type CafePermission struct {
	CafeID   string `json:"cafe_id"`
	GroupID  string `json:"group_id"`
	BoardID  string `json:"board_id"`
	RoleCode int    `json:"role_code"`
	Eligible bool   `json:"eligible"`
	Error    string `json:"error,omitempty"`
}
