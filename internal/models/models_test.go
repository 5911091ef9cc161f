package models

import (
	"testing"
	"time"
)

func TestEffectiveCount(t *testing.T) {
	today := Today(time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC))
	yesterday := Today(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	tests := []struct {
		name string
		acc  Account
		want int
	}{
		{"current date", Account{DailySentCount: 49, SentCountDate: today}, 49},
		{"stale date", Account{DailySentCount: 37, SentCountDate: yesterday}, 0},
		{"never sent", Account{DailySentCount: 5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.acc.EffectiveCount(today); got != tt.want {
				t.Errorf("EffectiveCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecipientAsMember(t *testing.T) {
	at := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	m := Recipient{MemberKey: "k1", DisplayName: "nick", CafeID: "c1", DiscoveredAt: at, Sent: true}.AsMember()

	if m.MemberKey != "k1" || m.Nickname != "nick" || m.CafeID != "c1" || !m.Sent || !m.WriteDate.Equal(at) {
		t.Errorf("unexpected member: %+v", m)
	}
}
