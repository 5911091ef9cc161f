package app

import (
	"context"
	"errors"
	"testing"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/secret"
)

type fixedActive struct {
	acct *models.Account
	err  error
}

func (f fixedActive) GetActive(ctx context.Context) (*models.Account, error) {
	return f.acct, f.err
}

type fillRecorder struct {
	provider provider.Provider
	loginID  string
	password string
	calls    int
	err      error
}

func (f *fillRecorder) FillLogin(ctx context.Context, p provider.Provider, loginID, password string) error {
	f.calls++
	f.provider, f.loginID, f.password = p, loginID, password
	return f.err
}

func TestCredentialsFillActive(t *testing.T) {
	box, err := secret.NewBox("test-key")
	if err != nil {
		t.Fatal(err)
	}
	enc, err := box.Encrypt(`pa"ss<word>`)
	if err != nil {
		t.Fatal(err)
	}
	naver := &models.Account{ID: "a1", Provider: provider.Naver, LoginID: "user01", EncryptedSecret: enc}

	tests := []struct {
		name       string
		active     *models.Account
		box        *secret.Box
		p          provider.Provider
		wantFilled bool
	}{
		{name: "stored secret", active: naver, box: box, p: provider.Naver, wantFilled: true},
		{name: "other provider", active: naver, box: box, p: provider.Daum},
		{name: "no active account", box: box, p: provider.Naver},
		{name: "no secret", active: &models.Account{ID: "a2", Provider: provider.Naver, LoginID: "x"}, box: box, p: provider.Naver},
		{name: "no box", active: naver, p: provider.Naver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filler := &fillRecorder{}
			c := NewCredentials(fixedActive{acct: tt.active}, tt.box, filler, quietLogger())

			filled, err := c.FillActive(context.Background(), tt.p)
			if err != nil {
				t.Fatalf("FillActive() error = %v", err)
			}
			if filled != tt.wantFilled {
				t.Errorf("filled = %v, want %v", filled, tt.wantFilled)
			}
			if !tt.wantFilled {
				if filler.calls != 0 {
					t.Errorf("form filled %d times, want none", filler.calls)
				}
				return
			}
			if filler.loginID != "user01" || filler.password != `pa"ss<word>` || filler.provider != provider.Naver {
				t.Errorf("filled %s/%s/%q", filler.provider, filler.loginID, filler.password)
			}
		})
	}
}

func TestCredentialsFillErrors(t *testing.T) {
	box, _ := secret.NewBox("test-key")
	other, _ := secret.NewBox("other-key")
	enc, _ := other.Encrypt("secret")

	c := NewCredentials(fixedActive{}, box, &fillRecorder{}, quietLogger())
	if _, err := c.Fill(context.Background(), &models.Account{ID: "a1", Provider: provider.Naver, EncryptedSecret: enc}); err == nil {
		t.Error("expected decrypt error for a secret sealed with another key")
	}

	good, _ := box.Encrypt("secret")
	c = NewCredentials(fixedActive{}, box, &fillRecorder{err: errors.New("no form")}, quietLogger())
	if _, err := c.Fill(context.Background(), &models.Account{ID: "a1", Provider: provider.Naver, EncryptedSecret: good}); err == nil {
		t.Error("expected fill error to propagate")
	}

	c = NewCredentials(fixedActive{err: errors.New("db down")}, box, &fillRecorder{}, quietLogger())
	if _, err := c.FillActive(context.Background(), provider.Naver); err == nil {
		t.Error("expected active account lookup error")
	}
}
