package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/secret"
)

// LoginFiller types credentials into an open provider login surface
type LoginFiller interface {
	FillLogin(ctx context.Context, p provider.Provider, loginID, password string) error
}

// ActiveAccountSource returns the account currently selected for sending
type ActiveAccountSource interface {
	GetActive(ctx context.Context) (*models.Account, error)
}

// Credentials fills provider login forms with stored account secrets
type Credentials struct {
	accounts ActiveAccountSource
	box      *secret.Box
	filler   LoginFiller
	logger   *slog.Logger
}

// NewCredentials creates a credential filler. A nil box disables filling.
func NewCredentials(accounts ActiveAccountSource, box *secret.Box, filler LoginFiller, logger *slog.Logger) *Credentials {
	return &Credentials{accounts: accounts, box: box, filler: filler, logger: logger}
}

// FillActive fills the login form of p for the active account. It reports
// false without error when the active account is for another provider or
// has no stored password.
func (c *Credentials) FillActive(ctx context.Context, p provider.Provider) (bool, error) {
	acct, err := c.accounts.GetActive(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load active account: %w", err)
	}
	if acct == nil || acct.Provider != p {
		return false, nil
	}
	return c.Fill(ctx, acct)
}

// Fill types acct's login id and decrypted password into its provider login form
func (c *Credentials) Fill(ctx context.Context, acct *models.Account) (bool, error) {
	if c.box == nil || acct.EncryptedSecret == "" {
		return false, nil
	}

	password, err := c.box.Decrypt(acct.EncryptedSecret)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt password for account %s: %w", acct.ID, err)
	}
	if err := c.filler.FillLogin(ctx, acct.Provider, acct.LoginID, password); err != nil {
		return false, fmt.Errorf("failed to fill login form: %w", err)
	}

	c.logger.Info("login form filled", "account_id", acct.ID, "provider", acct.Provider)
	return true, nil
}
