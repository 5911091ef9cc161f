package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/app"
	"github.com/foxzi/cafenote/internal/models"
)

var (
	loginTimeout     time.Duration
	loginKeepSession bool
)

var loginCmd = &cobra.Command{
	Use:   "login <account_id>",
	Short: "Log an account in through a visible browser window",
	Long: `Activate the account, open the provider login page in a visible browser window
and wait until the session cookies appear. The browser profile keeps the session
for later runs when browser.user_data_dir is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "How long to wait for the login to complete")
	loginCmd.Flags().BoolVar(&loginKeepSession, "keep-session", false, "Skip the login page when a session already exists")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	acct, err := a.Accounts().Get(ctx, args[0])
	if err != nil {
		return err
	}

	if err := a.Accounts().SetActive(ctx, acct.ID); err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}

	if loginKeepSession && a.Gate().IsAuthenticated(ctx, acct.Provider) {
		fmt.Printf("%s session already present\n", acct.Provider)
		return nil
	}

	// a previous account's cookies would satisfy the gate immediately
	if err := a.Browser().ClearCookies(ctx, acct.Provider); err != nil {
		return fmt.Errorf("failed to clear session cookies: %w", err)
	}

	fmt.Printf("Log in as %s in the browser window (waiting up to %s)\n", acct.LoginID, loginTimeout)
	if err := waitForLogin(ctx, a, acct, loginTimeout); err != nil {
		return err
	}

	fmt.Printf("Logged in: %s (%s)\n", acct.LoginID, acct.Provider)
	return nil
}

// waitForLogin shows the login page of acct's provider, fills in the stored
// credentials when there are any, and waits until the cookie gate passes
func waitForLogin(ctx context.Context, a *app.App, acct *models.Account, timeout time.Duration) error {
	p := acct.Provider
	if err := a.Browser().OpenLoginSurface(ctx, p); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}
	defer a.Browser().CloseLoginSurface(p)

	filled, err := a.Credentials().Fill(ctx, acct)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	case filled:
		fmt.Println("Filled stored credentials; submit the form in the browser window")
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !a.Gate().WaitAuthenticated(waitCtx, p, 2*time.Second) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("login not completed within %s", timeout)
	}
	return nil
}
