package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/config"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/secret"
	"github.com/foxzi/cafenote/internal/store"
)

var (
	accountProvider      string
	accountLogin         string
	accountName          string
	accountPasswordStdin bool
	accountActivate      bool
	accountReveal        bool
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Sending account management",
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with today's send counters",
	RunE:  runAccountList,
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a sending account",
	RunE:  runAccountAdd,
}

var accountShowCmd = &cobra.Command{
	Use:   "show <account_id>",
	Short: "Show account details",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountShow,
}

var accountPasswdCmd = &cobra.Command{
	Use:   "passwd <account_id>",
	Short: "Replace the stored password (read from stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountPasswd,
}

var accountActivateCmd = &cobra.Command{
	Use:   "activate <account_id>",
	Short: "Make an account the active sender",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountActivate,
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete <account_id>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountDelete,
}

func init() {
	accountListCmd.Flags().StringVar(&accountProvider, "provider", "", "Filter by provider (naver, daum)")

	accountAddCmd.Flags().StringVar(&accountProvider, "provider", "", "Provider (naver, daum)")
	accountAddCmd.Flags().StringVar(&accountLogin, "login", "", "Login id (daum requires an email address)")
	accountAddCmd.Flags().StringVar(&accountName, "name", "", "Display name")
	accountAddCmd.Flags().BoolVar(&accountPasswordStdin, "password-stdin", false, "Read the password from stdin and store it encrypted")
	accountAddCmd.Flags().BoolVar(&accountActivate, "activate", false, "Make the new account active")
	accountAddCmd.MarkFlagRequired("provider")
	accountAddCmd.MarkFlagRequired("login")

	accountShowCmd.Flags().BoolVar(&accountReveal, "reveal", false, "Decrypt and print the stored password")

	accountCmd.AddCommand(accountListCmd, accountAddCmd, accountShowCmd, accountPasswdCmd, accountActivateCmd, accountDeleteCmd)
	rootCmd.AddCommand(accountCmd)
}

func openSecretBox(cfg *config.Config) (*secret.Box, error) {
	if cfg.Security.SecretKey == "" {
		return nil, fmt.Errorf("security.secret_key (or CAFENOTE_SECRET_KEY) is required to store passwords")
	}
	return secret.NewBox(cfg.Security.SecretKey)
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", fmt.Errorf("password is empty")
	}
	return pw, nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	repo := store.NewAccountRepository(db.DB)

	var accounts []*models.Account
	if accountProvider != "" {
		p, err := provider.Parse(accountProvider)
		if err != nil {
			return err
		}
		accounts, err = repo.ListByProvider(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
	} else {
		accounts, err = repo.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts")
		return nil
	}

	today := models.Today(time.Now())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tLOGIN\tNAME\tACTIVE\tSENT TODAY")
	fmt.Fprintln(w, "--\t--------\t-----\t----\t------\t----------")

	for _, a := range accounts {
		active := ""
		if a.IsActive {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			truncateID(a.ID),
			a.Provider,
			a.LoginID,
			truncate(a.Name, 24),
			active,
			a.EffectiveCount(today),
			dailyCap(cfg, a.Provider),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d accounts\n", len(accounts))
	return nil
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	p, err := provider.Parse(accountProvider)
	if err != nil {
		return err
	}

	db, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	a := &models.Account{
		Provider: p,
		LoginID:  accountLogin,
		Name:     accountName,
	}

	if accountPasswordStdin {
		box, err := openSecretBox(cfg)
		if err != nil {
			return err
		}
		pw, err := readPassword(os.Stdin)
		if err != nil {
			return err
		}
		if a.EncryptedSecret, err = box.Encrypt(pw); err != nil {
			return err
		}
	}

	ctx := context.Background()
	repo := store.NewAccountRepository(db.DB)

	if err := repo.Create(ctx, a); err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}

	if accountActivate {
		if err := repo.SetActive(ctx, a.ID); err != nil {
			return fmt.Errorf("failed to activate account: %w", err)
		}
	}

	fmt.Printf("Account added: %s (%s %s)\n", a.ID, a.Provider, a.LoginID)
	return nil
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := store.NewAccountRepository(db.DB).Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	today := models.Today(time.Now())

	fmt.Printf("Account: %s\n\n", a.ID)
	fmt.Printf("Provider:    %s\n", a.Provider)
	fmt.Printf("Login:       %s\n", a.LoginID)
	fmt.Printf("Name:        %s\n", a.Name)
	fmt.Printf("Active:      %t\n", a.IsActive)
	fmt.Printf("Sent today:  %d\n", a.EffectiveCount(today))
	if a.SentCountDate != "" {
		fmt.Printf("Counter day: %s\n", a.SentCountDate)
	}
	fmt.Printf("Created:     %s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Password:    %s\n", passwordState(a))

	if accountReveal && a.EncryptedSecret != "" {
		box, err := openSecretBox(cfg)
		if err != nil {
			return err
		}
		pw, err := box.Decrypt(a.EncryptedSecret)
		if err != nil {
			return fmt.Errorf("failed to decrypt password: %w", err)
		}
		fmt.Printf("\n%s\n", pw)
	}

	return nil
}

func passwordState(a *models.Account) string {
	if a.EncryptedSecret == "" {
		return "not stored"
	}
	return "stored (encrypted)"
}

func runAccountPasswd(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	box, err := openSecretBox(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	repo := store.NewAccountRepository(db.DB)

	a, err := repo.Get(ctx, args[0])
	if err != nil {
		return err
	}

	pw, err := readPassword(os.Stdin)
	if err != nil {
		return err
	}
	if a.EncryptedSecret, err = box.Encrypt(pw); err != nil {
		return err
	}

	if err := repo.Update(ctx, a); err != nil {
		return err
	}

	fmt.Printf("Password updated for %s\n", a.LoginID)
	return nil
}

func runAccountActivate(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.NewAccountRepository(db.DB).SetActive(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}

	fmt.Printf("Account %s is now active\n", args[0])
	return nil
}

func runAccountDelete(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.NewAccountRepository(db.DB).Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	fmt.Printf("Account %s deleted\n", args[0])
	return nil
}
