package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/app"
	"github.com/foxzi/cafenote/internal/crawler"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/orchestrator"
	"github.com/foxzi/cafenote/internal/provider"
)

var (
	sendProvider     string
	sendTemplate     string
	sendBody         string
	sendTo           []string
	sendRecipients   string
	sendWindow       string
	sendCafes        []string
	sendLimit        int
	sendAutoSwitch   bool
	sendLoginTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a note to a batch of recipients",
	Long: `Send one message body to every recipient through the active account.

Recipients come from --to, from a --recipients file written by "discover -o", or
from an inline discovery pass over the active cafes (--window). When the account
reaches its daily limit the batch waits for the next account; with --auto-switch
the login page opens and the batch resumes once the new session is present.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendProvider, "provider", "naver", "Provider (naver, daum)")
	sendCmd.Flags().StringVarP(&sendTemplate, "template", "t", "", "Template ID or name")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "Message body (instead of a template)")
	sendCmd.Flags().StringSliceVar(&sendTo, "to", nil, "Recipient member keys")
	sendCmd.Flags().StringVar(&sendRecipients, "recipients", "", "JSON file from discover -o, or one member key per line")
	sendCmd.Flags().StringVar(&sendWindow, "window", "", "Discover recipients inline with this recency window")
	sendCmd.Flags().StringSliceVar(&sendCafes, "cafe", nil, "Only these cafe IDs for inline discovery")
	sendCmd.Flags().IntVar(&sendLimit, "limit", 0, "Send to at most this many recipients")
	sendCmd.Flags().BoolVar(&sendAutoSwitch, "auto-switch", false, "Open the login page and resume when the account hits its limit")
	sendCmd.Flags().DurationVar(&sendLoginTimeout, "login-timeout", 10*time.Minute, "How long --auto-switch waits for each login")
	rootCmd.AddCommand(sendCmd)
}

// loadRecipients reads a discover -o JSON array or a plain list of member keys
func loadRecipients(path string) ([]models.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []models.Recipient
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("failed to parse recipients: %w", err)
		}
		return out, nil
	}

	var out []models.Recipient
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key := strings.TrimSpace(sc.Text())
		if key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		out = append(out, models.Recipient{MemberKey: key})
	}
	return out, sc.Err()
}

// dedupeRecipients keeps the first occurrence of each member key
func dedupeRecipients(in []models.Recipient) []models.Recipient {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, r := range in {
		if _, ok := seen[r.MemberKey]; ok {
			continue
		}
		seen[r.MemberKey] = struct{}{}
		out = append(out, r)
	}
	return out
}

func resolveBody(ctx context.Context, a *app.App) (string, string, error) {
	if sendTemplate == "" {
		if strings.TrimSpace(sendBody) == "" {
			return "", "", fmt.Errorf("either --template or --body is required")
		}
		return sendBody, "", nil
	}

	t, err := a.Templates().Get(ctx, sendTemplate)
	if err != nil {
		return "", "", err
	}
	return t.Body, t.ID, nil
}

func gatherRecipients(ctx context.Context, a *app.App, p provider.Provider) ([]models.Recipient, error) {
	var out []models.Recipient
	for _, key := range sendTo {
		out = append(out, models.Recipient{MemberKey: key})
	}

	if sendRecipients != "" {
		rs, err := loadRecipients(sendRecipients)
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}

	if sendWindow != "" {
		res, err := discover(ctx, a, discoverOptions{
			window:   sendWindow,
			provider: string(p),
			cafeIDs:  sendCafes,
		}, crawler.Handlers{})
		if err != nil {
			return nil, err
		}
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "cafe %s: page %d: %s\n", e.CafeID, e.Page, e.Error)
		}
		out = append(out, res.Recipients...)
	}

	out = dedupeRecipients(out)
	if sendLimit > 0 && len(out) > sendLimit {
		out = out[:sendLimit]
	}
	return out, nil
}

// printEvents writes orchestrator progress to stderr until the channel closes
func printEvents(events <-chan orchestrator.Event) {
	for e := range events {
		switch e.Type {
		case orchestrator.EventProgress:
			mark := "ok"
			if !e.Success {
				mark = "FAIL " + e.Reason
			}
			fmt.Fprintf(os.Stderr, "[%d/%d] %s %s (today %d)\n", e.Index+1, e.Total, e.MemberKey, mark, e.DailyCount)
		case orchestrator.EventCaptchaRequired:
			fmt.Fprintf(os.Stderr, "CAPTCHA for %s: solve it in the browser window\n", e.MemberKey)
		case orchestrator.EventCaptchaResolved:
			fmt.Fprintf(os.Stderr, "CAPTCHA resolved for %s\n", e.MemberKey)
		case orchestrator.EventAccountSwitch:
			next := ""
			if e.NextAccount != nil {
				next = e.NextAccount.LoginID
			}
			fmt.Fprintf(os.Stderr, "daily limit reached, %d recipients left for %s\n", len(e.Remaining), next)
		}
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	p, err := provider.Parse(sendProvider)
	if err != nil {
		return err
	}

	a, _, err := openApp(sendAutoSwitch)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	body, templateID, err := resolveBody(ctx, a)
	if err != nil {
		return err
	}

	recipients, err := gatherRecipients(ctx, a, p)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		fmt.Println("No recipients")
		return nil
	}

	events, unsubscribe := a.Events().Subscribe()
	done := make(chan struct{})
	go func() {
		printEvents(events)
		close(done)
	}()
	defer func() {
		unsubscribe()
		<-done
	}()

	// the batch reports cancelled on its own once Stop lands
	go func() {
		<-ctx.Done()
		a.Orchestrator().Stop()
	}()

	res, err := a.Orchestrator().Run(context.Background(), orchestrator.Request{
		Provider:   p,
		Recipients: recipients,
		Body:       body,
		TemplateID: templateID,
	})
	if err != nil {
		return err
	}

	for res.State == orchestrator.StateSwitchingAccount {
		next := res.Pending.NextAccount
		if !sendAutoSwitch {
			a.Orchestrator().Stop()
			return fmt.Errorf("account %s reached its daily limit; %d recipients not sent (log in as %s and rerun, or use --auto-switch)",
				res.Pending.FromAccountID, len(res.Pending.Remaining), next.LoginID)
		}

		fmt.Fprintf(os.Stderr, "Log in as %s in the browser window\n", next.LoginID)
		if err := waitForLogin(ctx, a, next, sendLoginTimeout); err != nil {
			a.Orchestrator().Stop()
			return err
		}

		res, err = a.Orchestrator().Resume(context.Background(), res.BatchID)
		if err != nil {
			return err
		}
	}

	fmt.Printf("Batch %s %s: %d sent, %d failed\n", res.BatchID, res.State, res.Tally.Succeeded, res.Tally.Failed)
	if res.Reason != "" && res.State != orchestrator.StateCompleted {
		fmt.Printf("Reason: %s\n", res.Reason)
	}
	return nil
}
