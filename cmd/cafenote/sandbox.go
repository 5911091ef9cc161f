package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/journal"
	"github.com/foxzi/cafenote/internal/sandbox"
)

var (
	sandboxListProvider string
	sandboxListAccount  string
	sandboxListLimit    int
	sandboxClearDays    int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect notes captured in sandbox mode",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured notes",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show a captured note",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured notes",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListProvider, "provider", "", "Filter by provider")
	sandboxListCmd.Flags().StringVar(&sandboxListAccount, "account", "", "Filter by account ID")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of notes")

	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear notes older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// openSandboxStorage opens sandbox capture, which lives in the journal database
func openSandboxStorage() (*sandbox.Storage, *journal.BoltStorage, error) {
	jrnl, err := openJournal()
	if err != nil {
		return nil, nil, err
	}

	storage, err := sandbox.NewStorage(jrnl.DB())
	if err != nil {
		jrnl.Close()
		return nil, nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	return storage, jrnl, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, jrnl, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer jrnl.Close()

	msgs, err := storage.List(context.Background(), sandbox.ListFilter{
		Provider:  sandboxListProvider,
		AccountID: sandboxListAccount,
		Limit:     sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list notes: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("No notes in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tACCOUNT\tMEMBER\tCOUNT\tCAPTURED\tSTATUS")
	fmt.Fprintln(w, "--\t--------\t-------\t------\t-----\t--------\t------")

	for _, m := range msgs {
		status := "ok"
		if m.SimulatedErr != "" {
			status = "error"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(m.ID),
			m.Provider,
			truncateID(m.AccountID),
			m.MemberKey,
			m.Count,
			m.CapturedAt.Format("2006-01-02 15:04"),
			status,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d notes\n", len(msgs))
	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	storage, jrnl, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer jrnl.Close()

	msg, err := storage.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get note: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("note not found: %s", args[0])
	}

	fmt.Printf("Note: %s\n\n", msg.ID)
	fmt.Printf("Provider: %s\n", msg.Provider)
	fmt.Printf("Account:  %s\n", msg.AccountID)
	fmt.Printf("Member:   %s\n", msg.MemberKey)
	fmt.Printf("Count:    %d\n", msg.Count)
	fmt.Printf("Captured: %s\n", msg.CapturedAt.Format(time.RFC3339))
	if msg.SimulatedErr != "" {
		fmt.Printf("Error:    %s\n", msg.SimulatedErr)
	}
	fmt.Println("---")
	fmt.Println(msg.Body)
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, jrnl, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer jrnl.Close()

	olderThan := time.Duration(sandboxClearDays) * 24 * time.Hour
	count, err := storage.Clear(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear notes: %w", err)
	}

	fmt.Printf("Cleared %d notes\n", count)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	storage, jrnl, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer jrnl.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Total notes: %d\n", stats.Total)
	fmt.Printf("Simulated errors: %d\n", stats.Failed)
	if !stats.OldestAt.IsZero() {
		fmt.Printf("Oldest: %s\n", stats.OldestAt.Format(time.RFC3339))
		fmt.Printf("Newest: %s\n", stats.NewestAt.Format(time.RFC3339))
	}

	if len(stats.ByAccount) > 0 {
		fmt.Println("\nBy account:")
		accounts := make([]string, 0, len(stats.ByAccount))
		for id := range stats.ByAccount {
			accounts = append(accounts, id)
		}
		sort.Strings(accounts)
		for _, id := range accounts {
			fmt.Printf("  %s: %d\n", id, stats.ByAccount[id])
		}
	}

	return nil
}
