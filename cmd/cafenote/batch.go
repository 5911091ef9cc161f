package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/journal"
)

var (
	batchListStatus string
	batchListLimit  int
	batchCleanupAge time.Duration
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Batch journal commands",
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded batches",
	RunE:  runBatchList,
}

var batchShowCmd = &cobra.Command{
	Use:   "show <batch_id>",
	Short: "Show a batch and its attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchShow,
}

var batchStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show journal statistics",
	RunE:  runBatchStats,
}

var batchCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished batches older than --older-than",
	RunE:  runBatchCleanup,
}

func init() {
	batchListCmd.Flags().StringVar(&batchListStatus, "status", "", "Filter by status (running, switching_account, completed, cancelled, limit_exhausted, session_expired, error)")
	batchListCmd.Flags().IntVar(&batchListLimit, "limit", 20, "Maximum number of batches to show")

	batchCleanupCmd.Flags().DurationVar(&batchCleanupAge, "older-than", 30*24*time.Hour, "Age of finished batches to delete")

	batchCmd.AddCommand(batchListCmd, batchShowCmd, batchStatsCmd, batchCleanupCmd)
	rootCmd.AddCommand(batchCmd)
}

func runBatchList(cmd *cobra.Command, args []string) error {
	storage, err := openJournal()
	if err != nil {
		return err
	}
	defer storage.Close()

	batches, err := storage.ListBatches(context.Background(), journal.ListFilter{
		Status: journal.Status(batchListStatus),
		Limit:  batchListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list batches: %w", err)
	}

	if len(batches) == 0 {
		fmt.Println("No batches")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tSTATUS\tSENT\tFAILED\tTOTAL\tCREATED")
	fmt.Fprintln(w, "--\t--------\t------\t----\t------\t-----\t-------")

	for _, b := range batches {
		status := string(b.Status)
		if b.Sandbox {
			status += " (sandbox)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(b.ID),
			b.Provider,
			status,
			b.Succeeded,
			b.Failed,
			b.Total,
			b.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	return nil
}

func runBatchShow(cmd *cobra.Command, args []string) error {
	storage, err := openJournal()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()

	b, err := storage.GetBatch(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}
	if b == nil {
		return fmt.Errorf("batch not found: %s", args[0])
	}

	fmt.Printf("Batch: %s\n\n", b.ID)
	fmt.Printf("Provider:  %s\n", b.Provider)
	fmt.Printf("Account:   %s\n", b.AccountID)
	fmt.Printf("Status:    %s\n", b.Status)
	if b.Reason != "" {
		fmt.Printf("Reason:    %s\n", b.Reason)
	}
	fmt.Printf("Progress:  %d sent, %d failed of %d\n", b.Succeeded, b.Failed, b.Total)
	fmt.Printf("Sandbox:   %t\n", b.Sandbox)
	fmt.Printf("Created:   %s\n", b.CreatedAt.Format(time.RFC3339))
	if !b.FinishedAt.IsZero() {
		fmt.Printf("Finished:  %s\n", b.FinishedAt.Format(time.RFC3339))
	}

	attempts, err := storage.Attempts(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("failed to load attempts: %w", err)
	}
	if len(attempts) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tMEMBER\tACCOUNT\tOUTCOME\tCOUNT\tAT\tREASON")
	fmt.Fprintln(w, "-\t------\t-------\t-------\t-----\t--\t------")
	for _, a := range attempts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			a.Index+1,
			a.MemberKey,
			truncateID(a.AccountID),
			a.Outcome,
			a.Count,
			a.At.Format("15:04:05"),
			a.Reason,
		)
	}
	w.Flush()

	return nil
}

func runBatchStats(cmd *cobra.Command, args []string) error {
	storage, err := openJournal()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Batches:   %d\n", stats.Batches)
	fmt.Printf("Running:   %d\n", stats.Running)
	fmt.Printf("Sent:      %d\n", stats.Succeeded)
	fmt.Printf("Failed:    %d\n", stats.Failed)
	return nil
}

func runBatchCleanup(cmd *cobra.Command, args []string) error {
	storage, err := openJournal()
	if err != nil {
		return err
	}
	defer storage.Close()

	deleted, err := storage.Cleanup(context.Background(), batchCleanupAge)
	if err != nil {
		return fmt.Errorf("failed to clean up journal: %w", err)
	}

	fmt.Printf("Deleted %d batches\n", deleted)
	return nil
}
