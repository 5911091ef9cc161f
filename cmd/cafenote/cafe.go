package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/store"
)

var (
	cafeProvider   string
	cafeName       string
	cafeActiveOnly bool
)

var cafeCmd = &cobra.Command{
	Use:   "cafe",
	Short: "Monitored cafe management",
}

var cafeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cafes",
	RunE:  runCafeList,
}

var cafeAddCmd = &cobra.Command{
	Use:   "add <board_url>",
	Short: "Add a cafe board to monitor",
	Args:  cobra.ExactArgs(1),
	RunE:  runCafeAdd,
}

var cafeEnableCmd = &cobra.Command{
	Use:   "enable <cafe_id>",
	Short: "Include a cafe in discovery",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setCafeActive(args[0], true) },
}

var cafeDisableCmd = &cobra.Command{
	Use:   "disable <cafe_id>",
	Short: "Exclude a cafe from discovery",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setCafeActive(args[0], false) },
}

var cafeDeleteCmd = &cobra.Command{
	Use:   "delete <cafe_id>",
	Short: "Delete a cafe",
	Args:  cobra.ExactArgs(1),
	RunE:  runCafeDelete,
}

func init() {
	cafeListCmd.Flags().StringVar(&cafeProvider, "provider", "", "Filter by provider (naver, daum)")
	cafeListCmd.Flags().BoolVar(&cafeActiveOnly, "active", false, "Only active cafes")

	cafeAddCmd.Flags().StringVar(&cafeName, "name", "", "Display name")
	cafeAddCmd.Flags().StringVar(&cafeProvider, "provider", "", "Provider (detected from the URL when omitted)")

	cafeCmd.AddCommand(cafeListCmd, cafeAddCmd, cafeEnableCmd, cafeDisableCmd, cafeDeleteCmd)
	rootCmd.AddCommand(cafeCmd)
}

func runCafeList(cmd *cobra.Command, args []string) error {
	var p provider.Provider
	if cafeProvider != "" {
		var err error
		if p, err = provider.Parse(cafeProvider); err != nil {
			return err
		}
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	cafes, err := store.NewCafeRepository(db.DB).List(context.Background(), p, cafeActiveOnly)
	if err != nil {
		return fmt.Errorf("failed to list cafes: %w", err)
	}

	if len(cafes) == 0 {
		fmt.Println("No cafes")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tACTIVE\tURL")
	fmt.Fprintln(w, "--\t--------\t----\t------\t---")

	for _, c := range cafes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			truncateID(c.ID),
			c.Provider,
			truncate(c.Name, 30),
			c.IsActive,
			c.URL,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d cafes\n", len(cafes))
	return nil
}

func runCafeAdd(cmd *cobra.Command, args []string) error {
	c := &models.Cafe{
		URL:      args[0],
		Name:     cafeName,
		IsActive: true,
	}

	if cafeProvider != "" {
		p, err := provider.Parse(cafeProvider)
		if err != nil {
			return err
		}
		c.Provider = p
	} else {
		c.Provider = provider.Detect(c.URL)
	}

	// reject URLs the crawler could never page through
	if _, err := provider.ParseCafeURL(c.Provider, c.URL); err != nil {
		return err
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.NewCafeRepository(db.DB).Create(context.Background(), c); err != nil {
		return fmt.Errorf("failed to add cafe: %w", err)
	}

	fmt.Printf("Cafe added: %s (%s)\n", c.ID, c.Provider)
	return nil
}

func setCafeActive(id string, active bool) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.NewCafeRepository(db.DB).SetActive(context.Background(), id, active); err != nil {
		return fmt.Errorf("failed to update cafe: %w", err)
	}

	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("Cafe %s %s\n", id, state)
	return nil
}

func runCafeDelete(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.NewCafeRepository(db.DB).Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete cafe: %w", err)
	}

	fmt.Printf("Cafe %s deleted\n", args[0])
	return nil
}
