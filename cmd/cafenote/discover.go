package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/app"
	"github.com/foxzi/cafenote/internal/crawler"
	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

var (
	discoverWindow   string
	discoverProvider string
	discoverCafes    []string
	discoverOutput   string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find recent posters on the active cafes",
	Long: `Page through the boards of every active cafe, newest first, and collect the
authors who posted inside the recency window and have not been messaged yet.`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringVar(&discoverWindow, "window", "1week", "Recency window (1day, 2days, 3days, 1week, 1month; empty for no cutoff)")
	discoverCmd.Flags().StringVar(&discoverProvider, "provider", "", "Only cafes of this provider")
	discoverCmd.Flags().StringSliceVar(&discoverCafes, "cafe", nil, "Only these cafe IDs")
	discoverCmd.Flags().StringVarP(&discoverOutput, "output", "o", "", "Write recipients as JSON to this file (for send --recipients)")
	rootCmd.AddCommand(discoverCmd)
}

// discoverOptions selects cafes and the window for a discovery pass
type discoverOptions struct {
	window   string
	provider string
	cafeIDs  []string
}

// discover runs one crawler pass over the selected active cafes
func discover(ctx context.Context, a *app.App, opts discoverOptions, h crawler.Handlers) (*crawler.Result, error) {
	window, err := crawler.ParseWindow(opts.window)
	if err != nil {
		return nil, err
	}

	var p provider.Provider
	if opts.provider != "" {
		if p, err = provider.Parse(opts.provider); err != nil {
			return nil, err
		}
	}

	cafes, err := a.Cafes().List(ctx, p, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list cafes: %w", err)
	}
	cafes = filterCafes(cafes, opts.cafeIDs)
	if len(cafes) == 0 {
		return nil, fmt.Errorf("no active cafes to crawl")
	}

	known, err := a.Members().KnownKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load known members: %w", err)
	}

	return a.Crawler().Discover(ctx, crawler.Request{
		Cafes:     cafes,
		Window:    window,
		KnownKeys: known,
	}, h)
}

func filterCafes(cafes []*models.Cafe, ids []string) []*models.Cafe {
	if len(ids) == 0 {
		return cafes
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*models.Cafe
	for _, c := range cafes {
		if _, ok := want[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func runDiscover(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := discover(ctx, a, discoverOptions{
		window:   discoverWindow,
		provider: discoverProvider,
		cafeIDs:  discoverCafes,
	}, crawler.Handlers{
		OnRecipient: func(r models.Recipient, total int) {
			fmt.Fprintf(os.Stderr, "\rfound %d", total)
		},
		OnPermission: func(p models.CafePermission) {
			if !p.Eligible {
				fmt.Fprintf(os.Stderr, "cafe %s: not eligible (role %d) %s\n", p.CafeID, p.RoleCode, p.Error)
			}
		},
	})
	if res != nil && len(res.Recipients) > 0 {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil && res == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery interrupted: %v\n", err)
	}

	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "cafe %s: page %d: %s\n", e.CafeID, e.Page, e.Error)
	}

	if discoverOutput != "" {
		data, err := json.MarshalIndent(res.Recipients, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(discoverOutput, data, 0600); err != nil {
			return fmt.Errorf("failed to write recipients: %w", err)
		}
		fmt.Printf("Wrote %d recipients to %s (%d pages)\n", len(res.Recipients), discoverOutput, res.Pages)
		return nil
	}

	if len(res.Recipients) == 0 {
		fmt.Println("No new recipients")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNICKNAME\tCAFE\tPOSTED")
	fmt.Fprintln(w, "---\t--------\t----\t------")
	for _, r := range res.Recipients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.MemberKey,
			truncate(r.DisplayName, 20),
			truncateID(r.CafeID),
			r.DiscoveredAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d recipients from %d pages\n", len(res.Recipients), res.Pages)
	return nil
}
