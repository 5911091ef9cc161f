package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/store"
)

var (
	memberCafe   string
	memberSearch string
	memberLimit  int

	memberFrom    string
	memberForCafe string
	memberSent    bool
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Messaged member history",
}

var memberListCmd = &cobra.Command{
	Use:   "list",
	Short: "List members already messaged",
	RunE:  runMemberList,
}

var memberAddCmd = &cobra.Command{
	Use:   "add [member_key...]",
	Short: "Confirm recipients into the member store",
	Long: `Store recipients so discovery no longer offers them. Keys come from the
arguments and from a --from file written by "discover -o". With --sent they are
recorded as already messaged.`,
	RunE: runMemberAdd,
}

var memberExcludeCmd = &cobra.Command{
	Use:   "exclude [member_key...]",
	Short: "Exclude recipients from future discovery without messaging them",
	RunE:  runMemberExclude,
}

var memberForgetCmd = &cobra.Command{
	Use:   "forget <member_key>",
	Short: "Remove a member so discovery offers them again",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemberForget,
}

func init() {
	memberListCmd.Flags().StringVar(&memberCafe, "cafe", "", "Filter by cafe ID")
	memberListCmd.Flags().StringVar(&memberSearch, "search", "", "Match nickname or member key")
	memberListCmd.Flags().IntVar(&memberLimit, "limit", 50, "Maximum number of members to show")

	for _, c := range []*cobra.Command{memberAddCmd, memberExcludeCmd} {
		c.Flags().StringVar(&memberFrom, "from", "", "JSON file from discover -o, or one member key per line")
		c.Flags().StringVar(&memberForCafe, "cafe", "", "Cafe ID for keys given without one")
	}
	memberAddCmd.Flags().BoolVar(&memberSent, "sent", false, "Record the members as already messaged")

	memberCmd.AddCommand(memberListCmd, memberAddCmd, memberExcludeCmd, memberForgetCmd)
	rootCmd.AddCommand(memberCmd)
}

func runMemberList(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	members, err := store.NewMemberRepository(db.DB).List(context.Background(), models.MemberFilter{
		CafeID: memberCafe,
		Search: memberSearch,
		Limit:  memberLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}

	if len(members) == 0 {
		fmt.Println("No members")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNICKNAME\tCAFE\tWRITTEN\tSENT")
	fmt.Fprintln(w, "---\t--------\t----\t-------\t----")

	for _, m := range members {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			m.MemberKey,
			truncate(m.Nickname, 20),
			truncateID(m.CafeID),
			m.WriteDate.Format("2006-01-02 15:04"),
			m.Sent,
		)
	}

	w.Flush()
	fmt.Printf("\nShown: %d members\n", len(members))
	return nil
}

func runMemberForget(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.NewMemberRepository(db.DB).Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}

	fmt.Printf("Member %s forgotten\n", args[0])
	return nil
}

// collectMembers builds member records from key arguments and a recipients file
func collectMembers(keys []string, from, cafeID string, sent bool) ([]*models.Member, error) {
	var recipients []models.Recipient
	for _, k := range keys {
		recipients = append(recipients, models.Recipient{MemberKey: k})
	}
	if from != "" {
		rs, err := loadRecipients(from)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, rs...)
	}
	recipients = dedupeRecipients(recipients)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no member keys given")
	}

	members := make([]*models.Member, 0, len(recipients))
	for _, r := range recipients {
		if r.CafeID == "" {
			r.CafeID = cafeID
		}
		r.Sent = sent
		members = append(members, r.AsMember())
	}
	return members, nil
}

func rememberMembers(keys []string, sent bool, verb string) error {
	members, err := collectMembers(keys, memberFrom, memberForCafe, sent)
	if err != nil {
		return err
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	created, err := store.NewMemberRepository(db.DB).Remember(context.Background(), members)
	if err != nil {
		return fmt.Errorf("failed to store members: %w", err)
	}

	fmt.Printf("%s %d members (%d new, %d already known)\n", verb, len(members), created, len(members)-created)
	return nil
}

func runMemberAdd(cmd *cobra.Command, args []string) error {
	return rememberMembers(args, memberSent, "Confirmed")
}

func runMemberExclude(cmd *cobra.Command, args []string) error {
	return rememberMembers(args, false, "Excluded")
}
