package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/store"
)

var (
	templateName string
	templateBody string
	templateFile string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Message template management",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <id_or_name>",
	Short: "Show a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templateAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a template",
	RunE:  runTemplateAdd,
}

var templateUpdateCmd = &cobra.Command{
	Use:   "update <id_or_name>",
	Short: "Update a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateUpdate,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <id_or_name>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

func init() {
	for _, c := range []*cobra.Command{templateAddCmd, templateUpdateCmd} {
		c.Flags().StringVar(&templateName, "name", "", "Template name")
		c.Flags().StringVar(&templateBody, "body", "", "Message body")
		c.Flags().StringVar(&templateFile, "file", "", "Read the message body from a file")
	}
	templateAddCmd.MarkFlagRequired("name")

	templateCmd.AddCommand(templateListCmd, templateShowCmd, templateAddCmd, templateUpdateCmd, templateDeleteCmd)
	rootCmd.AddCommand(templateCmd)
}

// templateBodyFromFlags returns the --body or --file content, or "" when neither is set
func templateBodyFromFlags() (string, error) {
	if templateFile != "" {
		data, err := os.ReadFile(templateFile)
		if err != nil {
			return "", fmt.Errorf("failed to read body file: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
	return templateBody, nil
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	templates, err := store.NewTemplateRepository(db.DB).List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBODY\tUPDATED")
	fmt.Fprintln(w, "--\t----\t----\t-------")

	for _, t := range templates {
		body := strings.ReplaceAll(t.Body, "\n", " ")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncateID(t.ID),
			t.Name,
			truncate(body, 40),
			t.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := store.NewTemplateRepository(db.DB).Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Template: %s\n\n", t.ID)
	fmt.Printf("Name:    %s\n", t.Name)
	fmt.Printf("Updated: %s\n", t.UpdatedAt.Format(time.RFC3339))
	fmt.Println("---")
	fmt.Println(t.Body)
	return nil
}

func runTemplateAdd(cmd *cobra.Command, args []string) error {
	body, err := templateBodyFromFlags()
	if err != nil {
		return err
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("template body is required (--body or --file)")
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	t := &models.Template{Name: templateName, Body: body}
	if err := store.NewTemplateRepository(db.DB).Create(context.Background(), t); err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	fmt.Printf("Template created: %s (%s)\n", t.ID, t.Name)
	return nil
}

func runTemplateUpdate(cmd *cobra.Command, args []string) error {
	body, err := templateBodyFromFlags()
	if err != nil {
		return err
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	repo := store.NewTemplateRepository(db.DB)

	t, err := repo.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if templateName != "" {
		t.Name = templateName
	}
	if body != "" {
		t.Body = body
	}

	if err := repo.Update(ctx, t); err != nil {
		return err
	}

	fmt.Printf("Template %s updated\n", t.Name)
	return nil
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	repo := store.NewTemplateRepository(db.DB)

	t, err := repo.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if err := repo.Delete(ctx, t.ID); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	fmt.Printf("Template %s deleted\n", t.Name)
	return nil
}
