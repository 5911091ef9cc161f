package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/cafenote/internal/app"
	"github.com/foxzi/cafenote/internal/config"
	"github.com/foxzi/cafenote/internal/journal"
	"github.com/foxzi/cafenote/internal/provider"
	"github.com/foxzi/cafenote/internal/store"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "cafenote",
	Short:        "cafenote - cafe member note sender",
	Long:         `cafenote discovers recent posters on community cafes and sends them notes through a logged-in browser session.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control API",
	Long:  `Start the browser, the send orchestrator and the HTTP control API used by the host UI.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cafenote version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when omitted)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig reads the -c file, or falls back to defaults plus environment
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfg, err := config.Default()
		if err != nil {
			return nil, fmt.Errorf("invalid default configuration: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp assembles the full application, including the browser
func openApp(visible bool) (*app.App, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(cfg, app.Options{Version: version, ForceVisible: visible})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create application: %w", err)
	}
	return a, cfg, nil
}

// openStore opens the SQLite database without starting a browser
func openStore() (*store.DB, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, cfg, nil
}

// openJournal opens the batch journal without starting a browser
func openJournal() (*journal.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := journal.NewBoltStorage(cfg.Storage.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return storage, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, cfg, err := openApp(false)
	if err != nil {
		return err
	}

	if !cfg.API.Enabled {
		a.Logger().Warn("api.enabled is false; only background sweeps will run")
	}

	return a.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Database:   %s\n", cfg.Storage.Path)
	fmt.Printf("  Journal:    %s\n", cfg.Storage.JournalPath)
	fmt.Printf("  Headless:   %t\n", cfg.Browser.Headless)
	fmt.Printf("  Daily caps: naver=%d daum=%d\n", cfg.Providers.Naver.DailyCap, cfg.Providers.Daum.DailyCap)
	fmt.Printf("  Delay:      %s - %s\n", cfg.Send.MinDelay, cfg.Send.MaxDelay)
	fmt.Printf("  Sandbox:    %t\n", cfg.Send.Sandbox)
	if cfg.API.Enabled {
		fmt.Printf("  API:        %s\n", cfg.API.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:    %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}

func dailyCap(cfg *config.Config, p provider.Provider) int {
	switch p {
	case provider.Naver:
		return cfg.Providers.Naver.DailyCap
	case provider.Daum:
		return cfg.Providers.Daum.DailyCap
	}
	return p.Info().DefaultCap
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
