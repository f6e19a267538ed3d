package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendgate/internal/app"
	"github.com/foxzi/sendgate/internal/config"
	"github.com/foxzi/sendgate/internal/storage"
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
	Use:   "sendgate",
	Short: "Sendgate - pre-send safety checks",
	Long: `Sendgate decides whether an email may be sent. It scores content for
spam, filters suppressed recipients, enforces domain warmup and health,
and rate limits admin logins.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
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
		fmt.Printf("sendgate version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStores opens the configured storage. With the bolt backend this
// fails while a server holds the database file.
func openStores(ctx context.Context, cfg *config.Config) (*storage.Stores, error) {
	stores, err := storage.Open(ctx, storage.Options{
		Backend:      cfg.Storage.Backend,
		Path:         cfg.Storage.Path,
		DSN:          cfg.Storage.DSN,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return stores, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(ctx)
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
	fmt.Printf("  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage: %s (%s)\n", cfg.Storage.Backend, cfg.Storage.Path)
	fmt.Printf("  Login rate limit: %s\n", cfg.RateLimit.Backend)
	fmt.Printf("  Admin users: %d\n", len(cfg.Auth.Users))
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
