package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/app"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/config"
	forgeTLS "github.com/UpmaxAutomation/coldforge-sub002/internal/tls"
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
	Use:   "coldforge",
	Short: "Coldforge - cold email delivery engine",
	Long: `Coldforge queues outbound cold email, rotates it across sending
identities and providers, and tracks sender reputation.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery engine",
	Long:  `Start the queue processor, background jobs and the HTTP API.`,
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
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "coldforge version %s\n", version)
		if commit != "unknown" {
			fmt.Fprintf(out, "  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Fprintf(out, "  built:  %s\n", buildTime)
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

// openServices opens the database behind the configured storage path. The
// server holds an exclusive lock on it, so CLI commands that touch state
// run while the server is stopped.
func openServices() (*app.Services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	services, err := app.OpenServices(cfg, app.Logger(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return services, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Fprintf(out, "  API: %s\n", cfg.API.ListenAddr)
	fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Path)
	for _, p := range cfg.Providers {
		fmt.Fprintf(out, "  Provider: %s\n", p.Type)
	}
	fmt.Fprintf(out, "  Identities: %d\n", len(cfg.Identities))
	fmt.Fprintf(out, "  Rotation rules: %d\n", len(cfg.Rotation.Rules))
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	if cfg.API.TLS.Enabled() {
		certs, err := forgeTLS.Certificates(cfg.API.TLS)
		if err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}
		if cfg.API.TLS.ACME.Enabled && len(certs) == 0 {
			fmt.Fprintf(out, "  TLS: ACME for %v (no cached certificates yet)\n", cfg.API.TLS.ACME.Domains)
		}
		for _, c := range certs {
			fmt.Fprintf(out, "  TLS: %s expires %s (%d days left)\n", c.Domain, c.NotAfter.Format("2006-01-02"), c.DaysLeft)
		}
	}

	return nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
