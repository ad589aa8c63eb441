// Package main provides the Davi EMV agent: it drives a card reader through
// EMV and swipe transactions and exposes sessions to local clients over HTTP
// and WebSocket. It runs in the system tray by default.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotside-studios/davi-emv-agent/buildinfo"
	"github.com/dotside-studios/davi-emv-agent/config"
)

var (
	// CLI flags
	configFlag    string
	portFlag      int
	hostFlag      string
	apiSecretFlag string
	logLevelFlag  string

	rootCmd *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   buildinfo.Name,
		Short: buildinfo.Description,
		Long: `Davi EMV Agent connects to a card reader bridge, provisions the reader with
the terminal tables and runs card sessions that read, tokenize or authorize
cards. Without a subcommand it runs in the system tray.`,
		RunE:          runTray,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Extra config file merged after the global and project configs")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "Control server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "Control server listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&apiSecretFlag, "api-secret", "", "API secret for session handshake (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
}

// loadConfig loads the configuration and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWith(configFlag)
	if err != nil {
		return nil, err
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if hostFlag != "" {
		cfg.Server.Host = hostFlag
	}
	if apiSecretFlag != "" {
		cfg.Server.APISecret = apiSecretFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, cfg.Validate()
}

// setup loads the configuration and builds the root logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// Execute runs the root command
func Execute() error {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(tokenizeCmd)
	rootCmd.AddCommand(readerCmd)
	rootCmd.AddCommand(fingerprintsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.Version = buildinfo.FullVersion()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
