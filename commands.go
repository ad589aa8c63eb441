package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"fyne.io/systray"
	"github.com/spf13/cobra"

	"github.com/dotside-studios/davi-emv-agent/buildinfo"
	"github.com/dotside-studios/davi-emv-agent/config"
	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/protocol"
)

var (
	serveStartFlag string

	continuousFlag bool
	amountFlag     string
	currencyFlag   string
	accountFlag    uint64

	forceFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server without the system tray",
	Long: `Run the agent headless. Clients claim the control session with a handshake
and start card sessions over the HTTP API or the WebSocket.`,
	RunE: runServe,
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read one card and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShot(cmd, emv.ModeReading)
	},
}

var tokenizeCmd = &cobra.Command{
	Use:   "tokenize",
	Short: "Tokenize a swipe or authorize a dip",
	Long: `Run a tokenizing session. Swipes are tokenized and dips are authorized
online. The amount, currency and account are asked for unless --amount is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShot(cmd, emv.ModeTokenizing)
	},
}

var readerCmd = &cobra.Command{
	Use:   "reader",
	Short: "Reader maintenance",
}

var batteryCmd = &cobra.Command{
	Use:   "battery",
	Short: "Print the reader battery level",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *Agent) error {
			level, err := a.Director.BatteryLevel(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d%%\n", level)
			return nil
		})
	},
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Calibrate the swipe head and print the values",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *Agent) error {
			cal, err := a.Director.Calibrate(ctx)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(cal))
			for k := range cal {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, cal[k])
			}
			return nil
		})
	},
}

var fingerprintsCmd = &cobra.Command{
	Use:   "fingerprints",
	Short: "Manage provisioned reader fingerprints",
}

var fingerprintsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget every provisioned reader",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, a *Agent) error {
			if err := a.Director.ClearFingerprints(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Readers will be configured again on their next connection.")
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Long: `Write the default configuration to the project config path, or to the
global path with --global.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "global:  %s\nproject: %s\n", config.GlobalConfigPath(), config.ProjectConfigPath())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), buildinfo.BuildInfo())
	},
}

var globalFlag bool

func init() {
	serveCmd.Flags().StringVar(&serveStartFlag, "start", "", "Start a session right away: reading or tokenizing")

	for _, c := range []*cobra.Command{readCmd, tokenizeCmd} {
		c.Flags().BoolVar(&continuousFlag, "continuous", false, "Keep the session running after the first card")
	}
	tokenizeCmd.Flags().StringVar(&amountFlag, "amount", "", "Transaction amount")
	tokenizeCmd.Flags().StringVar(&currencyFlag, "currency", "USD", "Transaction currency")
	tokenizeCmd.Flags().Uint64Var(&accountFlag, "account", 0, "Account ID")

	readerCmd.AddCommand(batteryCmd)
	readerCmd.AddCommand(calibrateCmd)
	fingerprintsCmd.AddCommand(fingerprintsClearCmd)

	configInitCmd.Flags().BoolVar(&globalFlag, "global", false, "Write the global config instead of the project config")
	configInitCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

// runTray is the default action: the agent with its control server, driven
// from the system tray.
func runTray(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	agent, err := NewAgent(cmd.Context(), cfg, logger, AgentOptions{Server: true})
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		systray.Quit()
	}()

	NewSystrayApp(agent).Run()
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := NewAgent(ctx, cfg, logger, AgentOptions{Server: true})
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Stop()

	switch serveStartFlag {
	case "":
	case protocol.ModeReading:
		err = agent.Director.StartReading(ctx)
	case protocol.ModeTokenizing:
		err = agent.Director.StartTokenizing(ctx)
	default:
		err = fmt.Errorf("unknown session mode %q", serveStartFlag)
	}
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping agent")
	return nil
}

// runOneShot runs a session answered from the terminal and prints outcomes.
// Without --continuous it stops after the first outcome.
func runOneShot(cmd *cobra.Command, mode emv.Mode) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prompter := NewTerminalPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
	preset, err := parseTransactionFlags(amountFlag, currencyFlag, accountFlag)
	if err != nil {
		return err
	}
	if preset != nil {
		prompter.WithTransaction(*preset)
	}

	agent, err := NewAgent(ctx, cfg, logger, AgentOptions{Prompter: prompter})
	if err != nil {
		return err
	}

	outcomes := make(chan emv.Event, 1)
	agent.OnEvent(func(ev emv.Event) {
		if !emv.IsOutcome(ev) {
			logger.Debug("reader status", "status", describeEvent(ev))
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), describeEvent(ev))
		select {
		case outcomes <- ev:
		default:
		}
	})
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Stop()

	if mode == emv.ModeTokenizing {
		err = agent.Director.StartTokenizing(ctx)
	} else {
		err = agent.Director.StartReading(ctx)
	}
	if err != nil {
		return err
	}

	if continuousFlag {
		<-ctx.Done()
		return nil
	}
	select {
	case <-outcomes:
	case <-ctx.Done():
	}
	return nil
}

// withAgent runs fn against a started agent without the control server.
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *Agent) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Reader.ConnectTimeout+30*time.Second)
	defer cancel()

	agent, err := NewAgent(ctx, cfg, logger, AgentOptions{
		Prompter: NewTerminalPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
	})
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Stop()
	return fn(ctx, agent)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.ProjectConfigPath()
	if globalFlag {
		path = config.GlobalConfigPath()
	}
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}
	if _, err := os.Stat(path); err == nil && !forceFlag {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
