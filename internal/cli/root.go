// Package cli defines the dominds command line. The root command runs the
// server; subcommands cover version and config inspection.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dominds/internal/config"
	"dominds/pkg/logger"
)

type globalFlags struct {
	ConfigPath string
	Chdir      string
	Port       int
	Host       string
	Mode       string
	Verbose    bool
	Quiet      bool
}

var flags globalFlags

// NewRootCmd creates the root command. Running it with no subcommand starts
// the server.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dominds",
		Short: "dominds - multi-agent dialog orchestration runtime",
		Long: `dominds supervises long-running multi-agent dialogs: it drives
generations, routes inter-agent calls and replies, persists every event, and
streams them to UI clients over WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			if flags.Chdir != "" {
				if err := os.Chdir(flags.Chdir); err != nil {
					return fmt.Errorf("chdir %s: %w", flags.Chdir, err)
				}
			}

			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cfg)

			logLevel := cfg.Log.Level
			if flags.Verbose {
				logLevel = "debug"
			}
			if flags.Quiet {
				logLevel = "error"
			}
			return logger.Init(logger.Config{
				Level:  logLevel,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			})
		},
		RunE: runServe,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", "", "config file path")
	pf.StringVarP(&flags.Chdir, "chdir", "C", "", "change working directory before starting")
	pf.IntVarP(&flags.Port, "port", "p", 0, "port to listen on (overrides config)")
	pf.StringVarP(&flags.Host, "host", "H", "", "host to bind to (overrides config)")
	pf.StringVar(&flags.Mode, "mode", "", "run mode: dev or prod (overrides config)")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewServeCmd())

	return rootCmd
}

func applyFlagOverrides(cfg *config.Config) {
	if flags.Port > 0 {
		cfg.Gateway.Port = flags.Port
	}
	if flags.Host != "" {
		cfg.Gateway.Host = flags.Host
	}
	if flags.Mode != "" {
		cfg.Gateway.Mode = flags.Mode
	}
}

// Execute runs the CLI. Startup failures exit 1.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
