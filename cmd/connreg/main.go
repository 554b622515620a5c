package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sysmetrics/connreg/cmd/connreg/commands"
	"github.com/sysmetrics/connreg/internal/logging"
	"github.com/sysmetrics/connreg/internal/secret"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		connectionsPath  string
		sharedSecretPath string
		noColor          bool
		debug            bool
	)

	cfg := &commands.Config{}

	rootCmd := &cobra.Command{
		Use:   "connreg",
		Short: "Connection registry for analytics data platforms",
		Long: `connreg reads platform connection secrets, validates them, opens
connections to each platform's time-series or SQL backend, and keeps
them healthy. It exposes the registered sources over a small HTTP API.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Logger = logging.New(debug, noColor)
			cfg.ConnectionsPath = connectionsPath
			cfg.SharedSecretPath = sharedSecretPath
		},
	}

	rootCmd.PersistentFlags().StringVar(&connectionsPath, "connections", secret.DefaultConnectionsPath, "Connections secret file path")
	rootCmd.PersistentFlags().StringVar(&sharedSecretPath, "shared-secret", secret.DefaultSharedSecretPath, "Shared password secret file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewServeCommand(cfg),
		commands.NewCheckCommand(cfg),
		commands.NewSourcesCommand(cfg),
		commands.NewCompletionCommand(cfg),
	)

	return rootCmd.Execute()
}
