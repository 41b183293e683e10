// Package cli is the cardmate command tree shared by the cardmate and
// server binaries.
package cli

import (
	"os"

	"github.com/cardmate/advisor/internal/config"
	"github.com/cardmate/advisor/internal/logging"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	logLevel  string
	logFormat string
	agent     string // set by agent subcommands before logging is configured
}

// NewRootCommand builds the full cardmate command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "cardmate",
		Short: "Multi-agent credit-card advisor",
		Long: `cardmate answers credit-card questions with a dispatcher model that
consults four specialist sub-agents over MCP channels:

  product_agent      card facts, fees, rewards and instalments
  comparing_agent    comparisons and recommendations
  demand_agent       profile extraction from the user's own words
  eligibility_agent  application thresholds and missing information

Sub-agents run as stdio subprocesses of this binary by default; set
CARDMATE_CONFIG to a YAML file to reach them over HTTP or NATS instead.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Setup(os.Stderr, opts.logLevel, opts.logFormat, opts.agent)
		},
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("CARDMATE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", envOr("CARDMATE_LOG_FORMAT", logging.FormatConsole), "log format (console, json)")

	root.AddCommand(
		newServeCommand(),
		newChatCommand(),
		newAgentCommand(opts),
		newSearchCommand(),
		newIndexCommand(),
	)
	return root
}

// Execute runs the command tree on os.Args.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// ExecuteDefault runs the command tree, running def when no subcommand
// is given.
func ExecuteDefault(def string) {
	root := NewRootCommand()
	if len(os.Args) < 2 {
		root.SetArgs([]string{def})
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
