// Package cli implements the powblocks command line.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is reported to telemetry and by --version.
var Version = "dev"

// NewRootCmd builds the powblocks command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "powblocks",
		Short: "Run generated code blocks in an execution runtime",
		Long: `powblocks submits code blocks to a sandboxed execution runtime and follows
the resulting tasks: their state, events, permission prompts and results.

Configuration is read from powblocks.yaml (current directory,
$XDG_CONFIG_HOME/powblocks or ~/.config/powblocks) and POWBLOCKS_*
environment variables; flags override both.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to powblocks.yaml (default: search standard locations)")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: console or json")
	flags.Bool("no-color", false, "Disable coloured output")

	rootCmd.AddCommand(
		newRunCmd(),
		newReplayCmd(),
		newTasksCmd(),
		newBlocksCmd(),
		newJournalCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
