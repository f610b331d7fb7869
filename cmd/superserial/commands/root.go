// Package commands implements the superserial CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
)

// NewRootCmd builds the command tree. Each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "superserial",
		Short: "Route datum records to file, object-store and table backends",
		Long: `superserial reads datum records (one JSON object per line, or SQS
messages) and writes each named part to the backend configured for it.

Every configuration value can be overridden with SUPERSERIAL_<SECTION>_<KEY>,
e.g. SUPERSERIAL_LOGGING_LEVEL=debug. The encryption key may be supplied with
SUPERSERIAL_ENVELOPE_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "superserial.yaml", "config file")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newIngestCmd(&cfgFile))
	root.AddCommand(newConfigCmd(&cfgFile))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "superserial %s (commit: %s)\n", Version, Commit)
		},
	})
	return root
}

// Execute runs the CLI with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}
