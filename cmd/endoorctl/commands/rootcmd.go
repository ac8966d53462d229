package commands

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the top-level command with its persistent flags and
// subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endoorctl",
		Short: "CLI client for the endoor daemon",
		Long:  "endoorctl queries the endoor daemon status API: learned address tables, connection states, and peer identities.",
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"endoor daemon address (host:port)")
	cmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	cmd.AddCommand(dumpCmd())
	cmd.AddCommand(statesCmd())
	cmd.AddCommand(versionCmd())
	cmd.AddCommand(shellCmd())

	return cmd
}
