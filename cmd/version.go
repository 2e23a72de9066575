package cmd

import (
	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and build metadata",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf(
			"roomkeeper %s (commit %s, built %s)\n",
			roomkeeper.Version,
			roomkeeper.CommitSHA,
			roomkeeper.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
