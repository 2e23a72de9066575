package cmd

import (
	"log"

	"github.com/arcward/roomkeeper/roomkeeper"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the RoomKeeper bot and admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			rk, err := roomkeeper.New(cfg)
			if err != nil {
				log.Fatalf("error creating roomkeeper: %s", err.Error())
			}

			if err = rk.Run(ctx); err != nil {
				log.Fatalf("error running roomkeeper: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
