package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/imgflow/credentials/credservice"
)

var (
	runServiceCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the credentials service",
		Long: `Initialize and run the credentials service: consume the message
bus, answer credential requests and rotate encryption keys on schedule.

Use --config=path-to-your-config-file. default is=./config/credentials.yaml`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := credservice.RunWithConfig(config); err != nil {
				log.Fatalf("credentials service exited: %v", err)
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runServiceCmd)
}
