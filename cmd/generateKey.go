package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/imgflow/credentials/credservice"
)

var (
	generateKeyCmd = &cobra.Command{
		Use:   "generate-key",
		Short: "Generate a new encryption key",
		Long: `Print a freshly generated secret encryption key to stdout, in
the key file format. Useful for seeding a new deployment.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := credservice.GenerateKey(); err != nil {
				log.Fatalf("generate-key: %v", err)
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(generateKeyCmd)
}
