package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/imgflow/credentials/credservice"
)

var (
	rotateKeysCmd = &cobra.Command{
		Use:   "rotate-keys",
		Short: "Rotate the secret encryption keys now",
		Long: `Generate a new encryption key, re-encrypt every stored secret
with it and retire the old keys. Retired keys are only dropped when every
secret was re-encrypted; on partial failure the old keys stay in place.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := credservice.RotateKeysWithConfig(config); err != nil {
				log.Fatalf("rotate-keys: %v", err)
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(rotateKeysCmd)
}
