package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/credentials.yaml"
	rootCmd = &cobra.Command{
		Use:   "credsvc",
		Short: "Image pipeline credentials service CLI",
		Long: `CLI to run and operate the credentials service of the image
publishing pipeline.

Such as "credsvc run" or "credsvc rotate-keys" and so on
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "./config/credentials.yaml", "Path to config file")
}
