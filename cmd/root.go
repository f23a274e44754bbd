package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath = "./config/sponsor.yaml"
	rootCmd    = &cobra.Command{
		Use:   "hello-aa",
		Short: "Sponsored ERC-4337 greeting CLI",
		Long: `Build, sponsor, sign and submit ERC-4337 user operations for a
deployed smart account.

Such as "hello-aa send --greeting gm" or "hello-aa encode 'setGreeting(string)' gm"
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/sponsor.yaml", "Path to config file")
}
