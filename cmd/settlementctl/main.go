// Command settlementctl runs one-off settlement operations against the configured storage.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "settlementctl",
		Short:         "Operate the referral settlement ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("CONFIG_PATH", "configs/default.yaml"), "Path to the service config file")
	rootCmd.PersistentFlags().String("operator", envOr("USER", "settlementctl"), "Operator id recorded on admin actions")

	rootCmd.AddCommand(settleCmd(&configPath))
	rootCmd.AddCommand(conversionsCmd(&configPath))
	rootCmd.AddCommand(payoutCmd(&configPath))
	rootCmd.AddCommand(outboxCmd(&configPath))
	rootCmd.AddCommand(orderCmd(&configPath))
	rootCmd.AddCommand(rewardsCmd(&configPath))
	return rootCmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
