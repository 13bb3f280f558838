package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mfengine",
	Short: "Mutual fund order & mandate lifecycle engine (BSE / NSE)",
	Long: `mfengine - exchange order and mandate lifecycle engine

Tracks mutual fund orders and payment mandates from submission through
settlement on BSE StAR MF and NSE NMF. Exchange state is reconciled by
tiered polling; every transition is recorded in an append-only ledger.

Usage:
  go run ./cmd/mfengine [command]

Examples:
  go run ./cmd/mfengine migrate
  go run ./cmd/mfengine api
  go run ./cmd/mfengine worker
  go run ./cmd/mfengine order show <order-id>
  go run ./cmd/mfengine review list`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// config.Load 는 .env 를 자동 탐색; --config 는 명시 경로
		if configFile != "" {
			if err := os.Setenv("ENV_FILE", configFile); err != nil {
				return err
			}
		}
		if verbose {
			return os.Setenv("LOG_LEVEL", "debug")
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "env file (default: .env lookup)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
