package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/decloud-network/decloud-node/internal/utils"
)

var (
	configPath string
	config     *utils.ConfigManager
	logger     *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "decloud-node",
	Short: "Decentralized compute leasing node",
	Long: `A node that leases metered compute to tenants, matches demand against a
marketplace of independently owned host machines, settles payments through an
on-chain vault program, and relays interactive sessions to leased resources.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Environment overrides (operator key, RPC endpoint) may come from
		// a local .env file
		godotenv.Load()

		config = utils.NewConfigManager(configPath)

		if key := os.Getenv("OPERATOR_PRIVATE_KEY"); key != "" {
			config.SetConfig("operator_private_key", key)
		}
		if endpoint := os.Getenv("SOLANA_RPC_ENDPOINT"); endpoint != "" {
			config.SetConfig("solana_rpc_endpoint", endpoint)
		}

		logger = utils.NewLogsManager(config)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
}
