package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/decloud-network/decloud-node/internal/api"
	"github.com/decloud-network/decloud-node/internal/database"
	"github.com/decloud-network/decloud-node/internal/lease"
	"github.com/decloud-network/decloud-node/internal/marketplace"
	"github.com/decloud-network/decloud-node/internal/provision"
	"github.com/decloud-network/decloud-node/internal/relay"
	"github.com/decloud-network/decloud-node/internal/settlement"
	"github.com/decloud-network/decloud-node/internal/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the decloud node",
	Long: `Start the decloud node.

This will:
- Open the local database and replay persisted lease schedules
- Connect the settlement bridge to the configured vault program
- Start the delayed-expiry scheduler and the relay session broker
- Serve the tenant and host owner API`,
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting decloud node...", "cli")

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create PID manager: %v", err), "cli")
			os.Exit(1)
		}

		if existingPID, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existingPID) {
				logger.Error(fmt.Sprintf("Another instance is already running with PID: %d", existingPID), "cli")
				fmt.Printf("Another instance is already running with PID: %d\n", existingPID)
				fmt.Println("Use 'decloud-node stop' to stop the existing instance first")
				os.Exit(1)
			}
			pidManager.RemovePIDFile()
		}

		if err := pidManager.WritePID(os.Getpid()); err != nil {
			logger.Error(fmt.Sprintf("Failed to write PID file: %v", err), "cli")
			os.Exit(1)
		}
		defer pidManager.RemovePIDFile()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbManager, err := database.NewSQLiteManager(config, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to open database: %v", err), "cli")
			os.Exit(1)
		}
		defer dbManager.Close()

		bridge, err := settlement.NewSolanaBridge(config, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to initialize settlement bridge: %v", err), "cli")
			os.Exit(1)
		}

		prov := provision.NewAgentClient(config, logger)

		leaseManager := lease.NewManager(ctx, config, logger, dbManager, bridge, prov)
		allocator := marketplace.NewAllocator(dbManager, bridge, logger)
		registry := relay.NewRegistry()
		broker := relay.NewBroker(ctx, config, logger, registry, &relay.SSHDialer{})

		leaseManager.SetHostPool(allocator)
		leaseManager.SetSessionCloser(registry)

		if err := leaseManager.Start(); err != nil {
			logger.Error(fmt.Sprintf("Failed to start lease manager: %v", err), "cli")
			os.Exit(1)
		}
		broker.Start()

		apiServer := api.NewAPIServer(config, logger, dbManager, leaseManager, allocator, broker)
		if err := apiServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("Failed to start API server: %v", err), "cli")
			os.Exit(1)
		}

		logger.Info(fmt.Sprintf("Node started with PID %d, API on port %s", os.Getpid(), apiServer.Port()), "cli")
		fmt.Println("Decloud node is running. Press Ctrl+C to stop.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutdown signal received, stopping node...", "cli")

		if err := apiServer.Stop(); err != nil {
			logger.Error(fmt.Sprintf("Error stopping API server: %v", err), "cli")
		}
		broker.Stop()
		leaseManager.Stop()

		logger.Info("Decloud node stopped successfully", "cli")
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
