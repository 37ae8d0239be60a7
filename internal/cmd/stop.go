package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/decloud-network/decloud-node/internal/utils"
)

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"stop-node", "kill"},
	Short:   "Stop a running decloud node",
	Run: func(cmd *cobra.Command, args []string) {
		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create PID manager: %v", err), "cli")
			os.Exit(1)
		}

		pid, err := pidManager.ReadPID()
		if err != nil {
			fmt.Println("No running instance found")
			return
		}

		if !pidManager.IsProcessRunning(pid) {
			fmt.Println("Stale PID file found, cleaning up")
			pidManager.RemovePIDFile()
			return
		}

		fmt.Printf("Stopping node with PID %d...\n", pid)
		if err := pidManager.StopProcess(pid); err != nil {
			logger.Error(fmt.Sprintf("Failed to stop process %d: %v", pid, err), "cli")
			fmt.Printf("Failed to stop process: %v\n", err)
			os.Exit(1)
		}

		pidManager.RemovePIDFile()
		fmt.Println("Node stopped")
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
