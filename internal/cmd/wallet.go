package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage the node operator wallet",
}

var walletImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import the operator private key",
	Long: `Import the operator private key used to sign settlement transactions.

The key is read from the terminal without echo and stored in the node's
config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print("Enter operator private key (base58): ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Printf("Failed to read key: %v\n", err)
			os.Exit(1)
		}

		keyStr := strings.TrimSpace(string(raw))
		privateKey, err := solana.PrivateKeyFromBase58(keyStr)
		if err != nil {
			fmt.Printf("Invalid private key: %v\n", err)
			os.Exit(1)
		}

		if err := persistConfigValue("operator_private_key", keyStr); err != nil {
			logger.Error(fmt.Sprintf("Failed to store operator key: %v", err), "cli")
			fmt.Printf("Failed to store key: %v\n", err)
			os.Exit(1)
		}

		logger.Info(fmt.Sprintf("Operator wallet %s imported", privateKey.PublicKey()), "cli")
		fmt.Printf("Operator wallet imported: %s\n", privateKey.PublicKey())
	},
}

var walletShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the operator wallet public key",
	Run: func(cmd *cobra.Command, args []string) {
		keyStr := config.GetConfigWithDefault("operator_private_key", "")
		if keyStr == "" {
			fmt.Println("No operator key configured. Run 'decloud-node wallet import' first.")
			return
		}

		privateKey, err := solana.PrivateKeyFromBase58(keyStr)
		if err != nil {
			fmt.Printf("Stored key is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Operator wallet: %s\n", privateKey.PublicKey())
	},
}

// persistConfigValue rewrites one key in the on-disk config file, appending
// it when absent
func persistConfigValue(key, value string) error {
	path, _ := config.GetConfig("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, key) && strings.Contains(trimmed, "=") {
			lines[i] = fmt.Sprintf("%s = %s", key, value)
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, fmt.Sprintf("%s = %s", key, value))
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0600); err != nil {
		return err
	}

	config.SetConfig(key, value)
	return nil
}

func init() {
	walletCmd.AddCommand(walletImportCmd)
	walletCmd.AddCommand(walletShowCmd)
	rootCmd.AddCommand(walletCmd)
}
