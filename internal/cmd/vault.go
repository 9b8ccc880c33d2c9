package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage a vault's on-disk layout",
}

var vaultInitCmd = &cobra.Command{
	Use:   "init [vault-path]",
	Short: "Scaffold a new vault's on-disk layout",
	Long:  `Creates the directory tree spec §6.1 requires: tasks/, notes/, events/, inbox/, .locks/, .state/, and artifacts/{quarantine,audit}.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVaultInit,
}

func init() {
	vaultCmd.AddCommand(vaultInitCmd)
	rootCmd.AddCommand(vaultCmd)
}

func runVaultInit(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve vault path: %w", err)
	}

	dirs := []string{
		"tasks", "notes", "events", "inbox",
		".locks", ".state",
		filepath.Join("artifacts", "quarantine"),
		filepath.Join("artifacts", "audit"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	aliasPath := filepath.Join(root, ".aliases.json")
	if _, err := os.Stat(aliasPath); os.IsNotExist(err) {
		if err := os.WriteFile(aliasPath, []byte("{}\n"), 0o644); err != nil {
			return fmt.Errorf("write .aliases.json: %w", err)
		}
	}

	fmt.Printf("Initialized vault at %s\n", root)
	return nil
}
