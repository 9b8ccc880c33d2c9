package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jra3/vaultd/internal/audit"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect rejected inputs",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined records (spec §4.6/§4.13)",
	RunE:  runQuarantineList,
}

func init() {
	quarantineCmd.AddCommand(quarantineListCmd)
	rootCmd.AddCommand(quarantineCmd)
}

func runQuarantineList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.VaultRoot == "" {
		return fmt.Errorf("vault_root is not configured")
	}

	records, err := audit.New(cfg.VaultRoot).ListQuarantine()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no quarantined records")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s  %-8s  trace=%s  reason=%s\n", r.Timestamp, r.Kind, r.TraceID, r.Reason)
		for _, e := range r.Errors {
			fmt.Printf("    %s\n", e.String())
		}
	}
	return nil
}
