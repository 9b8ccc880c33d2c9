package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var rollupZone string

var rollupCmd = &cobra.Command{
	Use:   "rollup [daily|weekly] [YYYY-MM-DD]",
	Short: "Compute a daily or weekly rollup over the vault",
	Long:  `Computes the fixed-sectioning aggregate of spec §4.11 for the given civil date (default: today) in --zone, and prints it as JSON.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRollup,
}

func init() {
	rollupCmd.Flags().StringVar(&rollupZone, "zone", "", "IANA zone name (default: config's rollup.zone)")
	rootCmd.AddCommand(rollupCmd)
}

func runRollup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zoneName := rollupZone
	if zoneName == "" {
		zoneName = cfg.Rollup.Zone
	}
	zone, err := time.LoadLocation(zoneName)
	if err != nil {
		return fmt.Errorf("load zone %q: %w", zoneName, err)
	}

	localDate := time.Now().In(zone)
	if len(args) > 1 {
		localDate, err = time.ParseInLocation("2006-01-02", args[1], zone)
		if err != nil {
			return fmt.Errorf("parse date %q: %w", args[1], err)
		}
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	var doc any
	switch args[0] {
	case "daily":
		doc, err = eng.rollup.Daily(localDate, zone)
	case "weekly":
		doc, err = eng.rollup.Weekly(localDate, zone)
	default:
		return fmt.Errorf("unknown rollup kind %q (want daily or weekly)", args[0])
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rollup: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
