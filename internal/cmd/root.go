// Package cmd wires vaultd's cobra command surface onto the core
// packages (config, host, eventbus, scheduler, syncledger, rollup).
// Its Execute/init layering is the same shape as
// jra3-linear-fuse/internal/cmd and jra3-linear-fuse/cmd/linear-fuse/commands
// (a package-level rootCmd, subcommands registered from their own
// init(), persistent --config/--debug flags), generalized from a
// single "mount" subcommand to vaultd's init/serve/rollup/version
// surface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "A markdown-vault knowledge/task engine with calendar sync",
	Long: `vaultd turns events from chat bots, calendar sync, filesystem drops,
and the CLI into validated tasks, notes, and events, and persists them
as a directory of Markdown files with YAML frontmatter headers.`,
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/vaultd/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug mode (accepted; does not change logging output)")
}
