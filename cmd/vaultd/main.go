// vaultd is the personal knowledge/task engine CLI: it scaffolds a
// vault, runs the composed core as a long-lived daemon, and computes
// rollups on demand.
package main

import (
	"os"

	"github.com/jra3/vaultd/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
