package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "engined",
	Short: "engined runs the trust-graph change-notification engine",
	Long: `engined subscribes clients to identity, trust, and score change
streams, guaranteeing an initial consistent snapshot followed by a
strictly ordered, at-most-once sequence of incremental changes.`,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "engined:", err)
		os.Exit(1)
	}
}
