// Command accessctl inspects and repairs access grants directly in the
// entitlement store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "accessctl",
	Short: "TurbotaAI access administration",
	Long:  "Inspect, reset, reconcile and seed access grants in the entitlement store",
}

func init() {
	rootCmd.AddCommand(showCmd, resetCmd, reconcileCmd, seedCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
