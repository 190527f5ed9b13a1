package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "copytrader",
	Short: "Mirror remote trading agents onto a local futures account",
	Long: `Copytrader polls a remote agent feed, reconciles each agent's live
positions against the local order ledger, and mirrors position changes
onto the configured futures account.

It provides tools for:
  - Running the poll/reconcile/execute loop as a long-lived process
  - Dry-run reconciliation that prints plans without placing orders
  - Inspecting, pruning, and resetting the durable order ledger
  - Querying the SQLite fill journal`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
