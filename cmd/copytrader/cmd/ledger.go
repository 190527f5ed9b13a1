package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirrorline/copytrader/internal/observability"
	"github.com/mirrorline/copytrader/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the order ledger",
	Long: `Inspect and maintain the durable order ledger file.

Subcommands:
  show   - List recorded entries and profit exits
  reset  - Remove entries for a symbol (and optionally one lot)
  prune  - Drop records older than a retention window

Examples:
  copytrader ledger show
  copytrader ledger reset BTCUSDT
  copytrader ledger reset BTCUSDT 123456789
  copytrader ledger prune --days 30`,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List recorded entries",
	Args:  cobra.NoArgs,
	RunE:  runLedgerShow,
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset <symbol> [lot-id]",
	Short: "Remove entries for a symbol so its lots can be re-copied",
	Long: `Remove ledger entries for a symbol. With a lot ID only that lot is
removed; without one every entry for the symbol goes, along with its
profit-exit records.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runLedgerReset,
}

var ledgerPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop records older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runLedgerPrune,
}

var (
	ledgerPath      string
	ledgerPruneDays int
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerResetCmd)
	ledgerCmd.AddCommand(ledgerPruneCmd)

	ledgerCmd.PersistentFlags().StringVarP(&ledgerPath, "ledger", "l", "./ledger.yaml", "path to ledger file")
	ledgerPruneCmd.Flags().IntVar(&ledgerPruneDays, "days", 30, "retention window in days")
}

func openLedger() (*ledger.Ledger, error) {
	led, err := ledger.Open(ledgerPath, observability.NewLogger("ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return led, nil
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}

	created, err := led.CreatedAt()
	if err != nil {
		return err
	}
	entries, err := led.Entries()
	if err != nil {
		return err
	}

	fmt.Printf("Ledger %s (created %s)\n", led.Path(), created.UTC().Format(time.RFC3339))
	if len(entries) == 0 {
		fmt.Println("No entries recorded.")
		return nil
	}

	fmt.Printf("%-20s %-10s %-12s %-5s %12s %12s  %s\n",
		"TIME", "AGENT", "SYMBOL", "SIDE", "QTY", "PRICE", "LOT")
	symbols := make(map[string]bool)
	for _, e := range entries {
		fmt.Printf("%-20s %-10s %-12s %-5s %12.6f %12.4f  %d\n",
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			e.Agent, e.Symbol, e.Side, e.Quantity, e.Price, e.LotID)
		symbols[e.Symbol] = true
	}

	for sym := range symbols {
		exits, err := led.ProfitExits(sym)
		if err != nil {
			return err
		}
		for _, pe := range exits {
			fmt.Printf("  profit exit %s lot %d @ %.4f (%+.2f%%) %s\n",
				sym, pe.LotID, pe.ExitPrice, pe.ProfitPct, pe.Reason)
		}
	}
	return nil
}

func runLedgerReset(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}

	symbol := args[0]
	var lotID int64
	if len(args) == 2 {
		lotID, err = strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid lot id %q: %w", args[1], err)
		}
	}

	removed, err := led.Reset(symbol, lotID)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	if lotID != 0 {
		fmt.Printf("Removed %d record(s) for %s lot %d.\n", removed, symbol, lotID)
	} else {
		fmt.Printf("Removed %d record(s) for %s.\n", removed, symbol)
	}
	return nil
}

func runLedgerPrune(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}

	dropped, err := led.PruneOlderThan(ledgerPruneDays)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Printf("Dropped %d record(s) older than %d day(s).\n", dropped, ledgerPruneDays)
	return nil
}
