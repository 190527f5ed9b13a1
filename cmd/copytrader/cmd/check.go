package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mirrorline/copytrader/agentfeed"
	"github.com/mirrorline/copytrader/broker/futures"
	"github.com/mirrorline/copytrader/config"
	"github.com/mirrorline/copytrader/internal/observability"
	"github.com/mirrorline/copytrader/ledger"
	"github.com/mirrorline/copytrader/reconcile"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run one reconciliation pass and print the plans",
	Long: `Fetch the current agent snapshots, reconcile them against the local
ledger, and print the plans that a live cycle would execute. Nothing is
placed, closed, or recorded.

Example:
  copytrader check -f config.yaml`,
	RunE: runCheck,
}

var checkConfigPath string

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	checkCmd.MarkFlagRequired("config")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(checkConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	led, err := ledger.Open(cfg.Ledger.Path, observability.NewLogger("ledger"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	feed := agentfeed.NewClient(cfg.Agent.FeedURL, observability.NewLogger("agentfeed"))
	exchange := futures.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet,
		observability.NewLogger("futures"))
	engine := reconcile.New(led, exchange, cfg.Trading.Tolerance(), observability.NewLogger("reconcile"))

	ctx := cmd.Context()
	snaps, err := feed.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("fetch snapshots: %w", err)
	}

	opts := reconcile.Options{
		MarginBudget:      cfg.Trading.MarginBudget,
		UseBalanceCeiling: cfg.Trading.UseBalanceCeiling,
		DryRun:            true,
	}

	follows := make(map[string]bool, len(cfg.Agent.Agents))
	for _, a := range cfg.Agent.Agents {
		follows[a] = true
	}

	agents := make([]string, 0, len(snaps))
	for agent := range snaps {
		if len(follows) == 0 || follows[agent] {
			agents = append(agents, agent)
		}
	}
	sort.Strings(agents)

	total := 0
	for _, agent := range agents {
		snap := snaps[agent]
		plans, err := engine.Reconcile(ctx, snap, opts)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", agent, err)
		}

		fmt.Printf("Agent %s (marker %d): %d plan(s)\n", agent, snap.Marker, len(plans))
		for _, p := range plans {
			state := "EXECUTE"
			if !p.Executable {
				state = "skip"
			}
			fmt.Printf("  [%s] %-5s %-4s %-10s qty %.6f @ %.4f  %s\n",
				state, p.Action, p.Side, p.Symbol, p.Quantity, p.Price, p.Reason)
			if p.Allocation != nil {
				fmt.Printf("           margin %.0f (ratio %.4f) notional %.2f\n",
					p.Allocation.AllocatedMargin, p.Allocation.Ratio, p.Allocation.NotionalValue)
			}
		}
		total += len(plans)
	}

	if total == 0 {
		fmt.Println("Nothing to do: local state matches every followed agent.")
	}
	return nil
}
