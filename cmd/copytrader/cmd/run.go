package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mirrorline/copytrader/agentfeed"
	"github.com/mirrorline/copytrader/broker/futures"
	"github.com/mirrorline/copytrader/config"
	"github.com/mirrorline/copytrader/follow"
	"github.com/mirrorline/copytrader/internal/observability"
	"github.com/mirrorline/copytrader/journal"
	"github.com/mirrorline/copytrader/ledger"
	"github.com/mirrorline/copytrader/reconcile"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the follow loop from a config file",
	Long: `Run the poll/reconcile/execute loop using settings from a
configuration file. The process polls the agent feed at the configured
interval and mirrors position changes until interrupted.

Example:
  copytrader run -f config.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		return fmt.Errorf("exchange credentials missing: set %s and %s", config.EnvAPIKey, config.EnvAPISecret)
	}

	log := observability.NewLogger("copytrader")

	led, err := ledger.Open(cfg.Ledger.Path, observability.NewLogger("ledger"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if cfg.Ledger.RetentionDays > 0 {
		dropped, err := led.PruneOlderThan(cfg.Ledger.RetentionDays)
		if err != nil {
			return fmt.Errorf("prune ledger: %w", err)
		}
		if dropped > 0 {
			log.Info().Int("dropped", dropped).Msg("pruned expired ledger records")
		}
	}

	var jrnl journal.Journal
	if cfg.Journal.DBPath != "" {
		sq, err := journal.NewSQLite(cfg.Journal.DBPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer sq.Close()
		jrnl = sq
	}

	cacheTTL, _ := cfg.Agent.ParseCacheTTL()
	feed := agentfeed.NewClient(cfg.Agent.FeedURL, observability.NewLogger("agentfeed"),
		agentfeed.WithCacheTTL(cacheTTL))

	exchange := futures.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet,
		observability.NewLogger("futures"))

	engine := reconcile.New(led, exchange, cfg.Trading.Tolerance(), observability.NewLogger("reconcile"))
	trader := follow.NewTrader(exchange, led, jrnl, observability.NewLogger("follow"))

	interval, _ := cfg.Agent.ParsePollInterval()
	opts := reconcile.Options{
		MarginBudget:      cfg.Trading.MarginBudget,
		UseBalanceCeiling: cfg.Trading.UseBalanceCeiling,
	}
	runner := follow.NewRunner(feed, engine, trader, jrnl, interval, opts, log)
	runner.Agents = cfg.Agent.Agents

	observability.MarginBudget.Set(cfg.Trading.MarginBudget)
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := observability.ServeMetrics(cfg.Metrics.ListenAddr); err != nil {
				log.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
		log.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("metrics listening")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("feed", cfg.Agent.FeedURL).
		Dur("interval", interval).
		Bool("testnet", cfg.Exchange.Testnet).
		Msg("follow loop starting")

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("follow loop stopped")
	return nil
}
