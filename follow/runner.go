package follow

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorline/copytrader/agentfeed"
	"github.com/mirrorline/copytrader/internal/observability"
	"github.com/mirrorline/copytrader/journal"
	"github.com/mirrorline/copytrader/market"
	"github.com/mirrorline/copytrader/reconcile"
)

// Runner drives the poll loop: fetch snapshots, reconcile, execute.
// Cycles are strictly serialized per agent; a tick that arrives while
// an agent's previous cycle is still running is skipped for that agent,
// never queued on top of it. The ledger file and the exchange account
// are shared mutable resources and overlapping cycles would race on
// dedup checks and balance-delta measurements.
type Runner struct {
	feed    *agentfeed.Client
	engine  *reconcile.Engine
	trader  *Trader
	journal journal.Journal // nil disables cycle records
	log     zerolog.Logger

	interval time.Duration
	opts     reconcile.Options

	// Agents restricts which agents are followed; empty follows all.
	Agents []string

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewRunner builds a runner polling at interval.
func NewRunner(feed *agentfeed.Client, engine *reconcile.Engine, trader *Trader, jrnl journal.Journal, interval time.Duration, opts reconcile.Options, log zerolog.Logger) *Runner {
	return &Runner{
		feed:     feed,
		engine:   engine,
		trader:   trader,
		journal:  jrnl,
		log:      log,
		interval: interval,
		opts:     opts,
		inFlight: make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. A cycle either completes or fails
// as a whole; cancellation is honored between cycles, not inside one.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one poll pass: one serialized cycle per followed agent.
func (r *Runner) Tick(ctx context.Context) {
	snaps, err := r.feed.Snapshots(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("follow: snapshot fetch failed, tick skipped")
		return
	}

	for agent, snap := range snaps {
		if !r.follows(agent) {
			continue
		}
		if !r.acquire(agent) {
			r.log.Warn().Str("agent", agent).Msg("follow: previous cycle still running, tick skipped")
			continue
		}
		r.runCycle(ctx, snap)
		r.release(agent)
	}
}

func (r *Runner) runCycle(ctx context.Context, snap market.Snapshot) {
	started := time.Now().UTC()

	plans, err := r.engine.Reconcile(ctx, snap, r.opts)
	if err != nil {
		observability.CycleFailures.Inc()
		r.log.Error().Err(err).Str("agent", snap.Agent).Msg("follow: reconciliation failed")
		return
	}
	for _, p := range plans {
		observability.PlansEmitted.WithLabelValues(string(p.Action)).Inc()
		if p.Tolerance != nil && !p.Tolerance.ShouldExecute {
			observability.ToleranceBlocks.Inc()
		}
	}

	rep := r.trader.Execute(ctx, plans)
	observability.CyclesRun.Inc()
	observability.OrdersExecuted.Add(float64(rep.Executed))
	observability.OrderFailures.Add(float64(rep.Failed))

	r.log.Info().
		Str("agent", snap.Agent).
		Int("plans", len(plans)).
		Int("executed", rep.Executed).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("follow: cycle complete")

	if r.journal != nil {
		if err := r.journal.RecordCycle(journal.CycleRecord{
			Agent:      snap.Agent,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Plans:      len(plans),
			Executed:   rep.Executed,
			Skipped:    rep.Skipped,
			Failed:     rep.Failed,
		}); err != nil {
			r.log.Warn().Err(err).Msg("follow: cycle not journaled")
		}
	}
}

func (r *Runner) follows(agent string) bool {
	if len(r.Agents) == 0 {
		return true
	}
	for _, a := range r.Agents {
		if a == agent {
			return true
		}
	}
	return false
}

func (r *Runner) acquire(agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[agent] {
		return false
	}
	r.inFlight[agent] = true
	return true
}

func (r *Runner) release(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, agent)
}
