// Package reconcile turns an agent snapshot plus the order ledger into
// an ordered list of FollowPlans. It rebuilds the agent's previous
// state by replaying the ledger, classifies each symbol's transition,
// gates entries on price tolerance, and sizes them against the margin
// budget. The engine never writes the ledger; entries are recorded by
// the executor on confirmed success only.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorline/copytrader/allocate"
	"github.com/mirrorline/copytrader/broker"
	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/ledger"
	"github.com/mirrorline/copytrader/market"
	"github.com/mirrorline/copytrader/retry"
	"github.com/mirrorline/copytrader/risk"
)

// Options are the per-cycle knobs supplied by the caller.
type Options struct {
	// MarginBudget caps the total margin committed to the batch of new
	// entries; zero disables allocation (agent quantities are copied
	// as-is).
	MarginBudget float64

	// UseBalanceCeiling additionally caps the budget by the live
	// available balance.
	UseBalanceCeiling bool

	// DryRun suppresses every exchange write: no orphan sweep, no
	// replaced-lot close. Plans come out sized as if the writes had
	// happened, except released margin, which cannot be measured
	// without the close.
	DryRun bool
}

// Engine orchestrates one reconciliation cycle per call. Callers must
// not run overlapping cycles for the same agent; the follow runner
// serializes them.
type Engine struct {
	ledger    *ledger.Ledger
	exchange  broker.Exchange
	tolerance risk.ToleranceConfig
	retry     retry.Config
	log       zerolog.Logger
}

// New builds an engine over the given ledger and exchange gateway.
func New(led *ledger.Ledger, ex broker.Exchange, tol risk.ToleranceConfig, log zerolog.Logger) *Engine {
	return &Engine{
		ledger:    led,
		exchange:  ex,
		tolerance: tol,
		retry:     retry.Defaults(),
		log:       log,
	}
}

// Reconcile runs one cycle for one agent snapshot and returns the
// ordered plan list. Within a symbol the EXIT of a replaced lot
// precedes its ENTER; evaluator-driven exits follow the diff plans.
func (e *Engine) Reconcile(ctx context.Context, snap market.Snapshot, opts Options) ([]FollowPlan, error) {
	// consistency repair, not a diff result: drop protective stops
	// whose position is gone
	if !opts.DryRun {
		e.sweepOrphanedStops(ctx)
	}

	if err := e.ledger.Reload(); err != nil {
		return nil, err
	}
	previous, err := e.ledger.LatestForAgent(snap.Agent)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var plans []FollowPlan

	for _, sym := range unionSymbols(previous, snap.Positions) {
		cur := snap.Positions[sym]
		cur.Symbol = sym
		prev, hasPrev := previous[sym]

		switch classify(prev, hasPrev, cur) {
		case ChangeNew:
			plan, emit, err := e.enterPlan(snap.Agent, cur, 0, now,
				fmt.Sprintf("%s new position detected (lot %d)", sym, cur.EntryOID))
			if err != nil {
				return nil, err
			}
			if emit {
				plans = append(plans, plan)
			}

		case ChangeEntry:
			if opts.DryRun {
				plans = append(plans, FollowPlan{
					Action:     Exit,
					Symbol:     sym,
					Side:       prev.Side.Opposite(),
					Quantity:   prev.Quantity,
					Price:      cur.CurrentPrice,
					Reason:     fmt.Sprintf("%s lot %d replaced by %d; close not performed (dry run)", sym, prev.LotID, cur.EntryOID),
					Agent:      snap.Agent,
					LotID:      prev.LotID,
					Timestamp:  now,
					Executable: false,
				})
				plan, emit, err := e.enterPlan(snap.Agent, cur, 0, now,
					fmt.Sprintf("%s lot changed %d -> %d", sym, prev.LotID, cur.EntryOID))
				if err != nil {
					return nil, err
				}
				if emit {
					plans = append(plans, plan)
				}
				continue
			}
			exitPlan, released, closeErr := e.closeReplacedLot(ctx, prev, cur, now)
			plans = append(plans, exitPlan)
			if closeErr != nil {
				// do not open on top of an unconfirmed close
				e.log.Error().Err(closeErr).Str("symbol", sym).
					Msg("reconcile: close of replaced lot failed, entry aborted")
				continue
			}
			plan, emit, err := e.enterPlan(snap.Agent, cur, released, now,
				fmt.Sprintf("%s lot changed %d -> %d", sym, prev.LotID, cur.EntryOID))
			if err != nil {
				return nil, err
			}
			if emit {
				plans = append(plans, plan)
			}

		case ChangeClosed:
			// the ledger entry stays behind after a close; only a real
			// exchange position warrants another EXIT
			if !e.exchangeHolds(ctx, sym) {
				e.log.Debug().Str("symbol", sym).Int64("lot_id", prev.LotID).
					Msg("reconcile: agent close already reflected, nothing to exit")
				continue
			}
			plans = append(plans, FollowPlan{
				Action:     Exit,
				Symbol:     sym,
				Side:       prev.Side.Opposite(),
				Quantity:   prev.Quantity,
				Price:      cur.CurrentPrice,
				Reason:     fmt.Sprintf("%s closed by agent (lot %d)", sym, prev.LotID),
				Agent:      snap.Agent,
				LotID:      prev.LotID,
				Timestamp:  now,
				Executable: true,
			})
		}
	}

	// independent of the diff: positions past their exit plan must go,
	// even ones entered this very cycle
	for _, sym := range sortedSymbols(snap.Positions) {
		pos := snap.Positions[sym]
		pos.Symbol = sym
		if !pos.IsOpen() {
			continue
		}
		d := risk.EvaluateExit(pos)
		if !d.Exit {
			continue
		}
		plans = append(plans, FollowPlan{
			Action:     Exit,
			Symbol:     sym,
			Side:       pos.Side().Opposite(),
			Quantity:   pos.AbsQuantity(),
			Price:      pos.CurrentPrice,
			Reason:     d.Reason,
			Agent:      snap.Agent,
			LotID:      pos.EntryOID,
			Timestamp:  now,
			Executable: true,
			TakeProfit: d.TakeProfit,
			Source:     &pos,
		})
	}

	if opts.MarginBudget > 0 {
		if err := e.allocateEntries(ctx, plans, opts); err != nil {
			return nil, err
		}
	}

	return plans, nil
}

// classify maps one symbol's (previous ledger entry, current position)
// pair to exactly one change type.
func classify(prev ledger.Entry, hasPrev bool, cur market.Position) ChangeType {
	switch {
	case !hasPrev && cur.IsOpen():
		return ChangeNew
	case hasPrev && cur.IsOpen() && prev.LotID != cur.EntryOID:
		return ChangeEntry
	case hasPrev && prev.Quantity != 0 && !cur.IsOpen():
		return ChangeClosed
	default:
		return ChangeNone
	}
}

// enterPlan builds the ENTER for a detected entry, deduplicated against
// the ledger and gated by price tolerance. emit is false when the lot
// was already copied. releasedMargin, when positive, sizes the entry
// directly and exempts it from budget allocation.
func (e *Engine) enterPlan(agent string, cur market.Position, releasedMargin float64, now time.Time, reason string) (FollowPlan, bool, error) {
	processed, err := e.ledger.IsProcessed(cur.EntryOID, cur.Symbol)
	if err != nil {
		return FollowPlan{}, false, err
	}
	if processed {
		e.log.Debug().Str("symbol", cur.Symbol).Int64("lot_id", cur.EntryOID).
			Msg("reconcile: lot already copied, entry skipped")
		return FollowPlan{}, false, nil
	}

	src := cur
	plan := FollowPlan{
		Action:         Enter,
		Symbol:         cur.Symbol,
		Side:           cur.Side(),
		Quantity:       cur.AbsQuantity(),
		Leverage:       cur.Leverage,
		Price:          cur.EntryPrice,
		Reason:         reason,
		Agent:          agent,
		LotID:          cur.EntryOID,
		Timestamp:      now,
		Source:         &src,
		ReleasedMargin: releasedMargin,
	}

	verdict, err := risk.CheckTolerance(cur.Symbol, cur.EntryPrice, cur.CurrentPrice, e.tolerance.For(cur.Symbol))
	if err != nil {
		// degenerate entry price: keep the plan visible, never execute it
		plan.Executable = false
		plan.Reason = fmt.Sprintf("%s; tolerance check failed: %v", reason, err)
		return plan, true, nil
	}

	plan.Tolerance = &verdict
	plan.Executable = verdict.ShouldExecute
	if !verdict.ShouldExecute {
		plan.Reason = fmt.Sprintf("%s; blocked: %s", reason, verdict.Reason)
	}

	if releasedMargin > 0 {
		plan.Quantity = allocate.QuantityFor(releasedMargin, cur.Leverage, cur.CurrentPrice, cur.Symbol)
	}

	return plan, true, nil
}

// closeReplacedLot handles the exchange side of an entry_changed
// transition. The ledger records intent; the exchange is ground truth
// for what is actually open, so a close is attempted only when a real
// position exists. Released margin is the positive delta in available
// balance across the close; under concurrent external account activity
// that delta is unreliable, which is why both readings are logged.
func (e *Engine) closeReplacedLot(ctx context.Context, prev ledger.Entry, cur market.Position, now time.Time) (FollowPlan, float64, error) {
	exitPlan := FollowPlan{
		Action:    Exit,
		Symbol:    prev.Symbol,
		Side:      prev.Side.Opposite(),
		Quantity:  prev.Quantity,
		Price:     cur.CurrentPrice,
		Reason:    fmt.Sprintf("%s lot %d replaced by %d", prev.Symbol, prev.LotID, cur.EntryOID),
		Agent:     prev.Agent,
		LotID:     prev.LotID,
		Timestamp: now,
		// the engine performs this close itself; the plan is the audit
		// record, not an instruction to the executor
		Executable: false,
	}

	var pos broker.PositionInfo
	err := retry.Do(ctx, e.retry, e.log, "reconcile.queryPosition", func() error {
		var qerr error
		pos, qerr = e.exchange.OpenPosition(ctx, prev.Symbol)
		return qerr
	})
	if err != nil {
		return exitPlan, 0, errs.Position("reconcile.closeReplacedLot", "query", prev.Symbol, err)
	}
	if !pos.IsOpen() {
		exitPlan.Reason += "; no open exchange position, nothing to close"
		return exitPlan, 0, nil
	}

	before, beforeErr := e.balance(ctx)
	if beforeErr != nil {
		e.log.Warn().Err(beforeErr).Msg("reconcile: balance before close unavailable, released margin not measured")
	}

	_, err = e.exchange.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        prev.Symbol,
		Side:          pos.Side().Opposite(),
		Type:          broker.Market,
		Quantity:      absFloat(pos.Quantity),
		ClosePosition: true,
	})
	if err != nil {
		return exitPlan, 0, errs.Position("reconcile.closeReplacedLot", "close", prev.Symbol, err)
	}
	exitPlan.Reason += "; closed at exchange"

	released := 0.0
	if beforeErr == nil {
		after, afterErr := e.balance(ctx)
		if afterErr != nil {
			e.log.Warn().Err(afterErr).Msg("reconcile: balance after close unavailable, released margin not measured")
		} else {
			if delta := after.Available - before.Available; delta > 0 {
				released = delta
			}
			e.log.Debug().
				Float64("before", before.Available).
				Float64("after", after.Available).
				Float64("released", released).
				Str("symbol", prev.Symbol).
				Msg("reconcile: released margin measured")
		}
	}
	return exitPlan, released, nil
}

// exchangeHolds reports whether a real position exists for symbol. A
// failed query errs toward true so a genuine close is not dropped; a
// redundant reduce-only close against a flat book is rejected by the
// venue and surfaces in the executor's report.
func (e *Engine) exchangeHolds(ctx context.Context, symbol string) bool {
	var pos broker.PositionInfo
	err := retry.Do(ctx, e.retry, e.log, "reconcile.queryPosition", func() error {
		var qerr error
		pos, qerr = e.exchange.OpenPosition(ctx, symbol)
		return qerr
	})
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).
			Msg("reconcile: position query failed, exit kept")
		return true
	}
	return pos.IsOpen()
}

func (e *Engine) balance(ctx context.Context) (broker.Balance, error) {
	var bal broker.Balance
	err := retry.Do(ctx, e.retry, e.log, "reconcile.balance", func() error {
		var berr error
		bal, berr = e.exchange.AvailableBalance(ctx)
		return berr
	})
	return bal, err
}

// allocateEntries distributes the margin budget over the executable
// ENTER plans with positive source margin and rewrites their sizing.
// Plans funded by released margin keep their size.
func (e *Engine) allocateEntries(ctx context.Context, plans []FollowPlan, opts Options) error {
	var idx []int
	var sources []market.Position
	for i := range plans {
		p := &plans[i]
		if p.Action != Enter || !p.Executable || p.Source == nil {
			continue
		}
		if p.Source.Margin <= 0 || p.ReleasedMargin > 0 {
			continue
		}
		idx = append(idx, i)
		sources = append(sources, *p.Source)
	}
	if len(idx) == 0 {
		return nil
	}

	ceiling := 0.0
	if opts.UseBalanceCeiling {
		bal, err := e.balance(ctx)
		if err != nil {
			e.log.Warn().Err(err).Msg("reconcile: balance ceiling unavailable, allocating against nominal budget")
		} else {
			ceiling = bal.Available
		}
	}

	res, err := allocate.Distribute(sources, opts.MarginBudget, ceiling)
	if err != nil {
		return err
	}

	bySymbol := make(map[string]allocate.Allocation, len(res.Allocations))
	for _, a := range res.Allocations {
		bySymbol[a.Symbol] = a
	}
	for _, i := range idx {
		a, ok := bySymbol[plans[i].Symbol]
		if !ok {
			continue
		}
		alloc := a
		plans[i].Allocation = &alloc
		plans[i].Quantity = a.AdjustedQuantity
	}
	return nil
}

// sweepOrphanedStops cancels protective stop orders whose symbol has no
// open exchange position. Drift repair only: every failure is a warning
// and the cycle continues.
func (e *Engine) sweepOrphanedStops(ctx context.Context) {
	var orders []broker.OpenOrder
	err := retry.Do(ctx, e.retry, e.log, "reconcile.openOrders", func() error {
		var oerr error
		orders, oerr = e.exchange.OpenOrders(ctx, "")
		return oerr
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("reconcile: orphan sweep skipped, open orders unavailable")
		return
	}
	if len(orders) == 0 {
		return
	}

	var positions []broker.PositionInfo
	err = retry.Do(ctx, e.retry, e.log, "reconcile.openPositions", func() error {
		var perr error
		positions, perr = e.exchange.OpenPositions(ctx)
		return perr
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("reconcile: orphan sweep skipped, open positions unavailable")
		return
	}

	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
	}

	for _, o := range orders {
		if !o.IsStop() || held[o.Symbol] {
			continue
		}
		if err := e.exchange.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			e.log.Warn().Err(err).Str("symbol", o.Symbol).Str("order_id", o.OrderID).
				Msg("reconcile: orphaned stop cancel failed")
			continue
		}
		e.log.Info().Str("symbol", o.Symbol).Str("order_id", o.OrderID).
			Msg("reconcile: orphaned stop cancelled")
	}
}

func unionSymbols(prev map[string]ledger.Entry, cur map[string]market.Position) []string {
	seen := make(map[string]bool, len(prev)+len(cur))
	for s := range prev {
		seen[s] = true
	}
	for s := range cur {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortedSymbols(m map[string]market.Position) []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
