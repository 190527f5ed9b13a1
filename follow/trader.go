// Package follow executes the reconciliation engine's plans against
// the exchange and feeds confirmed results back into the ledger and
// the audit journal.
package follow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorline/copytrader/broker"
	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/journal"
	"github.com/mirrorline/copytrader/ledger"
	"github.com/mirrorline/copytrader/pkg/id"
	"github.com/mirrorline/copytrader/reconcile"
)

// Trader places the orders a plan list calls for. The main order and
// its protective stops are separate exchange calls with independent
// failure modes; a stop failure is reported, never rolled back.
type Trader struct {
	exchange broker.Exchange
	ledger   *ledger.Ledger
	journal  journal.Journal // nil disables the audit trail
	log      zerolog.Logger

	// MarginMode applied before each entry, best-effort.
	MarginMode broker.MarginMode
}

// NewTrader wires the executor. journal may be nil.
func NewTrader(ex broker.Exchange, led *ledger.Ledger, jrnl journal.Journal, log zerolog.Logger) *Trader {
	return &Trader{
		exchange:   ex,
		ledger:     led,
		journal:    jrnl,
		log:        log,
		MarginMode: broker.Cross,
	}
}

// Report tallies one Execute call. PartialStops lists symbols whose
// main order filled but at least one protective stop did not go up.
type Report struct {
	Executed     int
	Skipped      int
	Failed       int
	PartialStops []string
	Errors       []error
}

// Execute runs the plans in order. Non-executable plans are skipped;
// a failed plan is recorded and execution continues with the next one.
func (t *Trader) Execute(ctx context.Context, plans []reconcile.FollowPlan) Report {
	var rep Report
	for _, plan := range plans {
		if !plan.Executable {
			rep.Skipped++
			t.log.Info().Str("symbol", plan.Symbol).Str("action", string(plan.Action)).
				Str("reason", plan.Reason).Msg("follow: plan skipped")
			continue
		}
		if plan.Quantity <= 0 {
			rep.Skipped++
			t.log.Warn().Str("symbol", plan.Symbol).Str("action", string(plan.Action)).
				Msg("follow: zero quantity after sizing, plan skipped")
			continue
		}

		var err error
		switch plan.Action {
		case reconcile.Enter:
			err = t.enter(ctx, plan, &rep)
		case reconcile.Exit:
			err = t.exit(ctx, plan)
		default:
			err = fmt.Errorf("unknown action %q", plan.Action)
		}
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, err)
			t.log.Error().Err(err).Str("symbol", plan.Symbol).Str("action", string(plan.Action)).
				Msg("follow: plan failed")
			continue
		}
		rep.Executed++
	}
	return rep
}

func (t *Trader) enter(ctx context.Context, plan reconcile.FollowPlan, rep *Report) error {
	// leverage and margin mode are optimizations, not correctness
	// requirements: warn and continue
	if err := t.exchange.SetMarginMode(ctx, plan.Symbol, t.MarginMode); err != nil {
		t.log.Warn().Err(err).Str("symbol", plan.Symbol).Msg("follow: margin mode not applied")
	}
	if plan.Leverage > 0 {
		if err := t.exchange.SetLeverage(ctx, plan.Symbol, plan.Leverage); err != nil {
			t.log.Warn().Err(err).Str("symbol", plan.Symbol).Msg("follow: leverage not applied")
		}
	}

	res, err := t.exchange.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        plan.Symbol,
		Side:          plan.Side,
		Type:          broker.Market,
		Quantity:      plan.Quantity,
		ClientOrderID: id.New(),
	})
	if err != nil {
		return errs.Trading("follow.enter", plan.Symbol, "", err)
	}

	// ledger write happens only here, after confirmed success
	if err := t.ledger.Record(ledger.Entry{
		LotID:     plan.LotID,
		Symbol:    plan.Symbol,
		Agent:     plan.Agent,
		Side:      plan.Side,
		Quantity:  plan.Quantity,
		Price:     plan.Price,
		OrderID:   res.OrderID,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}

	t.recordFill(plan, res)
	t.placeStops(ctx, plan, rep)
	return nil
}

// placeStops mirrors the source exit plan as exchange-side stop orders.
// Partial success is reported via the Report, not rolled back.
func (t *Trader) placeStops(ctx context.Context, plan reconcile.FollowPlan, rep *Report) {
	if plan.Source == nil {
		return
	}
	exitPlan := plan.Source.ExitPlan
	closeSide := plan.Side.Opposite()
	partial := false

	if exitPlan.StopLoss > 0 {
		if _, err := t.exchange.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:        plan.Symbol,
			Side:          closeSide,
			Type:          broker.StopMarket,
			StopPrice:     exitPlan.StopLoss,
			ClosePosition: true,
			ClientOrderID: id.New(),
		}); err != nil {
			partial = true
			t.log.Error().Err(err).Str("symbol", plan.Symbol).Msg("follow: stop loss order failed")
		}
	}
	if exitPlan.ProfitTarget > 0 {
		if _, err := t.exchange.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:        plan.Symbol,
			Side:          closeSide,
			Type:          broker.TakeProfitMarket,
			StopPrice:     exitPlan.ProfitTarget,
			ClosePosition: true,
			ClientOrderID: id.New(),
		}); err != nil {
			partial = true
			t.log.Error().Err(err).Str("symbol", plan.Symbol).Msg("follow: take profit order failed")
		}
	}
	if partial {
		rep.PartialStops = append(rep.PartialStops, plan.Symbol)
	}
}

func (t *Trader) exit(ctx context.Context, plan reconcile.FollowPlan) error {
	res, err := t.exchange.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        plan.Symbol,
		Side:          plan.Side,
		Type:          broker.Market,
		Quantity:      plan.Quantity,
		ClosePosition: true,
		ClientOrderID: id.New(),
	})
	if err != nil {
		return errs.Position("follow.exit", "close", plan.Symbol, err)
	}

	// stale stops for the closed position would become orphans
	if err := t.exchange.CancelAllOrders(ctx, plan.Symbol); err != nil {
		t.log.Warn().Err(err).Str("symbol", plan.Symbol).Msg("follow: stop cleanup after exit failed")
	}

	if plan.TakeProfit {
		profitPct := 0.0
		if plan.Source != nil && plan.Source.EntryPrice > 0 {
			profitPct = (plan.Price - plan.Source.EntryPrice) / plan.Source.EntryPrice * 100
			if plan.Source.Quantity < 0 {
				profitPct = -profitPct
			}
		}
		if err := t.ledger.RecordProfitExit(ledger.ProfitExit{
			Symbol:    plan.Symbol,
			LotID:     plan.LotID,
			ExitPrice: plan.Price,
			ProfitPct: profitPct,
			Reason:    plan.Reason,
		}); err != nil {
			t.log.Warn().Err(err).Str("symbol", plan.Symbol).Msg("follow: profit exit not recorded")
		}
	}

	t.recordFill(plan, res)
	return nil
}

func (t *Trader) recordFill(plan reconcile.FollowPlan, res broker.OrderResult) {
	if t.journal == nil {
		return
	}
	price := plan.Price
	if res.AvgPrice > 0 {
		price = res.AvgPrice
	}
	if err := t.journal.RecordFill(journal.FillRecord{
		OrderID:        res.OrderID,
		Agent:          plan.Agent,
		Symbol:         plan.Symbol,
		Action:         string(plan.Action),
		Side:           string(plan.Side),
		Quantity:       plan.Quantity,
		Price:          price,
		LotID:          plan.LotID,
		Reason:         plan.Reason,
		ReleasedMargin: plan.ReleasedMargin,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		t.log.Warn().Err(err).Str("symbol", plan.Symbol).Msg("follow: fill not journaled")
	}
}
