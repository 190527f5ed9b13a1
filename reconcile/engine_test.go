package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorline/copytrader/broker"
	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/ledger"
	"github.com/mirrorline/copytrader/market"
	"github.com/mirrorline/copytrader/retry"
	"github.com/mirrorline/copytrader/risk"
)

// fakeExchange scripts the gateway. Balances are consumed in order so
// tests can stage a before/after delta around a close.
type fakeExchange struct {
	positions map[string]broker.PositionInfo
	orders    []broker.OpenOrder
	balances  []broker.Balance

	placeErr  error
	placed    []broker.OrderRequest
	cancelled []string
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if f.placeErr != nil {
		return broker.OrderResult{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	return broker.OrderResult{OrderID: "1", Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, Status: "FILLED"}, nil
}

func (f *fakeExchange) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeExchange) SetMarginMode(context.Context, string, broker.MarginMode) error {
	return nil
}

func (f *fakeExchange) OpenPositions(context.Context) ([]broker.PositionInfo, error) {
	var out []broker.PositionInfo
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeExchange) OpenPosition(_ context.Context, symbol string) (broker.PositionInfo, error) {
	return f.positions[symbol], nil
}

func (f *fakeExchange) OpenOrders(context.Context, string) ([]broker.OpenOrder, error) {
	return f.orders, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	f.cancelled = append(f.cancelled, symbol+"/"+orderID)
	return nil
}

func (f *fakeExchange) CancelAllOrders(context.Context, string) error { return nil }

func (f *fakeExchange) AvailableBalance(context.Context) (broker.Balance, error) {
	if len(f.balances) == 0 {
		return broker.Balance{Asset: "USDT"}, nil
	}
	b := f.balances[0]
	if len(f.balances) > 1 {
		f.balances = f.balances[1:]
	}
	return b, nil
}

func newTestEngine(t *testing.T, ex broker.Exchange) (*Engine, *ledger.Ledger) {
	t.Helper()

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.yaml"), zerolog.Nop())
	require.NoError(t, err)

	e := New(led, ex, risk.ToleranceConfig{Default: 1.0}, zerolog.Nop())
	e.retry = retry.Config{MaxAttempts: 1, InitialInterval: time.Millisecond}
	return e, led
}

func openPos(symbol string, oid int64, qty, entry, current float64) market.Position {
	return market.Position{
		Symbol:       symbol,
		EntryPrice:   entry,
		Quantity:     qty,
		Leverage:     10,
		CurrentPrice: current,
		EntryOID:     oid,
		Margin:       100,
		ExitPlan:     market.ExitPlan{ProfitTarget: entry * 3, StopLoss: entry / 3},
	}
}

func snapshot(positions ...market.Position) market.Snapshot {
	m := make(map[string]market.Position, len(positions))
	for _, p := range positions {
		m[p.Symbol] = p
	}
	return market.Snapshot{Agent: "alpha", Marker: 1, Positions: m}
}

func recordLot(t *testing.T, led *ledger.Ledger, lot int64, symbol string, side market.Side, qty float64) {
	t.Helper()
	require.NoError(t, led.Record(ledger.Entry{
		LotID: lot, Symbol: symbol, Agent: "alpha", Side: side,
		Quantity: qty, Price: 43000, OrderID: "prior",
		Timestamp: time.Now().UTC().Add(-time.Hour),
	}))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	prev := ledger.Entry{LotID: 5, Quantity: 0.1}

	tests := []struct {
		name    string
		prev    ledger.Entry
		hasPrev bool
		cur     market.Position
		want    ChangeType
	}{
		{"new position", ledger.Entry{}, false, market.Position{Quantity: 0.05, EntryOID: 5}, ChangeNew},
		{"no prior no current", ledger.Entry{}, false, market.Position{}, ChangeNone},
		{"same lot unchanged", prev, true, market.Position{Quantity: 0.1, EntryOID: 5}, ChangeNone},
		{"lot replaced", prev, true, market.Position{Quantity: 0.1, EntryOID: 9}, ChangeEntry},
		{"closed", prev, true, market.Position{}, ChangeClosed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, classify(tt.prev, tt.hasPrev, tt.cur))
		})
	}
}

func TestReconcileNoChange(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 1, "BTCUSDT", market.Buy, 0.1)

	plans, err := e.Reconcile(context.Background(), snapshot(openPos("BTCUSDT", 1, 0.1, 43000, 43100)), Options{})
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestReconcileNewPosition(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{}
	e, _ := newTestEngine(t, ex)

	plans, err := e.Reconcile(context.Background(), snapshot(openPos("BTCUSDT", 5, 0.05, 43000, 43100)), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 1)

	p := plans[0]
	assert.Equal(t, Enter, p.Action)
	assert.Equal(t, market.Buy, p.Side)
	assert.Equal(t, 0.05, p.Quantity)
	assert.Equal(t, int64(5), p.LotID)
	assert.True(t, p.Executable)
	require.NotNil(t, p.Tolerance)
	assert.True(t, p.Tolerance.ShouldExecute)
}

func TestReconcileProcessedLotSkipped(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 5, "BTCUSDT", market.Buy, 0.05)

	plans, err := e.Reconcile(context.Background(), snapshot(openPos("BTCUSDT", 5, 0.05, 43000, 43100)), Options{})
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestReconcileToleranceBlocksButEmits(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{}
	e, _ := newTestEngine(t, ex)

	// price drifted 5% past entry, tolerance is 1%
	plans, err := e.Reconcile(context.Background(), snapshot(openPos("BTCUSDT", 5, 0.05, 43000, 45150)), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 1)

	p := plans[0]
	assert.Equal(t, Enter, p.Action)
	assert.False(t, p.Executable, "blocked plan still constructed for audit")
	assert.Contains(t, p.Reason, "blocked")
}

func TestReconcilePositionClosed(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{
		positions: map[string]broker.PositionInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 0.1, EntryPrice: 43000},
		},
	}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 5, "BTCUSDT", market.Buy, 0.1)

	flat := market.Position{Symbol: "BTCUSDT", CurrentPrice: 43500}
	plans, err := e.Reconcile(context.Background(), snapshot(flat), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 1)

	p := plans[0]
	assert.Equal(t, Exit, p.Action)
	assert.Equal(t, market.Sell, p.Side)
	assert.Equal(t, 0.1, p.Quantity)
	assert.True(t, p.Executable)
}

func TestReconcileSymbolGoneFromSnapshotIsClosed(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{
		positions: map[string]broker.PositionInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 0.1, EntryPrice: 43000},
		},
	}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 5, "BTCUSDT", market.Buy, 0.1)

	plans, err := e.Reconcile(context.Background(), snapshot(), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, Exit, plans[0].Action)
	assert.Equal(t, "BTCUSDT", plans[0].Symbol)
}

func TestReconcileClosedLotNotReExited(t *testing.T) {
	t.Parallel()

	// lot 5 was copied and later closed by the agent; the local close
	// already happened, so the exchange is flat. Cycle after cycle the
	// ledger entry remains, but no further EXIT may come out.
	ex := &fakeExchange{
		positions: map[string]broker.PositionInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 0.1, EntryPrice: 43000},
		},
	}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 5, "BTCUSDT", market.Buy, 0.1)

	plans, err := e.Reconcile(context.Background(), snapshot(), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, Exit, plans[0].Action)

	// the executor closed the position; the exchange is now flat
	delete(ex.positions, "BTCUSDT")

	for cycle := 0; cycle < 2; cycle++ {
		plans, err = e.Reconcile(context.Background(), snapshot(), Options{})
		require.NoError(t, err)
		assert.Empty(t, plans, "cycle %d must be a no-op against a flat exchange", cycle)
	}
}

func TestReconcileEntryChangedExitThenEnter(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{
		positions: map[string]broker.PositionInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 0.1, EntryPrice: 42000, Leverage: 10},
		},
		balances: []broker.Balance{
			{Asset: "USDT", Available: 500},
			{Asset: "USDT", Available: 620},
		},
	}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 5, "BTCUSDT", market.Buy, 0.1)

	plans, err := e.Reconcile(context.Background(), snapshot(openPos("BTCUSDT", 9, 0.1, 43000, 43100)), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 2)

	exit, enter := plans[0], plans[1]
	assert.Equal(t, Exit, exit.Action)
	assert.Equal(t, int64(5), exit.LotID)
	assert.False(t, exit.Executable, "engine already closed at the exchange")

	assert.Equal(t, Enter, enter.Action)
	assert.Equal(t, int64(9), enter.LotID)
	assert.True(t, enter.Executable)

	// the close went to the exchange
	require.Len(t, ex.placed, 1)
	assert.Equal(t, market.Sell, ex.placed[0].Side)
	assert.True(t, ex.placed[0].ClosePosition)

	// 620 - 500 = 120 released, sized at 10x over 43100
	assert.Equal(t, 120.0, enter.ReleasedMargin)
	assert.InDelta(t, 0.027, enter.Quantity, 1e-9)
}

func TestReconcileEntryChangedNoRealPosition(t *testing.T) {
	t.Parallel()

	// ledger says lot 5 was copied but the exchange holds nothing: no
	// close is attempted, the new lot is still entered
	ex := &fakeExchange{}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 5, "BTCUSDT", market.Buy, 0.1)

	plans, err := e.Reconcile(context.Background(), snapshot(openPos("BTCUSDT", 9, 0.1, 43000, 43100)), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Empty(t, ex.placed)
	assert.Zero(t, plans[1].ReleasedMargin)
}

func TestReconcileCloseFailureAbortsEnter(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{
		positions: map[string]broker.PositionInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 0.1},
		},
		placeErr: errors.New("exchange rejected"),
	}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 5, "BTCUSDT", market.Buy, 0.1)

	plans, err := e.Reconcile(context.Background(), snapshot(openPos("BTCUSDT", 9, 0.1, 43000, 43100)), Options{})
	require.NoError(t, err)

	// only the audit EXIT; no ENTER on top of an unconfirmed close
	require.Len(t, plans, 1)
	assert.Equal(t, Exit, plans[0].Action)
}

func TestReconcileEvaluatorExitCoexistsWithEnter(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{}
	e, _ := newTestEngine(t, ex)

	// brand new lot already past its profit target
	pos := openPos("BTCUSDT", 5, 0.1, 43000, 43100)
	pos.ExitPlan = market.ExitPlan{ProfitTarget: 43100, StopLoss: 40000}

	plans, err := e.Reconcile(context.Background(), snapshot(pos), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 2)

	assert.Equal(t, Enter, plans[0].Action)
	assert.Equal(t, Exit, plans[1].Action)
	assert.True(t, plans[1].TakeProfit)
	assert.Contains(t, plans[1].Reason, "profit")
}

func TestReconcileAllocationRewritesEntries(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{}
	e, _ := newTestEngine(t, ex)

	btc := openPos("BTCUSDT", 5, 0.5, 40000, 40000)
	btc.Margin = 248.66
	btc.ExitPlan = market.ExitPlan{ProfitTarget: 120000, StopLoss: 10000}
	eth := openPos("ETHUSDT", 6, -10, 2000, 2000)
	eth.Margin = 205.80
	eth.ExitPlan = market.ExitPlan{ProfitTarget: 500, StopLoss: 6000}
	sol := openPos("SOLUSDT", 7, 100, 100, 100)
	sol.Margin = 201.16
	sol.ExitPlan = market.ExitPlan{ProfitTarget: 300, StopLoss: 30}

	plans, err := e.Reconcile(context.Background(), snapshot(btc, eth, sol), Options{MarginBudget: 1000})
	require.NoError(t, err)
	require.Len(t, plans, 3)

	total := 0.0
	for _, p := range plans {
		require.NotNil(t, p.Allocation, p.Symbol)
		total += p.Allocation.AllocatedMargin
		assert.Equal(t, p.Allocation.AdjustedQuantity, p.Quantity)
	}
	assert.LessOrEqual(t, total, 1000.0)
	assert.Equal(t, 379.0, plans[0].Allocation.AllocatedMargin)
	assert.Equal(t, 313.0, plans[1].Allocation.AllocatedMargin)
	assert.Equal(t, 306.0, plans[2].Allocation.AllocatedMargin)
}

func TestReconcileOrphanSweep(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{
		positions: map[string]broker.PositionInfo{
			"ETHUSDT": {Symbol: "ETHUSDT", Quantity: 1},
		},
		orders: []broker.OpenOrder{
			{OrderID: "11", Symbol: "BTCUSDT", Type: broker.StopMarket},        // orphaned
			{OrderID: "12", Symbol: "ETHUSDT", Type: broker.TakeProfitMarket},  // covered
			{OrderID: "13", Symbol: "BTCUSDT", Type: broker.OrderType("LIMIT")}, // not a stop
		},
	}
	e, _ := newTestEngine(t, ex)

	_, err := e.Reconcile(context.Background(), snapshot(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT/11"}, ex.cancelled)
}

func TestReconcileDegenerateEntryPriceNotExecutable(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{}
	e, _ := newTestEngine(t, ex)

	pos := openPos("BTCUSDT", 5, 0.05, 0, 43100)
	pos.ExitPlan = market.ExitPlan{ProfitTarget: 100000, StopLoss: 0}
	plans, err := e.Reconcile(context.Background(), snapshot(pos), Options{})
	require.NoError(t, err)
	require.Len(t, plans, 1)

	enter := plans[0]
	assert.Equal(t, Enter, enter.Action)
	assert.False(t, enter.Executable)
	assert.Contains(t, enter.Reason, "tolerance check failed")

	var ce *errs.ConfigError
	_, terr := risk.PriceDifference(0, 43100)
	assert.ErrorAs(t, terr, &ce)
}

func TestReconcileDryRunNeverWrites(t *testing.T) {
	t.Parallel()

	// replaced lot with a live exchange position plus an orphaned stop:
	// a live cycle would close and cancel, a dry run must do neither
	ex := &fakeExchange{
		positions: map[string]broker.PositionInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 0.1, EntryPrice: 42000, Leverage: 10},
		},
		orders: []broker.OpenOrder{
			{Symbol: "ETHUSDT", OrderID: "11", Type: broker.StopMarket},
		},
	}
	e, led := newTestEngine(t, ex)
	recordLot(t, led, 5, "BTCUSDT", market.Buy, 0.1)

	plans, err := e.Reconcile(context.Background(), snapshot(openPos("BTCUSDT", 9, 0.1, 43000, 43100)), Options{DryRun: true})
	require.NoError(t, err)
	require.Len(t, plans, 2)

	assert.Empty(t, ex.placed)
	assert.Empty(t, ex.cancelled)

	exit, enter := plans[0], plans[1]
	assert.False(t, exit.Executable)
	assert.Contains(t, exit.Reason, "dry run")
	assert.True(t, enter.Executable)
	assert.Zero(t, enter.ReleasedMargin, "released margin cannot be measured without the close")
	assert.Equal(t, 0.1, enter.Quantity, "agent quantity copied as-is without allocation")
}
