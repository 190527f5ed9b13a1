package broker

import (
	"context"

	"github.com/mirrorline/copytrader/market"
)

// OrderType is the subset of exchange order types the copier places.
type OrderType string

const (
	Market           OrderType = "MARKET"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// MarginMode selects how margin is held for a symbol.
type MarginMode string

const (
	Cross    MarginMode = "CROSSED"
	Isolated MarginMode = "ISOLATED"
)

// OrderRequest describes one order. StopPrice applies to the stop
// types. ClosePosition marks the order as position-reducing: on the
// stop types the gateway closes whatever remains regardless of
// Quantity, on a market order it sends Quantity reduce-only.
type OrderRequest struct {
	Symbol        string
	Side          market.Side
	Type          OrderType
	Quantity      float64
	StopPrice     float64
	ClosePosition bool
	ClientOrderID string
}

// OrderResult is the exchange's acknowledgement of a placed order.
type OrderResult struct {
	OrderID  string
	Symbol   string
	Side     market.Side
	Quantity float64
	AvgPrice float64
	Status   string
}

// PositionInfo is an open position as the exchange reports it; the
// exchange, not the ledger, is ground truth for what is actually open.
type PositionInfo struct {
	Symbol        string
	Quantity      float64 // signed
	EntryPrice    float64
	Leverage      int
	UnrealizedPnL float64
}

// IsOpen reports whether the exchange holds any quantity.
func (p PositionInfo) IsOpen() bool {
	return p.Quantity != 0
}

// Side derives direction from the sign of Quantity.
func (p PositionInfo) Side() market.Side {
	if p.Quantity < 0 {
		return market.Sell
	}
	return market.Buy
}

// OpenOrder is a resting order (stops included) on the exchange.
type OpenOrder struct {
	OrderID   string
	Symbol    string
	Side      market.Side
	Type      OrderType
	StopPrice float64
}

// IsStop reports whether the order is a protective stop or take profit.
func (o OpenOrder) IsStop() bool {
	return o.Type == StopMarket || o.Type == TakeProfitMarket
}

// Balance is the account's margin asset balance.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// Exchange is the trading gateway the copier executes against. Every
// call is remote, fallible, and independently retryable by the caller.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
	OpenPositions(ctx context.Context) ([]PositionInfo, error)
	OpenPosition(ctx context.Context, symbol string) (PositionInfo, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	AvailableBalance(ctx context.Context) (Balance, error)
}
