// Package allocate distributes a fixed margin budget across a batch of
// new entries, proportional to the margin the source agent committed to
// each symbol.
package allocate

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/market"
)

// MarginPrecision is the number of decimal places allocated margin is
// floored to. Whole currency units: truncation keeps totals under the
// budget, never above.
const MarginPrecision = 0

// Allocation is one symbol's share of the budget.
type Allocation struct {
	Symbol           string
	Side             market.Side
	Leverage         int
	OriginalMargin   float64
	AllocatedMargin  float64
	NotionalValue    float64
	AdjustedQuantity float64
	Ratio            float64
}

// Result aggregates a single allocation call.
type Result struct {
	Budget               float64
	Allocations          []Allocation
	TotalAllocatedMargin float64
	TotalNotional        float64
}

// Distribute splits budget across positions proportionally to each
// position's margin. Positions with non-positive margin are excluded
// entirely, not zero-allocated. A positive ceiling (live available
// balance) caps the budget. Allocated margin is floored to whole
// currency units and quantities to the instrument's precision, so the
// allocated total is at most the nominal budget.
func Distribute(positions []market.Position, budget, ceiling float64) (Result, error) {
	if budget <= 0 {
		return Result{}, errs.Config("margin_budget", "must be positive, got %v", budget)
	}
	if ceiling > 0 && budget > ceiling {
		budget = ceiling
	}

	eligible := make([]market.Position, 0, len(positions))
	totalMargin := 0.0
	for _, p := range positions {
		if p.Margin <= 0 {
			continue
		}
		eligible = append(eligible, p)
		totalMargin += p.Margin
	}

	res := Result{Budget: budget}
	if len(eligible) == 0 {
		return res, nil
	}

	ratioSum := 0.0
	for _, p := range eligible {
		ratio := p.Margin / totalMargin
		ratioSum += ratio

		allocated := floorTo(budget*ratio, MarginPrecision)
		notional := allocated * float64(p.Leverage)

		meta := market.Meta(p.Symbol)
		qty := 0.0
		if p.CurrentPrice > 0 {
			qty = floorTo(notional/p.CurrentPrice, meta.QuantityPrecision)
		}
		if qty < meta.MinQuantity {
			qty = 0
		}

		res.Allocations = append(res.Allocations, Allocation{
			Symbol:           p.Symbol,
			Side:             p.Side(),
			Leverage:         p.Leverage,
			OriginalMargin:   p.Margin,
			AllocatedMargin:  allocated,
			NotionalValue:    notional,
			AdjustedQuantity: qty,
			Ratio:            ratio,
		})
		res.TotalAllocatedMargin += allocated
		res.TotalNotional += notional
	}

	if math.Abs(ratioSum-1.0) > 0.001 {
		return Result{}, errs.Config("allocation", "ratios sum to %v, want 1.0 +-0.001", ratioSum)
	}
	if res.TotalAllocatedMargin > budget {
		return Result{}, errs.Config("allocation", "allocated %v exceeds budget %v", res.TotalAllocatedMargin, budget)
	}
	return res, nil
}

// QuantityFor sizes an order from a margin amount: notional is margin
// times leverage, quantity is notional at the current price floored to
// the instrument's precision. Zero when the price is not positive or
// the result falls under the instrument minimum.
func QuantityFor(margin float64, leverage int, price float64, symbol string) float64 {
	if margin <= 0 || price <= 0 {
		return 0
	}
	meta := market.Meta(symbol)
	qty := floorTo(margin*float64(leverage)/price, meta.QuantityPrecision)
	if qty < meta.MinQuantity {
		return 0
	}
	return qty
}

// floorTo truncates v down to the given number of decimal places.
// decimal avoids the float64 representation drift a naive
// math.Floor(v*10^p)/10^p picks up near precision boundaries.
func floorTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).RoundDown(places).Float64()
	return f
}
