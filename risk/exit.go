package risk

import (
	"fmt"

	"github.com/mirrorline/copytrader/market"
)

// ExitDecision says whether a position must be closed now and why.
type ExitDecision struct {
	Exit       bool
	TakeProfit bool // true when the profit target tripped, not the stop
	Reason     string
}

// EvaluateExit checks a position's current price against its exit plan.
// Boundaries are inclusive: a price exactly on a target triggers. The
// profit check runs first so a price past both levels reports profit.
// Zero targets are evaluated literally; a short with a zero stop loss
// exits immediately, which is the degenerate-input behavior we keep
// rather than guard.
func EvaluateExit(p market.Position) ExitDecision {
	if !p.IsOpen() {
		return ExitDecision{}
	}

	plan := p.ExitPlan
	price := p.CurrentPrice

	if p.Quantity > 0 {
		if price >= plan.ProfitTarget {
			return ExitDecision{
				Exit:       true,
				TakeProfit: true,
				Reason: fmt.Sprintf("%s profit target reached: price %.6f >= target %.6f",
					p.Symbol, price, plan.ProfitTarget),
			}
		}
		if price <= plan.StopLoss {
			return ExitDecision{
				Exit: true,
				Reason: fmt.Sprintf("%s stop loss reached: price %.6f <= stop %.6f",
					p.Symbol, price, plan.StopLoss),
			}
		}
		return ExitDecision{}
	}

	// short: profit is below entry, loss above
	if price <= plan.ProfitTarget {
		return ExitDecision{
			Exit:       true,
			TakeProfit: true,
			Reason: fmt.Sprintf("%s profit target reached: price %.6f <= target %.6f",
				p.Symbol, price, plan.ProfitTarget),
		}
	}
	if price >= plan.StopLoss {
		return ExitDecision{
			Exit: true,
			Reason: fmt.Sprintf("%s stop loss reached: price %.6f >= stop %.6f",
				p.Symbol, price, plan.StopLoss),
		}
	}
	return ExitDecision{}
}
