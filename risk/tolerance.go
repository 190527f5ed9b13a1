package risk

import (
	"fmt"
	"math"

	"github.com/mirrorline/copytrader/errs"
)

// ToleranceConfig resolves the allowed price drift (percent) for a
// symbol: symbol-specific override first, else the global default.
type ToleranceConfig struct {
	Default  float64
	BySymbol map[string]float64
}

// For returns the tolerance for symbol.
func (c ToleranceConfig) For(symbol string) float64 {
	if v, ok := c.BySymbol[symbol]; ok {
		return v
	}
	return c.Default
}

// Verdict is the tolerance gate's full answer. It is always returned,
// within tolerance or not; the caller decides whether to block
// execution, not the gate.
type Verdict struct {
	Symbol        string
	EntryPrice    float64
	CurrentPrice  float64
	Difference    float64 // percent drift from entry
	Tolerance     float64
	Within        bool
	ShouldExecute bool
	Reason        string
}

// PriceDifference returns the relative drift of current from entry as a
// percentage. Direction does not matter, only distance. An entry price
// of zero or below cannot anchor a relative measure and is rejected.
func PriceDifference(entry, current float64) (float64, error) {
	if entry <= 0 {
		return 0, errs.Config("entry_price", "divide by zero: entry price %v must be positive", entry)
	}
	return math.Abs(current-entry) / entry * 100, nil
}

// CheckTolerance measures price drift and renders a verdict against the
// given tolerance (percent).
func CheckTolerance(symbol string, entry, current, tolerance float64) (Verdict, error) {
	diff, err := PriceDifference(entry, current)
	if err != nil {
		return Verdict{}, err
	}

	within := diff <= tolerance
	v := Verdict{
		Symbol:        symbol,
		EntryPrice:    entry,
		CurrentPrice:  current,
		Difference:    diff,
		Tolerance:     tolerance,
		Within:        within,
		ShouldExecute: within,
	}
	if within {
		v.Reason = fmt.Sprintf("%s price drift %.4f%% within tolerance %.2f%% (entry %.6f, current %.6f)",
			symbol, diff, tolerance, entry, current)
	} else {
		v.Reason = fmt.Sprintf("%s price drift %.4f%% exceeds tolerance %.2f%% (entry %.6f, current %.6f)",
			symbol, diff, tolerance, entry, current)
	}
	return v, nil
}
