package allocate

import (
	"testing"

	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributeProportional(t *testing.T) {
	t.Parallel()

	positions := []market.Position{
		{Symbol: "BTCUSDT", Quantity: 0.1, Leverage: 10, CurrentPrice: 43000, Margin: 248.66},
		{Symbol: "ETHUSDT", Quantity: -2, Leverage: 5, CurrentPrice: 2300, Margin: 205.80},
		{Symbol: "SOLUSDT", Quantity: 50, Leverage: 10, CurrentPrice: 98, Margin: 201.16},
	}

	res, err := Distribute(positions, 1000, 0)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 3)

	assert.InDelta(t, 0.3794, res.Allocations[0].Ratio, 0.0005)
	assert.InDelta(t, 0.3139, res.Allocations[1].Ratio, 0.0005)
	assert.InDelta(t, 0.3067, res.Allocations[2].Ratio, 0.0005)

	// floor-truncated to whole currency units
	assert.Equal(t, 379.0, res.Allocations[0].AllocatedMargin)
	assert.Equal(t, 313.0, res.Allocations[1].AllocatedMargin)
	assert.Equal(t, 306.0, res.Allocations[2].AllocatedMargin)

	assert.LessOrEqual(t, res.TotalAllocatedMargin, 1000.0)

	sum := 0.0
	for _, a := range res.Allocations {
		sum += a.Ratio
	}
	assert.InDelta(t, 1.0, sum, 0.001)
}

func TestDistributeSidesAndQuantities(t *testing.T) {
	t.Parallel()

	positions := []market.Position{
		{Symbol: "BTCUSDT", Quantity: 0.1, Leverage: 10, CurrentPrice: 40000, Margin: 100},
		{Symbol: "ETHUSDT", Quantity: -2, Leverage: 5, CurrentPrice: 2000, Margin: 100},
	}

	res, err := Distribute(positions, 1000, 0)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 2)

	btc := res.Allocations[0]
	assert.Equal(t, market.Buy, btc.Side)
	assert.Equal(t, 500.0, btc.AllocatedMargin)
	assert.Equal(t, 5000.0, btc.NotionalValue)
	// 5000/40000 = 0.125, floored to 3 decimals
	assert.Equal(t, 0.125, btc.AdjustedQuantity)

	eth := res.Allocations[1]
	assert.Equal(t, market.Sell, eth.Side)
	assert.Equal(t, 2500.0, eth.NotionalValue)
	assert.Equal(t, 1.25, eth.AdjustedQuantity)
}

func TestDistributeExcludesNonPositiveMargin(t *testing.T) {
	t.Parallel()

	positions := []market.Position{
		{Symbol: "BTCUSDT", Quantity: 0.1, Leverage: 10, CurrentPrice: 40000, Margin: 100},
		{Symbol: "ETHUSDT", Quantity: 1, Leverage: 5, CurrentPrice: 2000, Margin: 0},
		{Symbol: "SOLUSDT", Quantity: 1, Leverage: 5, CurrentPrice: 100, Margin: -4},
	}

	res, err := Distribute(positions, 500, 0)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, "BTCUSDT", res.Allocations[0].Symbol)
	assert.InDelta(t, 1.0, res.Allocations[0].Ratio, 1e-12)
}

func TestDistributeEmptyBatch(t *testing.T) {
	t.Parallel()

	res, err := Distribute(nil, 500, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Allocations)
	assert.Zero(t, res.TotalAllocatedMargin)
}

func TestDistributeCeilingCapsBudget(t *testing.T) {
	t.Parallel()

	positions := []market.Position{
		{Symbol: "BTCUSDT", Quantity: 0.1, Leverage: 10, CurrentPrice: 40000, Margin: 100},
	}

	res, err := Distribute(positions, 1000, 600)
	require.NoError(t, err)
	assert.Equal(t, 600.0, res.Budget)
	assert.Equal(t, 600.0, res.Allocations[0].AllocatedMargin)
}

func TestDistributeRejectsBadBudget(t *testing.T) {
	t.Parallel()

	_, err := Distribute(nil, 0, 0)
	var ce *errs.ConfigError
	assert.ErrorAs(t, err, &ce)

	_, err = Distribute(nil, -10, 0)
	assert.Error(t, err)
}

func TestQuantityFor(t *testing.T) {
	t.Parallel()

	// 500 margin at 10x over 40000 = 0.125
	assert.Equal(t, 0.125, QuantityFor(500, 10, 40000, "BTCUSDT"))
	// floored to 3 decimals
	assert.Equal(t, 0.123, QuantityFor(494, 10, 40000, "BTCUSDT"))
	// under the instrument minimum collapses to zero
	assert.Zero(t, QuantityFor(1, 1, 40000, "BTCUSDT"))
	assert.Zero(t, QuantityFor(500, 10, 0, "BTCUSDT"))
	assert.Zero(t, QuantityFor(0, 10, 40000, "BTCUSDT"))
}

func TestDistributeQuantityBelowMinimumZeroed(t *testing.T) {
	t.Parallel()

	// tiny budget makes the BTC quantity fall under the instrument minimum
	positions := []market.Position{
		{Symbol: "BTCUSDT", Quantity: 0.1, Leverage: 1, CurrentPrice: 40000, Margin: 100},
	}

	res, err := Distribute(positions, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Allocations[0].AdjustedQuantity)
}
