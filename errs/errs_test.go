package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataSourceWrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := DataSource("agentfeed.Snapshots", cause)

	var dse *DataSourceError
	assert.ErrorAs(t, err, &dse)
	assert.Equal(t, "agentfeed.Snapshots", dse.Op)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "agentfeed.Snapshots")

	assert.Nil(t, DataSource("agentfeed.Snapshots", nil))
}

func TestTradingCarriesSymbolAndOrder(t *testing.T) {
	t.Parallel()

	err := Trading("futures.PlaceOrder", "BTCUSDT", "42", errors.New("rejected"))

	var te *TradingError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "BTCUSDT", te.Symbol)
	assert.Equal(t, "42", te.OrderID)
	assert.Contains(t, err.Error(), "BTCUSDT")
	assert.Contains(t, err.Error(), "order 42")
}

func TestPositionCarriesOperation(t *testing.T) {
	t.Parallel()

	err := Position("reconcile.closeReplaced", "close", "ETHUSDT", errors.New("no fill"))

	var pe *PositionError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "close", pe.Operation)
	assert.Equal(t, "ETHUSDT", pe.Symbol)
}

func TestConfigFormats(t *testing.T) {
	t.Parallel()

	err := Config("price_tolerance", "must be positive, got %v", -1.0)

	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, "price_tolerance", ce.Field)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestWrappedThroughFmt(t *testing.T) {
	t.Parallel()

	inner := Trading("futures.PlaceOrder", "BTCUSDT", "", errors.New("timeout"))
	outer := fmt.Errorf("execute plan: %w", inner)

	var te *TradingError
	assert.ErrorAs(t, outer, &te)
}
