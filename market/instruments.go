// market/instruments.go
package market

// InstrumentMeta carries the exchange precision rules used when sizing
// replica orders. Quantities and prices are floored to these precisions
// so a truncated order is never larger than the nominal one.
type InstrumentMeta struct {
	Symbol            string
	QuantityPrecision int32
	PricePrecision    int32
	MinQuantity       float64
}

var Instruments = map[string]InstrumentMeta{
	"BTCUSDT": {
		Symbol:            "BTCUSDT",
		QuantityPrecision: 3,
		PricePrecision:    1,
		MinQuantity:       0.001,
	},
	"ETHUSDT": {
		Symbol:            "ETHUSDT",
		QuantityPrecision: 3,
		PricePrecision:    2,
		MinQuantity:       0.001,
	},
	"SOLUSDT": {
		Symbol:            "SOLUSDT",
		QuantityPrecision: 0,
		PricePrecision:    3,
		MinQuantity:       1,
	},
	"BNBUSDT": {
		Symbol:            "BNBUSDT",
		QuantityPrecision: 2,
		PricePrecision:    2,
		MinQuantity:       0.01,
	},
	"XRPUSDT": {
		Symbol:            "XRPUSDT",
		QuantityPrecision: 1,
		PricePrecision:    4,
		MinQuantity:       0.1,
	},
	"DOGEUSDT": {
		Symbol:            "DOGEUSDT",
		QuantityPrecision: 0,
		PricePrecision:    5,
		MinQuantity:       1,
	},
}

// Meta returns the precision rules for a symbol, falling back to a
// conservative default for instruments not in the table.
func Meta(symbol string) InstrumentMeta {
	if m, ok := Instruments[symbol]; ok {
		return m
	}
	return InstrumentMeta{
		Symbol:            symbol,
		QuantityPrecision: 3,
		PricePrecision:    2,
	}
}
