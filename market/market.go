// market/market.go
package market

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ExitPlan is the agent's declared exit strategy for a position.
type ExitPlan struct {
	ProfitTarget float64 `json:"profit_target" yaml:"profit_target"`
	StopLoss     float64 `json:"stop_loss" yaml:"stop_loss"`
	Invalidation string  `json:"invalidation_condition" yaml:"invalidation_condition"`
}

// Position is one open position as reported by a remote agent.
// Quantity is signed: positive is long, negative is short, zero means
// no position. EntryOID identifies the lot and is only meaningful while
// Quantity is non-zero; it changes every time the agent closes and
// reopens the symbol.
type Position struct {
	Symbol        string   `json:"symbol" yaml:"symbol"`
	EntryPrice    float64  `json:"entry_price" yaml:"entry_price"`
	Quantity      float64  `json:"quantity" yaml:"quantity"`
	Leverage      int      `json:"leverage" yaml:"leverage"`
	CurrentPrice  float64  `json:"current_price" yaml:"current_price"`
	UnrealizedPnL float64  `json:"unrealized_pnl" yaml:"unrealized_pnl"`
	Confidence    float64  `json:"confidence" yaml:"confidence"`
	EntryOID      int64    `json:"entry_oid" yaml:"entry_oid"`
	TPOID         int64    `json:"tp_oid" yaml:"tp_oid"`
	SLOID         int64    `json:"sl_oid" yaml:"sl_oid"`
	Margin        float64  `json:"margin" yaml:"margin"`
	ExitPlan      ExitPlan `json:"exit_plan" yaml:"exit_plan"`
}

// IsOpen reports whether the agent currently holds this position.
func (p Position) IsOpen() bool {
	return p.Quantity != 0
}

// Side derives the position direction from the sign of Quantity.
// A flat position reports Buy; callers should check IsOpen first.
func (p Position) Side() Side {
	if p.Quantity < 0 {
		return Sell
	}
	return Buy
}

// AbsQuantity returns the unsigned position size.
func (p Position) AbsQuantity() float64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Snapshot is one agent's reported portfolio at a point in time.
// Marker is a monotonically increasing sequence number; when a fetch
// returns several snapshots for the same agent only the highest marker
// is authoritative.
type Snapshot struct {
	Agent     string              `json:"agent" yaml:"agent"`
	Marker    int64               `json:"marker" yaml:"marker"`
	Positions map[string]Position `json:"positions" yaml:"positions"`
}

// LatestByAgent collapses a batch of snapshots to the authoritative one
// per agent, keeping the highest marker. The data source is not assumed
// to pre-filter.
func LatestByAgent(snaps []Snapshot) map[string]Snapshot {
	latest := make(map[string]Snapshot, len(snaps))
	for _, s := range snaps {
		if prev, ok := latest[s.Agent]; ok && prev.Marker >= s.Marker {
			continue
		}
		latest[s.Agent] = s
	}
	return latest
}
