// journal/journal.go
package journal

import "time"

// FillRecord is one executed follow plan: the audit trail of what was
// actually placed, distinct from the ledger (which is a correctness
// input, not a log).
type FillRecord struct {
	OrderID        string
	Agent          string
	Symbol         string
	Action         string // ENTER or EXIT
	Side           string
	Quantity       float64
	Price          float64
	LotID          int64
	Reason         string
	ReleasedMargin float64
	CreatedAt      time.Time
}

// CycleRecord summarizes one reconciliation cycle for one agent.
type CycleRecord struct {
	Agent      string
	StartedAt  time.Time
	FinishedAt time.Time
	Plans      int
	Executed   int
	Skipped    int
	Failed     int
}

type Journal interface {
	RecordFill(FillRecord) error
	RecordCycle(CycleRecord) error
	Close() error
}
