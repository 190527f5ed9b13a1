package reconcile

import (
	"time"

	"github.com/mirrorline/copytrader/allocate"
	"github.com/mirrorline/copytrader/market"
	"github.com/mirrorline/copytrader/risk"
)

// Action is what a FollowPlan asks the executor to do.
type Action string

const (
	Enter Action = "ENTER"
	Exit  Action = "EXIT"
)

// ChangeType classifies one symbol's transition between the rebuilt
// previous state and the live snapshot. Exactly one applies.
type ChangeType string

const (
	// ChangeNew: no prior ledger entry, agent holds a position now.
	ChangeNew ChangeType = "new_position"
	// ChangeEntry: lot id differs from the recorded one while the agent
	// still holds a position; it closed and reopened between polls.
	ChangeEntry ChangeType = "entry_changed"
	// ChangeClosed: a recorded lot, agent is flat now.
	ChangeClosed ChangeType = "position_closed"
	// ChangeNone: nothing actionable.
	ChangeNone ChangeType = "no_change"
)

// FollowPlan is one ordered action handed to the executor. Plans are
// rebuilt every cycle and discarded after execution; the ledger, not
// the plan list, carries state across cycles.
type FollowPlan struct {
	Action    Action
	Symbol    string
	Side      market.Side
	Quantity  float64
	Leverage  int
	Price     float64
	Reason    string
	Agent     string
	LotID     int64
	Timestamp time.Time

	// Executable false means the plan exists for audit visibility only;
	// the executor must skip it (tolerance block, already-performed
	// close, degenerate input).
	Executable bool

	// TakeProfit marks an EXIT that tripped its profit target; the
	// executor records it in the ledger's profit-exit side list.
	TakeProfit bool

	// Source is the agent position the plan was derived from.
	Source *market.Position

	// Tolerance is set on every ENTER destined for execution.
	Tolerance *risk.Verdict

	// Allocation is set when a margin budget rewrote the quantity.
	Allocation *allocate.Allocation

	// ReleasedMargin is capital freed by a just-completed close,
	// earmarked for this ENTER and overriding normal allocation.
	ReleasedMargin float64
}
