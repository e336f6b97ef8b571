package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionStatus marks whether the guard is still allowed to act on a position.
type PositionStatus string

const (
	// StatusOpen is the normal state: the protection engine evaluates the
	// position on every tick.
	StatusOpen PositionStatus = "OPEN"
	// StatusActionPending is set after a protective action exhausted its
	// retries. No further automatic action is taken until an operator
	// resolves it.
	StatusActionPending PositionStatus = "ACTION_PENDING"
)

// Position is the ledger's view of one open directional exposure.
// At most one open position exists per symbol (one-way mode).
type Position struct {
	Symbol       string
	Side         Side
	Quantity     float64
	EntryPrice   float64
	CurrentPrice float64
	Leverage     int
	OpenedAt     time.Time

	// PeakPnlPercent is the high-water mark of the leveraged unrealized
	// return since open, updated on every evaluated tick.
	PeakPnlPercent float64

	// TrailingFloorPercent is the locked-in minimum return once a trailing
	// level has been reached. Nil until the first level triggers; once set
	// it only ever tightens.
	TrailingFloorPercent *float64

	// CompletedStages holds the trigger percents of partial take-profit
	// stages that have already fired, in ascending order.
	CompletedStages []float64

	// Generation increases on every committed mutation. In-flight actions
	// carry the generation they were decided against and abort if it moved.
	Generation int64

	Status PositionStatus
}

// PnlPercent returns the leveraged unrealized return at the given price.
func (p *Position) PnlPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	raw := (price - p.EntryPrice) / p.EntryPrice * float64(p.Leverage) * 100
	if p.Side == SideShort {
		return -raw
	}
	return raw
}

// StageCompleted reports whether the partial take-profit stage identified by
// its trigger percent has already fired for this position.
func (p *Position) StageCompleted(trigger float64) bool {
	for _, t := range p.CompletedStages {
		if t == trigger {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to readers.
func (p *Position) Clone() *Position {
	cp := *p
	if p.TrailingFloorPercent != nil {
		f := *p.TrailingFloorPercent
		cp.TrailingFloorPercent = &f
	}
	if p.CompletedStages != nil {
		cp.CompletedStages = append([]float64(nil), p.CompletedStages...)
	}
	return &cp
}
