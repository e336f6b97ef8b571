package usecase

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/config"
	"github.com/vitos/position_guard/internal/domain"
)

type ActionType string

const (
	ActionNone         ActionType = "NONE"
	ActionHardStop     ActionType = "HARD_STOP_LOSS"
	ActionTrailingStop ActionType = "TRAILING_STOP"
	ActionPeakDrawdown ActionType = "PEAK_DRAWDOWN"
	ActionPartialClose ActionType = "PARTIAL_CLOSE"
	ActionForcedReview ActionType = "FORCED_REVIEW"
	ActionManualClose  ActionType = "MANUAL_CLOSE"
)

// Terminal reports whether the action closes the whole position.
func (t ActionType) Terminal() bool {
	switch t {
	case ActionHardStop, ActionTrailingStop, ActionPeakDrawdown, ActionManualClose:
		return true
	}
	return false
}

// Action is the engine's decision for one position on one tick. At most one
// action is produced per position per tick.
type Action struct {
	Type   ActionType
	Symbol string
	Side   domain.Side
	// Quantity to close: full size for terminal actions, the stage share for
	// partial closes.
	Quantity float64
	// StageTrigger identifies the partial take-profit stage that fired.
	StageTrigger float64
	// Generation of the position the decision was made against.
	Generation int64
	PnlPercent float64
	Reason     string
}

// DedupKey is deterministic for a given decision: replaying the same action
// against the same position generation can never produce two orders.
func (a Action) DedupKey() string {
	marker := string(a.Type)
	if a.Type == ActionPartialClose {
		marker = fmt.Sprintf("%s@%.4f", a.Type, a.StageTrigger)
	}
	return fmt.Sprintf("%s|%s|%d", a.Symbol, marker, a.Generation)
}

// Evaluation carries the decision plus the peak/floor updates the ledger must
// commit regardless of which branch fired. The engine itself mutates nothing.
type Evaluation struct {
	Action     Action
	PnlPercent float64
	// NewPeak is max(position peak, tick pnl); committed on every tick.
	NewPeak float64
	// NewFloor is the trailing floor implied by the new peak, nil while no
	// trailing level has been reached. Only ever tightens.
	NewFloor *float64
	// Skipped is set when the price was stale or missing; no state is
	// touched for skipped ticks.
	Skipped    bool
	SkipReason string
	// Shadowed is set when code-level protection is disabled: Action is the
	// decision that would have fired, but the caller must not execute it.
	Shadowed bool
}

// ProtectionEngine evaluates capital-preservation rules against a single
// position snapshot. Pure: the same inputs always yield the same decision,
// and only the executor commits mutations after a successful order.
type ProtectionEngine struct {
	cfg       *config.ProtectionConfig
	staleness time.Duration
	logger    *zap.Logger
}

func NewProtectionEngine(cfg *config.ProtectionConfig, staleness time.Duration, logger *zap.Logger) *ProtectionEngine {
	return &ProtectionEngine{
		cfg:       cfg,
		staleness: staleness,
		logger:    logger,
	}
}

// Evaluate runs the fixed priority order: hard stop-loss, trailing stop, peak
// drawdown, partial take-profit. First match wins; hard capital protection
// always outranks profit-taking.
func (e *ProtectionEngine) Evaluate(pos *domain.Position, price float64, priceAt, now time.Time) Evaluation {
	if price <= 0 || priceAt.IsZero() || now.Sub(priceAt) > e.staleness {
		e.logger.Warn("Skipping evaluation on stale price",
			zap.String("symbol", pos.Symbol),
			zap.Float64("price", price),
			zap.Time("price_at", priceAt))
		return Evaluation{
			Action:     Action{Type: ActionNone, Symbol: pos.Symbol},
			Skipped:    true,
			SkipReason: domain.ErrStalePrice.Error(),
		}
	}

	pnl := pos.PnlPercent(price)
	ev := Evaluation{
		PnlPercent: pnl,
		NewPeak:    pos.PeakPnlPercent,
	}
	if pnl > ev.NewPeak {
		ev.NewPeak = pnl
	}

	// The floor follows the highest trailing level the peak has reached,
	// independent of which branch fires below.
	if floor, ok := e.floorFor(ev.NewPeak); ok {
		f := floor
		if pos.TrailingFloorPercent != nil && *pos.TrailingFloorPercent > f {
			f = *pos.TrailingFloorPercent
		}
		ev.NewFloor = &f
	} else if pos.TrailingFloorPercent != nil {
		f := *pos.TrailingFloorPercent
		ev.NewFloor = &f
	}

	ev.Action = e.decide(pos, pnl, ev.NewPeak, ev.NewFloor)

	if !e.cfg.EnableCodeLevelProtect && ev.Action.Type != ActionNone {
		// Shadow mode: log the divergence, emit no real action.
		e.logger.Warn("Shadow mode: protection action suppressed",
			zap.String("symbol", pos.Symbol),
			zap.String("action", string(ev.Action.Type)),
			zap.Float64("pnl_pct", pnl),
			zap.String("reason", ev.Action.Reason))
		ev.Shadowed = true
	}

	return ev
}

func (e *ProtectionEngine) decide(pos *domain.Position, pnl, peak float64, floor *float64) Action {
	base := Action{
		Type:       ActionNone,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Generation: pos.Generation,
		PnlPercent: pnl,
	}

	// 1. Hard stop-loss by leverage bracket.
	if threshold := e.cfg.StopLossFor(pos.Leverage); pnl <= threshold {
		base.Type = ActionHardStop
		base.Quantity = pos.Quantity
		base.Reason = fmt.Sprintf("pnl %.2f%% breached bracket stop %.2f%% (leverage %dx)", pnl, threshold, pos.Leverage)
		return base
	}

	// 2. Trailing stop at the locked floor.
	if floor != nil && pnl <= *floor {
		base.Type = ActionTrailingStop
		base.Quantity = pos.Quantity
		base.Reason = fmt.Sprintf("pnl %.2f%% fell to trailing floor %.2f%% (peak %.2f%%)", pnl, *floor, peak)
		return base
	}

	// 3. Peak drawdown protection.
	if peak-pnl >= e.cfg.PeakDrawdownPct {
		base.Type = ActionPeakDrawdown
		base.Quantity = pos.Quantity
		base.Reason = fmt.Sprintf("drawdown %.2f%% from peak %.2f%% exceeds %.2f%%", peak-pnl, peak, e.cfg.PeakDrawdownPct)
		return base
	}

	// 4. Partial take-profit: one stage per tick, ascending trigger order.
	for _, stage := range e.cfg.TakeProfitStages {
		if pos.StageCompleted(stage.TriggerPct) {
			continue
		}
		if pnl >= stage.TriggerPct {
			base.Type = ActionPartialClose
			base.Quantity = pos.Quantity * stage.ClosePct / 100
			base.StageTrigger = stage.TriggerPct
			base.Reason = fmt.Sprintf("pnl %.2f%% reached stage %.2f%%, closing %.1f%%", pnl, stage.TriggerPct, stage.ClosePct)
			return base
		}
		// Stages below this one are not eligible either.
		break
	}

	return base
}

// floorFor returns the stopAt of the highest trailing level whose trigger the
// peak has reached.
func (e *ProtectionEngine) floorFor(peak float64) (float64, bool) {
	var floor float64
	found := false
	for _, lvl := range e.cfg.TrailingLevels {
		if peak >= lvl.TriggerPct {
			floor = lvl.StopAtPct
			found = true
		}
	}
	return floor, found
}

// EvaluateIdle fires a forced review when no position is open and the last
// close is older than maxIdleHours. The review is a signal to the external
// decision process, not an order.
func (e *ProtectionEngine) EvaluateIdle(openPositions int, lastCloseAt, now time.Time) (Action, bool) {
	if openPositions > 0 || lastCloseAt.IsZero() {
		return Action{Type: ActionNone}, false
	}
	idle := now.Sub(lastCloseAt)
	maxIdle := time.Duration(e.cfg.MaxIdleHours * float64(time.Hour))
	if idle < maxIdle {
		return Action{Type: ActionNone}, false
	}
	return Action{
		Type:   ActionForcedReview,
		Reason: fmt.Sprintf("no open positions for %.1fh (limit %.1fh)", idle.Hours(), e.cfg.MaxIdleHours),
	}, true
}
