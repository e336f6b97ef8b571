package usecase_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/config"
	"github.com/vitos/position_guard/internal/domain"
	"github.com/vitos/position_guard/internal/usecase"
)

func testProtectionCfg() *config.ProtectionConfig {
	return &config.ProtectionConfig{
		StopLoss: config.StopLossBrackets{
			LowPct:  -5.0,
			MidPct:  -4.0,
			HighPct: -3.5,
		},
		TrailingLevels: []config.TrailingLevel{
			{TriggerPct: 3.0, StopAtPct: 1.0},
			{TriggerPct: 6.0, StopAtPct: 3.0},
			{TriggerPct: 10.0, StopAtPct: 6.0},
		},
		TakeProfitStages: []config.TakeProfitStage{
			{TriggerPct: 5.0, ClosePct: 25.0},
			{TriggerPct: 10.0, ClosePct: 25.0},
			{TriggerPct: 20.0, ClosePct: 50.0},
		},
		PeakDrawdownPct:        5.0,
		MaxIdleHours:           12.0,
		EnableCodeLevelProtect: true,
	}
}

func newTestEngine(cfg *config.ProtectionConfig) *usecase.ProtectionEngine {
	return usecase.NewProtectionEngine(cfg, 5*time.Second, zap.NewNop())
}

// longPosition returns a fresh long at entry 100 with the given leverage, so
// a price of 100+x yields a leveraged return of x*leverage percent.
func longPosition(leverage int) *domain.Position {
	return &domain.Position{
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Quantity:   1.0,
		EntryPrice: 100.0,
		Leverage:   leverage,
		OpenedAt:   time.Now(),
		Generation: 1,
		Status:     domain.StatusOpen,
	}
}

func evalAt(e *usecase.ProtectionEngine, pos *domain.Position, price float64) usecase.Evaluation {
	now := time.Now()
	return e.Evaluate(pos, price, now, now)
}

func TestHardStopLossBrackets(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())

	tests := []struct {
		name     string
		leverage int
		price    float64
		want     usecase.ActionType
	}{
		{"Low bracket 4x, -4.8% holds", 4, 98.8, usecase.ActionNone},
		{"Low bracket 4x, -5.2% fires", 4, 98.7, usecase.ActionHardStop},
		{"Mid bracket 7x, -3.5% holds", 7, 99.5, usecase.ActionNone},
		{"Mid bracket 7x, -4.2% fires", 7, 99.4, usecase.ActionHardStop},
		{"Mid bracket 8x, exactly -4.0% fires", 8, 99.5, usecase.ActionHardStop},
		{"Mid bracket 8x, -3.92% holds", 8, 99.51, usecase.ActionNone},
		{"High bracket 20x, -3.0% holds", 20, 99.85, usecase.ActionNone},
		{"High bracket 20x, -4.0% fires", 20, 99.8, usecase.ActionHardStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := evalAt(engine, longPosition(tt.leverage), tt.price)
			if ev.Action.Type != tt.want {
				t.Errorf("action = %s, want %s (pnl %.2f%%)", ev.Action.Type, tt.want, ev.PnlPercent)
			}
		})
	}
}

func TestHardStopShortSide(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())
	pos := longPosition(10)
	pos.Side = domain.SideShort

	// Price rising hurts a short: +0.5% move at 10x is a -5% return.
	ev := evalAt(engine, pos, 100.5)
	if ev.Action.Type != usecase.ActionHardStop {
		t.Errorf("action = %s, want HARD_STOP_LOSS (pnl %.2f%%)", ev.Action.Type, ev.PnlPercent)
	}
}

func TestTrailingFloorFollowsPeak(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())
	pos := longPosition(1)
	pos.PeakPnlPercent = 7.0 // reached levels 3 and 6, floor locks at 3

	// Above the floor: nothing fires, floor is reported for commit.
	ev := evalAt(engine, pos, 104.0)
	if ev.Action.Type != usecase.ActionNone {
		t.Fatalf("action = %s, want NONE", ev.Action.Type)
	}
	if ev.NewFloor == nil || *ev.NewFloor != 3.0 {
		t.Fatalf("floor = %v, want 3.0", ev.NewFloor)
	}

	// Falling to the floor closes the position.
	ev = evalAt(engine, pos, 102.9)
	if ev.Action.Type != usecase.ActionTrailingStop {
		t.Errorf("action = %s, want TRAILING_STOP", ev.Action.Type)
	}
}

func TestTrailingFloorNeverLoosens(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())
	pos := longPosition(1)
	pos.PeakPnlPercent = 7.0
	locked := 3.0
	pos.TrailingFloorPercent = &locked

	// A stale lower level can never replace the locked floor.
	ev := evalAt(engine, pos, 104.0)
	if ev.NewFloor == nil || *ev.NewFloor != 3.0 {
		t.Errorf("floor = %v, want 3.0 preserved", ev.NewFloor)
	}
}

func TestPeakDrawdownProtection(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())
	pos := longPosition(1)
	pos.PeakPnlPercent = 20.0 // floor locked at 6 via the 10 -> 6 level
	pos.CompletedStages = []float64{5.0, 10.0}

	// pnl 14: above the floor, but 6 points off the peak.
	ev := evalAt(engine, pos, 114.0)
	if ev.Action.Type != usecase.ActionPeakDrawdown {
		t.Errorf("action = %s, want PEAK_DRAWDOWN (pnl %.2f%%)", ev.Action.Type, ev.PnlPercent)
	}

	// pnl 16: only 4 points off the peak, within tolerance.
	ev = evalAt(engine, pos, 116.0)
	if ev.Action.Type != usecase.ActionNone {
		t.Errorf("action = %s, want NONE", ev.Action.Type)
	}
}

func TestPartialTakeProfitStages(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())

	t.Run("first stage fires", func(t *testing.T) {
		ev := evalAt(engine, longPosition(1), 106.0)
		if ev.Action.Type != usecase.ActionPartialClose {
			t.Fatalf("action = %s, want PARTIAL_CLOSE", ev.Action.Type)
		}
		if ev.Action.StageTrigger != 5.0 {
			t.Errorf("stage = %f, want 5.0", ev.Action.StageTrigger)
		}
		if ev.Action.Quantity != 0.25 {
			t.Errorf("quantity = %f, want 0.25", ev.Action.Quantity)
		}
	})

	t.Run("completed stage never refires", func(t *testing.T) {
		pos := longPosition(1)
		pos.CompletedStages = []float64{5.0}
		ev := evalAt(engine, pos, 106.0)
		if ev.Action.Type != usecase.ActionNone {
			t.Errorf("action = %s, want NONE", ev.Action.Type)
		}
	})

	t.Run("next stage fires after the first", func(t *testing.T) {
		pos := longPosition(1)
		pos.Quantity = 0.75
		pos.CompletedStages = []float64{5.0}
		pos.PeakPnlPercent = 6.0
		ev := evalAt(engine, pos, 111.0)
		if ev.Action.Type != usecase.ActionPartialClose || ev.Action.StageTrigger != 10.0 {
			t.Errorf("action = %s stage %f, want PARTIAL_CLOSE stage 10.0", ev.Action.Type, ev.Action.StageTrigger)
		}
	})

	t.Run("one stage per tick even when several are eligible", func(t *testing.T) {
		ev := evalAt(engine, longPosition(1), 121.0)
		if ev.Action.Type != usecase.ActionPartialClose || ev.Action.StageTrigger != 5.0 {
			t.Errorf("action = %s stage %f, want PARTIAL_CLOSE stage 5.0", ev.Action.Type, ev.Action.StageTrigger)
		}
	})
}

func TestPriorityOrder(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())

	t.Run("hard stop outranks trailing stop", func(t *testing.T) {
		pos := longPosition(10)
		pos.PeakPnlPercent = 7.0        // floor at 3
		ev := evalAt(engine, pos, 99.5) // pnl -5 at 10x, below both
		if ev.Action.Type != usecase.ActionHardStop {
			t.Errorf("action = %s, want HARD_STOP_LOSS", ev.Action.Type)
		}
	})

	t.Run("trailing stop outranks partial take-profit", func(t *testing.T) {
		pos := longPosition(1)
		pos.PeakPnlPercent = 10.0 // floor at 6, above the 5.0 stage trigger
		ev := evalAt(engine, pos, 105.5)
		if ev.Action.Type != usecase.ActionTrailingStop {
			t.Errorf("action = %s, want TRAILING_STOP", ev.Action.Type)
		}
	})
}

func TestStalePriceSkipsEvaluation(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())
	pos := longPosition(10)
	now := time.Now()

	tests := []struct {
		name    string
		price   float64
		priceAt time.Time
	}{
		{"old price", 99.0, now.Add(-10 * time.Second)},
		{"zero price", 0, now},
		{"never seen", 99.0, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := engine.Evaluate(pos, tt.price, tt.priceAt, now)
			if !ev.Skipped {
				t.Error("evaluation not skipped")
			}
			if ev.Action.Type != usecase.ActionNone {
				t.Errorf("action = %s, want NONE", ev.Action.Type)
			}
		})
	}
}

func TestShadowModeSuppressesActions(t *testing.T) {
	cfg := testProtectionCfg()
	cfg.EnableCodeLevelProtect = false
	engine := newTestEngine(cfg)

	ev := evalAt(engine, longPosition(10), 99.0)
	if !ev.Shadowed {
		t.Fatal("evaluation not shadowed")
	}
	if ev.Action.Type != usecase.ActionHardStop {
		t.Errorf("shadowed action = %s, want HARD_STOP_LOSS recorded", ev.Action.Type)
	}
}

func TestEvaluateIdle(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())
	now := time.Now()

	tests := []struct {
		name        string
		open        int
		lastCloseAt time.Time
		wantFired   bool
	}{
		{"idle past limit", 0, now.Add(-13 * time.Hour), true},
		{"idle within limit", 0, now.Add(-11 * time.Hour), false},
		{"position open", 1, now.Add(-13 * time.Hour), false},
		{"no close observed yet", 0, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act, fired := engine.EvaluateIdle(tt.open, tt.lastCloseAt, now)
			if fired != tt.wantFired {
				t.Errorf("fired = %v, want %v", fired, tt.wantFired)
			}
			if fired && act.Type != usecase.ActionForcedReview {
				t.Errorf("action = %s, want FORCED_REVIEW", act.Type)
			}
		})
	}
}

func TestPeakAdvancesEveryTick(t *testing.T) {
	engine := newTestEngine(testProtectionCfg())
	pos := longPosition(1)
	pos.PeakPnlPercent = 1.0

	ev := evalAt(engine, pos, 102.0)
	if ev.NewPeak < 1.99 || ev.NewPeak > 2.01 {
		t.Errorf("peak = %f, want ~2.0", ev.NewPeak)
	}

	// Peak is a high-water mark: a lower pnl never lowers it.
	pos.PeakPnlPercent = 4.0
	ev = evalAt(engine, pos, 102.0)
	if ev.NewPeak != 4.0 {
		t.Errorf("peak = %f, want 4.0", ev.NewPeak)
	}
}
