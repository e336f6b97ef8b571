package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/config"
	"github.com/vitos/position_guard/internal/domain"
	"github.com/vitos/position_guard/internal/usecase"
)

func newGuardFixture(t *testing.T, mutate func(*config.Config)) (*usecase.GuardService, *usecase.PositionLedger, *MockExchange, *MemTradeRepo) {
	t.Helper()
	cfg := &config.Config{
		Protection: *testProtectionCfg(),
		Monitor: config.MonitorConfig{
			PriceStalenessMs:    5000,
			ExchangeTimeoutMs:   1000,
			ExecutorMaxAttempts: 3,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := zap.NewNop()
	ledger := usecase.NewPositionLedger(NewMemPositionRepo(), logger)
	exchange := NewMockExchange()
	trades := &MemTradeRepo{}
	engine := usecase.NewProtectionEngine(&cfg.Protection, time.Duration(cfg.Monitor.PriceStalenessMs)*time.Millisecond, logger)
	executor := usecase.NewActionExecutor(exchange, ledger, trades, cfg.Monitor.ExecutorMaxAttempts, logger)
	executor.SetRetryInterval(time.Millisecond)
	svc := usecase.NewGuardService(cfg, ledger, engine, executor, trades, exchange, logger)
	return svc, ledger, exchange, trades
}

func recordOpen(t *testing.T, svc *usecase.GuardService, exchange *MockExchange, symbol string, leverage int) {
	t.Helper()
	pos := &domain.Position{
		Symbol:     symbol,
		Side:       domain.SideLong,
		Quantity:   1.0,
		EntryPrice: 100.0,
		Leverage:   leverage,
	}
	if err := svc.RecordOpen(context.Background(), pos); err != nil {
		t.Fatalf("RecordOpen() error = %v", err)
	}
	exchange.SetLive(pos)
}

// waitFor polls until cond holds; ticks are handled by per-symbol workers, so
// their effects land shortly after the call returns.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func closed(ledger *usecase.PositionLedger, symbol string) func() bool {
	return func() bool {
		_, open := ledger.Get(symbol)
		return !open
	}
}

func TestTickTriggersHardStop(t *testing.T) {
	svc, ledger, exchange, trades := newGuardFixture(t, nil)
	recordOpen(t, svc, exchange, "BTCUSDT", 5)

	// pnl -10% at 5x, well past the low bracket stop.
	svc.ProcessTick(context.Background(), "BTCUSDT", 98.0)

	waitFor(t, "position survived a hard stop breach", closed(ledger, "BTCUSDT"))
	if n := exchange.CallCount(); n != 1 {
		t.Errorf("exchange calls = %d, want 1", n)
	}
	if closes := trades.Closes(); len(closes) != 1 {
		t.Errorf("close trades = %d, want 1", len(closes))
	}
}

func TestTickWithoutPositionIsIgnored(t *testing.T) {
	svc, _, exchange, _ := newGuardFixture(t, nil)
	svc.ProcessTick(context.Background(), "BTCUSDT", 98.0)
	if n := exchange.CallCount(); n != 0 {
		t.Errorf("exchange calls = %d, want 0", n)
	}
}

func TestTickCommitsPeakAndFloor(t *testing.T) {
	svc, ledger, exchange, _ := newGuardFixture(t, nil)
	recordOpen(t, svc, exchange, "BTCUSDT", 1)

	// +4% at 1x reaches the first trailing level, locking floor 1. Below
	// the first take-profit stage, so no action fires.
	svc.ProcessTick(context.Background(), "BTCUSDT", 104.0)

	waitFor(t, "tick mark not committed", func() bool {
		got, ok := ledger.Get("BTCUSDT")
		return ok && got.TrailingFloorPercent != nil
	})

	got, ok := ledger.Get("BTCUSDT")
	if !ok {
		t.Fatal("position missing")
	}
	if got.PeakPnlPercent < 3.99 || got.PeakPnlPercent > 4.01 {
		t.Errorf("peak = %f, want ~4.0", got.PeakPnlPercent)
	}
	if *got.TrailingFloorPercent != 1.0 {
		t.Errorf("floor = %v, want 1.0", got.TrailingFloorPercent)
	}
	if got.CurrentPrice != 104.0 {
		t.Errorf("current price = %f, want 104", got.CurrentPrice)
	}
}

func TestTickPartialCloseShrinksPosition(t *testing.T) {
	svc, ledger, exchange, _ := newGuardFixture(t, nil)
	recordOpen(t, svc, exchange, "BTCUSDT", 1)

	// +6% at 1x fires the 5% stage, closing 25%.
	svc.ProcessTick(context.Background(), "BTCUSDT", 106.0)

	waitFor(t, "partial stage did not close", func() bool {
		got, ok := ledger.Get("BTCUSDT")
		return ok && got.Quantity == 0.75
	})

	got, ok := ledger.Get("BTCUSDT")
	if !ok {
		t.Fatal("position fully closed by a partial stage")
	}
	if !got.StageCompleted(5.0) {
		t.Error("stage 5.0 not completed")
	}
}

func TestSweepSkipsSymbolsWithoutPrices(t *testing.T) {
	svc, ledger, exchange, _ := newGuardFixture(t, nil)
	recordOpen(t, svc, exchange, "BTCUSDT", 5)

	svc.Sweep(context.Background())

	// No price was ever observed, so the worker evaluates and skips.
	time.Sleep(50 * time.Millisecond)
	if _, open := ledger.Get("BTCUSDT"); !open {
		t.Error("position closed without any observed price")
	}
	if n := exchange.CallCount(); n != 0 {
		t.Errorf("exchange calls = %d, want 0", n)
	}
}

func TestHungSymbolDoesNotBlockOthers(t *testing.T) {
	svc, ledger, exchange, _ := newGuardFixture(t, nil)
	recordOpen(t, svc, exchange, "BTCUSDT", 5)
	recordOpen(t, svc, exchange, "ETHUSDT", 5)

	release := make(chan struct{})
	exchange.HoldSymbol("BTCUSDT", release)

	// BTCUSDT's close order hangs on the exchange; ETHUSDT's breach on the
	// next tick must still be evaluated and closed.
	svc.ProcessTick(context.Background(), "BTCUSDT", 98.0)
	svc.ProcessTick(context.Background(), "ETHUSDT", 98.0)

	waitFor(t, "second symbol blocked behind a hung close", closed(ledger, "ETHUSDT"))
	if _, open := ledger.Get("BTCUSDT"); !open {
		t.Error("hung close reported complete")
	}

	close(release)
	waitFor(t, "held close never completed", closed(ledger, "BTCUSDT"))
}

func TestOverrideConsumedOnce(t *testing.T) {
	svc, ledger, exchange, _ := newGuardFixture(t, func(cfg *config.Config) {
		cfg.Protection.AllowAIOverrideProtect = true
	})
	recordOpen(t, svc, exchange, "BTCUSDT", 5)

	if !svc.RegisterOverride("BTCUSDT", "tok-1") {
		t.Fatal("RegisterOverride() rejected with overrides enabled")
	}

	// First breach is suppressed by the token. The mark commit bumps the
	// generation, which marks the evaluation as done.
	svc.ProcessTick(context.Background(), "BTCUSDT", 98.0)
	waitFor(t, "first tick never evaluated", func() bool {
		return ledger.Generation("BTCUSDT") >= 2
	})
	if _, open := ledger.Get("BTCUSDT"); !open {
		t.Fatal("position closed despite override token")
	}
	if n := exchange.CallCount(); n != 0 {
		t.Fatalf("exchange calls = %d, want 0", n)
	}

	// The token is gone: the next breach closes.
	svc.ProcessTick(context.Background(), "BTCUSDT", 98.0)
	waitFor(t, "position survived after the token was consumed", closed(ledger, "BTCUSDT"))
	if n := exchange.CallCount(); n != 1 {
		t.Errorf("exchange calls = %d, want 1", n)
	}
}

func TestOverrideRejectedWhenDisabled(t *testing.T) {
	svc, _, _, _ := newGuardFixture(t, nil)
	if svc.RegisterOverride("BTCUSDT", "tok-1") {
		t.Error("RegisterOverride() accepted with overrides disabled")
	}
	if svc.RegisterOverride("BTCUSDT", "") {
		t.Error("RegisterOverride() accepted an empty token")
	}
}

func TestIdleCheckFiresForcedReview(t *testing.T) {
	svc, ledger, _, _ := newGuardFixture(t, nil)

	var reason string
	svc.OnForcedReview(func(r string) { reason = r })

	ledger.SetLastCloseAt(time.Now().Add(-13 * time.Hour))
	svc.IdleCheck(context.Background())
	if reason == "" {
		t.Fatal("forced review not raised after 13h idle")
	}

	// A fresh close resets the clock.
	reason = ""
	ledger.SetLastCloseAt(time.Now())
	svc.IdleCheck(context.Background())
	if reason != "" {
		t.Errorf("forced review raised while not idle: %s", reason)
	}
}

func TestManualClose(t *testing.T) {
	svc, ledger, exchange, trades := newGuardFixture(t, nil)
	recordOpen(t, svc, exchange, "BTCUSDT", 5)

	if err := svc.ManualClose(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("ManualClose() error = %v", err)
	}
	if _, open := ledger.Get("BTCUSDT"); open {
		t.Error("position still open after manual close")
	}
	if closes := trades.Closes(); len(closes) != 1 {
		t.Errorf("close trades = %d, want 1", len(closes))
	}

	err := svc.ManualClose(context.Background(), "BTCUSDT")
	if !errors.Is(err, domain.ErrPositionNotFound) {
		t.Errorf("second ManualClose() error = %v, want ErrPositionNotFound", err)
	}
}

func TestRecordOpenAppendsOpenTrade(t *testing.T) {
	svc, _, exchange, trades := newGuardFixture(t, nil)
	recordOpen(t, svc, exchange, "BTCUSDT", 5)

	all, _ := trades.ListTrades(context.Background(), 0)
	if len(all) != 1 || all[0].Type != domain.TradeOpen {
		t.Fatalf("trades = %+v, want one open record", all)
	}

	err := svc.RecordOpen(context.Background(), &domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 100, Leverage: 5,
	})
	if !errors.Is(err, domain.ErrDuplicatePosition) {
		t.Errorf("duplicate RecordOpen() error = %v, want ErrDuplicatePosition", err)
	}
}
