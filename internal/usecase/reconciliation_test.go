package usecase_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/domain"
	"github.com/vitos/position_guard/internal/usecase"
)

func TestAuditDisjointSets(t *testing.T) {
	ledger := []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.0, Leverage: 5},
		{Symbol: "SOLUSDT", Side: domain.SideShort, Quantity: 10.0, Leverage: 3},
	}
	exchange := []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.0, Leverage: 5},
		{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: 2.0, Leverage: 10},
	}

	report := usecase.Audit(ledger, exchange)

	if len(report.MissingInLedger) != 1 || report.MissingInLedger[0] != "ETHUSDT" {
		t.Errorf("missing in ledger = %v, want [ETHUSDT]", report.MissingInLedger)
	}
	if len(report.MissingOnExchange) != 1 || report.MissingOnExchange[0] != "SOLUSDT" {
		t.Errorf("missing on exchange = %v, want [SOLUSDT]", report.MissingOnExchange)
	}
	if len(report.Mismatched) != 0 {
		t.Errorf("mismatched = %v, want none", report.Mismatched)
	}
	if report.Clean() {
		t.Error("report with drift reported as clean")
	}
}

func TestAuditSideMismatch(t *testing.T) {
	ledger := []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.0, Leverage: 5},
	}
	exchange := []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideShort, Quantity: 1.0, Leverage: 5},
	}

	report := usecase.Audit(ledger, exchange)

	if len(report.Mismatched) != 1 {
		t.Fatalf("mismatched = %d, want 1", len(report.Mismatched))
	}
	m := report.Mismatched[0]
	if m.Symbol != "BTCUSDT" || len(m.Diffs) != 1 || m.Diffs[0].Field != "side" {
		t.Errorf("mismatch = %+v, want a single side diff on BTCUSDT", m)
	}
	// Mismatched symbols never appear in the missing sets.
	if len(report.MissingInLedger) != 0 || len(report.MissingOnExchange) != 0 {
		t.Error("mismatched symbol leaked into missing sets")
	}
}

func TestAuditQuantityTolerance(t *testing.T) {
	ledger := []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.0, Leverage: 5},
	}

	// Within tolerance: clean.
	report := usecase.Audit(ledger, []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.00005, Leverage: 5},
	})
	if !report.Clean() {
		t.Errorf("drift within tolerance reported: %+v", report.Mismatched)
	}

	// Beyond tolerance: quantity diff.
	report = usecase.Audit(ledger, []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.2, Leverage: 5},
	})
	if len(report.Mismatched) != 1 || report.Mismatched[0].Diffs[0].Field != "quantity" {
		t.Errorf("mismatched = %+v, want a quantity diff", report.Mismatched)
	}
}

func TestAuditLeverageComparedOnlyWhenReported(t *testing.T) {
	ledger := []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.0, Leverage: 5},
	}

	// Venue omits leverage: no diff.
	report := usecase.Audit(ledger, []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.0, Leverage: 0},
	})
	if !report.Clean() {
		t.Errorf("omitted leverage reported as drift: %+v", report.Mismatched)
	}

	report = usecase.Audit(ledger, []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 1.0, Leverage: 10},
	})
	if len(report.Mismatched) != 1 || report.Mismatched[0].Diffs[0].Field != "leverage" {
		t.Errorf("mismatched = %+v, want a leverage diff", report.Mismatched)
	}
}

func TestAuditZeroQuantityTreatedAsAbsent(t *testing.T) {
	exchange := []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0},
	}
	report := usecase.Audit(nil, exchange)
	if !report.Clean() {
		t.Errorf("zero-quantity exchange entry produced drift: %+v", report)
	}
}

func TestAuditBothEmpty(t *testing.T) {
	if !usecase.Audit(nil, nil).Clean() {
		t.Error("empty audit not clean")
	}
}

func TestMonitorAuditOnceStoresLatest(t *testing.T) {
	logger := zap.NewNop()
	ledger := usecase.NewPositionLedger(NewMemPositionRepo(), logger)
	exchange := NewMockExchange()
	exchange.SetLive(&domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: 2.0})

	monitor := usecase.NewReconciliationMonitor(ledger, exchange, logger)
	if monitor.Latest() != nil {
		t.Fatal("latest report set before any audit")
	}

	report, err := monitor.AuditOnce(context.Background())
	if err != nil {
		t.Fatalf("AuditOnce() error = %v", err)
	}
	if len(report.MissingInLedger) != 1 || report.MissingInLedger[0] != "ETHUSDT" {
		t.Errorf("missing in ledger = %v, want [ETHUSDT]", report.MissingInLedger)
	}
	if monitor.Latest() != report {
		t.Error("latest report not stored")
	}
}
