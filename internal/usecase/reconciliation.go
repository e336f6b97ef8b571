package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/domain"
	"github.com/vitos/position_guard/internal/infrastructure/metrics"
)

// ReconciliationMonitor periodically compares ledger state against exchange
// truth. It is strictly read-only: drift is reported, never auto-healed.
// Resolution is left to an operator or the external decision process, because
// guessing wrong with real capital costs more than waiting.
type ReconciliationMonitor struct {
	ledger   *PositionLedger
	exchange domain.Exchange
	logger   *zap.Logger

	mu     sync.RWMutex
	latest *domain.ReconciliationReport
}

func NewReconciliationMonitor(ledger *PositionLedger, exchange domain.Exchange, logger *zap.Logger) *ReconciliationMonitor {
	return &ReconciliationMonitor{
		ledger:   ledger,
		exchange: exchange,
		logger:   logger,
	}
}

// Run audits on the given cadence until ctx is cancelled.
func (m *ReconciliationMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.AuditOnce(ctx); err != nil {
				m.logger.Error("Reconciliation audit failed", zap.Error(err))
			}
		}
	}
}

// AuditOnce fetches both snapshots and produces a fresh report.
func (m *ReconciliationMonitor) AuditOnce(ctx context.Context) (*domain.ReconciliationReport, error) {
	exchangePositions, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange positions: %w", err)
	}

	report := Audit(m.ledger.Snapshot(), exchangePositions)

	m.mu.Lock()
	m.latest = report
	m.mu.Unlock()

	if report.Clean() {
		m.logger.Debug("Reconciliation clean")
	} else {
		drift := len(report.MissingInLedger) + len(report.MissingOnExchange) + len(report.Mismatched)
		metrics.ReconciliationDrift.Add(float64(drift))
		m.logger.Warn("Reconciliation drift detected",
			zap.Strings("missing_in_ledger", report.MissingInLedger),
			zap.Strings("missing_on_exchange", report.MissingOnExchange),
			zap.Int("mismatched", len(report.Mismatched)))
	}
	return report, nil
}

// Latest returns the most recent report, or nil before the first audit.
func (m *ReconciliationMonitor) Latest() *domain.ReconciliationReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Audit computes the three disjoint drift sets by symbol. Exchange entries
// with zero quantity count as absent.
func Audit(ledger, exchange []*domain.Position) *domain.ReconciliationReport {
	report := &domain.ReconciliationReport{At: time.Now()}

	ledgerBy := make(map[string]*domain.Position, len(ledger))
	for _, p := range ledger {
		ledgerBy[p.Symbol] = p
	}
	exchangeBy := make(map[string]*domain.Position, len(exchange))
	for _, p := range exchange {
		if p.Quantity == 0 {
			continue
		}
		exchangeBy[p.Symbol] = p
	}

	for symbol, ex := range exchangeBy {
		led, ok := ledgerBy[symbol]
		if !ok {
			report.MissingInLedger = append(report.MissingInLedger, symbol)
			continue
		}
		if diffs := diffPositions(led, ex); len(diffs) > 0 {
			report.Mismatched = append(report.Mismatched, domain.Mismatch{Symbol: symbol, Diffs: diffs})
		}
	}
	for symbol := range ledgerBy {
		if _, ok := exchangeBy[symbol]; !ok {
			// Likely closed externally (liquidation, manual exchange UI).
			report.MissingOnExchange = append(report.MissingOnExchange, symbol)
		}
	}

	sort.Strings(report.MissingInLedger)
	sort.Strings(report.MissingOnExchange)
	sort.Slice(report.Mismatched, func(i, j int) bool {
		return report.Mismatched[i].Symbol < report.Mismatched[j].Symbol
	})
	return report
}

func diffPositions(led, ex *domain.Position) []domain.FieldDiff {
	var diffs []domain.FieldDiff
	if led.Side != ex.Side {
		diffs = append(diffs, domain.FieldDiff{
			Field:    "side",
			Ledger:   string(led.Side),
			Exchange: string(ex.Side),
		})
	}
	if math.Abs(led.Quantity-ex.Quantity) > qtyTolerance {
		diffs = append(diffs, domain.FieldDiff{
			Field:    "quantity",
			Ledger:   fmt.Sprintf("%g", led.Quantity),
			Exchange: fmt.Sprintf("%g", ex.Quantity),
		})
	}
	// Leverage is compared only when both sides report a value; some venues
	// omit it on position endpoints.
	if led.Leverage != 0 && ex.Leverage != 0 && led.Leverage != ex.Leverage {
		diffs = append(diffs, domain.FieldDiff{
			Field:    "leverage",
			Ledger:   fmt.Sprintf("%d", led.Leverage),
			Exchange: fmt.Sprintf("%d", ex.Leverage),
		})
	}
	return diffs
}
