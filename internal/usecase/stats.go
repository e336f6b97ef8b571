package usecase

import "github.com/vitos/position_guard/internal/domain"

// Win/loss classification bounds: pnl inside (-0.01, +0.01) is break-even,
// counted in totals but excluded from win/loss averages.
const (
	winThreshold  = 0.01
	lossThreshold = -0.01
)

// statsAcc carries the running sums needed for average-based metrics.
type statsAcc struct {
	stats   domain.Stats
	winSum  float64
	lossSum float64
}

// StatsAggregator derives performance metrics from the closed-trade log in a
// single pass. Pure and side-effect free; safe to call concurrently with
// ledger mutation since the trade log is immutable.
type StatsAggregator struct{}

func NewStatsAggregator() *StatsAggregator {
	return &StatsAggregator{}
}

// Aggregate walks close-type trades once, accumulating per-symbol and overall
// stats keyed by symbol and side.
func (sa *StatsAggregator) Aggregate(trades []*domain.Trade) *domain.StatsReport {
	overall := &statsAcc{}
	perSymbol := make(map[string]*statsAcc)

	for _, t := range trades {
		if t.Type != domain.TradeClose || t.Pnl == nil {
			continue
		}
		sym, ok := perSymbol[t.Symbol]
		if !ok {
			sym = &statsAcc{}
			perSymbol[t.Symbol] = sym
		}
		sym.collect(t)
		overall.collect(t)
	}

	report := &domain.StatsReport{
		PerSymbol: make(map[string]*domain.Stats, len(perSymbol)),
		Overall:   overall.finalize(),
	}
	for symbol, acc := range perSymbol {
		s := acc.finalize()
		report.PerSymbol[symbol] = &s
	}
	return report
}

func (a *statsAcc) collect(t *domain.Trade) {
	pnl := *t.Pnl
	s := &a.stats
	s.Trades++
	s.TotalPnl += pnl

	long := t.Side == domain.SideLong
	if long {
		s.LongTrades++
	} else {
		s.ShortTrades++
	}

	switch {
	case pnl > winThreshold:
		s.Wins++
		a.winSum += pnl
		if pnl > s.LargestWin {
			s.LargestWin = pnl
		}
		if long {
			s.LongWins++
		} else {
			s.ShortWins++
		}
	case pnl < lossThreshold:
		s.Losses++
		a.lossSum += pnl
		if pnl < s.LargestLoss {
			s.LargestLoss = pnl
		}
	default:
		s.BreakEven++
	}
}

func (a *statsAcc) finalize() domain.Stats {
	s := a.stats
	if decided := s.Wins + s.Losses; decided > 0 {
		s.WinRate = float64(s.Wins) / float64(decided) * 100
	}
	if s.LongTrades > 0 {
		s.LongWinRate = float64(s.LongWins) / float64(s.LongTrades) * 100
	}
	if s.ShortTrades > 0 {
		s.ShortWinRate = float64(s.ShortWins) / float64(s.ShortTrades) * 100
	}
	if s.Wins > 0 && s.Losses > 0 {
		avgWin := a.winSum / float64(s.Wins)
		avgLoss := -a.lossSum / float64(s.Losses)
		if avgLoss > 0 {
			s.ProfitFactor = avgWin / avgLoss
		}
	}
	return s
}
