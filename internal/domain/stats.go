package domain

// Stats summarizes performance over closed trades. A close counts as a win if
// its pnl exceeds +0.01 and as a loss below -0.01; everything between is
// break-even and excluded from win/loss averages.
type Stats struct {
	Trades    int
	Wins      int
	Losses    int
	BreakEven int

	WinRate      float64 // wins / (wins + losses)
	ProfitFactor float64 // average win / average loss
	TotalPnl     float64
	LargestWin   float64
	LargestLoss  float64

	LongTrades   int
	LongWins     int
	LongWinRate  float64
	ShortTrades  int
	ShortWins    int
	ShortWinRate float64
}

// StatsReport is the aggregator's output: per-symbol breakdowns plus the
// overall roll-up.
type StatsReport struct {
	PerSymbol map[string]*Stats
	Overall   Stats
}
