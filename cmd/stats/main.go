package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/vitos/position_guard/internal/domain"
	"github.com/vitos/position_guard/internal/infrastructure/storage"
	"github.com/vitos/position_guard/internal/usecase"
)

func main() {
	dbPath := flag.String("db", "guard.db", "path to sqlite database")
	limit := flag.Int("limit", 100000, "max trades to read")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Error opening db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	trades, err := store.ListTrades(context.Background(), *limit)
	if err != nil {
		fmt.Printf("Error reading trades: %v\n", err)
		os.Exit(1)
	}

	report := usecase.NewStatsAggregator().Aggregate(trades)

	fmt.Println("=== Overall ===")
	printStats(&report.Overall)

	symbols := make([]string, 0, len(report.PerSymbol))
	for sym := range report.PerSymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		fmt.Printf("\n=== %s ===\n", sym)
		printStats(report.PerSymbol[sym])
	}
}

func printStats(s *domain.Stats) {
	if s.Trades == 0 {
		fmt.Println("No closed trades.")
		return
	}
	fmt.Printf("Trades: %d (wins: %d, losses: %d, break-even: %d)\n",
		s.Trades, s.Wins, s.Losses, s.BreakEven)
	fmt.Printf("Win rate: %.1f%%  Profit factor: %.2f\n", s.WinRate, s.ProfitFactor)
	fmt.Printf("Total PnL: %.4f  Largest win: %.4f  Largest loss: %.4f\n",
		s.TotalPnl, s.LargestWin, s.LargestLoss)
	fmt.Printf("Long:  %d trades, %d wins (%.1f%%)\n", s.LongTrades, s.LongWins, s.LongWinRate)
	fmt.Printf("Short: %d trades, %d wins (%.1f%%)\n", s.ShortTrades, s.ShortWins, s.ShortWinRate)
}
