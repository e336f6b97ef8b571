package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/config"
	"github.com/vitos/position_guard/internal/infrastructure/exchange"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)
	if len(cfg.Exchange.APIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", cfg.Exchange.APIKey[:4])
	}

	adapter := exchange.NewBybitAdapter(
		cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, zap.NewNop())
	ctx := context.Background()

	// 2. Check Public Endpoint (Price)
	price, err := adapter.GetCurrentPrice(ctx, "BTCUSDT")
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (BTCUSDT): %f\n", price)
	}

	// 3. Check Private Endpoint (Positions)
	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get positions: %v\n", err)
		return
	}
	fmt.Printf("✅ Open positions: %d\n", len(positions))
	for _, pos := range positions {
		fmt.Printf("  %s: Side=%s, Qty=%f, Entry=%f, Lev=%dx\n",
			pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.Leverage)
	}
}
