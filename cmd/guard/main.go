package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/config"
	"github.com/vitos/position_guard/internal/infrastructure/exchange"
	"github.com/vitos/position_guard/internal/infrastructure/logger"
	"github.com/vitos/position_guard/internal/infrastructure/storage"
	"github.com/vitos/position_guard/internal/usecase"
	"github.com/vitos/position_guard/internal/web"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config. Invalid protection rules fail here, before anything
	// can trade: fail closed rather than run with partial protection.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Exchange
	adapter := exchange.NewBybitAdapter(
		cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, log)

	// 5. Seed Ledger
	ledger := usecase.NewPositionLedger(store, log)
	if err := ledger.Load(context.Background()); err != nil {
		log.Fatal("Failed to seed ledger", zap.Error(err))
	}
	if last, err := store.LastCloseTime(context.Background()); err == nil && last.Valid {
		ledger.SetLastCloseAt(last.Time)
	}

	// 6. Wire the protection path
	staleness := time.Duration(cfg.Monitor.PriceStalenessMs) * time.Millisecond
	engine := usecase.NewProtectionEngine(&cfg.Protection, staleness, log)
	executor := usecase.NewActionExecutor(adapter, ledger, store, cfg.Monitor.ExecutorMaxAttempts, log)
	executor.OnAlert(func(symbol string, act usecase.Action, err error) {
		log.Error("ALERT: protective action exhausted, operator attention required",
			zap.String("symbol", symbol),
			zap.String("action", string(act.Type)),
			zap.Error(err))
	})
	svc := usecase.NewGuardService(cfg, ledger, engine, executor, store, adapter, log)
	svc.OnForcedReview(func(reason string) {
		// Surfaced to the external decision process; the guard never
		// opens positions on its own.
		log.Warn("FORCED REVIEW requested", zap.String("reason", reason))
	})
	recon := usecase.NewReconciliationMonitor(ledger, adapter, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 7. Price stream: evaluate on every tick
	adapter.OnPriceUpdate(func(symbol string, price float64) {
		svc.ProcessTick(ctx, symbol, price)
	})

	// Subscribe to symbols with open positions; re-diff periodically so
	// positions opened mid-run get a stream too.
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Monitor.SweepIntervalMs) * time.Millisecond * 10)
		defer ticker.Stop()

		active := make(map[string]bool)
		for {
			var toSubscribe []string
			for _, pos := range ledger.Snapshot() {
				if !active[pos.Symbol] {
					toSubscribe = append(toSubscribe, pos.Symbol)
					active[pos.Symbol] = true
				}
			}
			if len(toSubscribe) > 0 {
				log.Info("Subscribing to symbols", zap.Strings("symbols", toSubscribe))
				if err := adapter.Subscribe(toSubscribe); err != nil {
					log.Error("Failed to subscribe", zap.Error(err))
					for _, sym := range toSubscribe {
						delete(active, sym)
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	// 8. Interval sweep: catches positions whose stream went quiet
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Monitor.SweepIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				svc.Sweep(ctx)
			}
		}
	}()

	// 9. Reconciliation audit on its own cadence
	go recon.Run(ctx, time.Duration(cfg.Monitor.ReconcileIntervalS)*time.Second)

	// 10. Idle review check
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Monitor.IdleCheckIntervalS) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				svc.IdleCheck(ctx)
			}
		}
	}()

	// 11. Web server
	server := web.NewServer(cfg.Server.Port, svc, recon, store, cfg.Server.AuthToken, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-stop
	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}
